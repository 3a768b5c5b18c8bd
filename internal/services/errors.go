// Package services implements the fax gateway's business logic: the dispatch
// orchestrator, webhook ingestion, token issuance, authorization, and the
// retention sweeper. This file defines the service-level error taxonomy that
// handlers map onto HTTP results.
package services

import (
	"errors"
	"fmt"
)

// Sentinel errors for predictable failure cases.
var (
	// ErrJobNotFound signals an unknown job or inbound fax id.
	ErrJobNotFound = errors.New("job not found")

	// ErrKeyNotFound signals an unknown API key id on a management call.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrNoToken signals that the resource has no access token configured;
	// distinct from a mismatch so callers can answer 404 instead of 403.
	ErrNoToken = errors.New("no token configured")

	// ErrTokenMismatch signals a presented token that does not equal the
	// stored value.
	ErrTokenMismatch = errors.New("token mismatch")

	// ErrTokenExpired signals a matching token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrUnauthorized signals a missing or invalid credential.
	ErrUnauthorized = errors.New("invalid API key")

	// ErrForbidden signals a valid credential lacking the required scope.
	ErrForbidden = errors.New("insufficient scope")

	// ErrBadSignature signals a webhook whose MAC did not verify (or whose
	// secret/header was missing). The body is never parsed in this case.
	ErrBadSignature = errors.New("invalid webhook signature")

	// ErrInboundDisabled signals telephony-side ingestion with
	// INBOUND_ENABLED off.
	ErrInboundDisabled = errors.New("inbound receiving is disabled")
)

// ValidationError reports a malformed submission (destination, document type,
// size). Its message is safe to surface verbatim to the caller. Status, when
// non-zero, suggests a more specific 4xx than the default 400 (415 for a
// disallowed document type, 413 for an oversize payload).
type ValidationError struct {
	Msg    string
	Status int
}

// Error implements the error interface.
func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError with fmt semantics.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
