// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, unauthorized, conflict) mirror common HTTP
//     status semantics to aid interoperability.
//   - Domain-specific codes (e.g., submit_failed, disallowed_type) are reserved for
//     business logic errors that cannot be conveyed by status alone.
//   - All error responses must include both an HTTP status and one of these codes.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfax/faxgw/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeSubmitFailed    = "submit_failed"
	ErrCodeDisallowedType  = "disallowed_type"
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeBadSignature    = "bad_signature"
	ErrCodeInboundDisabled = "inbound_disabled"
	ErrCodeListFailed      = "list_failed"
)

// failFromService translates a service-layer error into the matching HTTP
// error response. Token failures collapse deliberately: a missing token reads
// as 404 (the resource is unlocatable without one), while a mismatch or
// expiry reads as 403.
func failFromService(c *gin.Context, err error) {
	var ve *services.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusBadRequest
		code := ErrCodeBadRequest
		switch ve.Status {
		case http.StatusUnsupportedMediaType:
			status, code = ve.Status, ErrCodeDisallowedType
		case http.StatusRequestEntityTooLarge:
			status, code = ve.Status, ErrCodePayloadTooLarge
		}
		fail(c, status, code, ve.Msg)
	case errors.Is(err, services.ErrJobNotFound), errors.Is(err, services.ErrKeyNotFound),
		errors.Is(err, services.ErrNoToken):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "not found")
	case errors.Is(err, services.ErrTokenMismatch), errors.Is(err, services.ErrTokenExpired):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "invalid or expired token")
	case errors.Is(err, services.ErrUnauthorized):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or missing credential")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "insufficient scope")
	case errors.Is(err, services.ErrBadSignature):
		fail(c, http.StatusUnauthorized, ErrCodeBadSignature, "webhook signature verification failed")
	case errors.Is(err, services.ErrInboundDisabled):
		fail(c, http.StatusForbidden, ErrCodeInboundDisabled, "inbound receiving is disabled")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
