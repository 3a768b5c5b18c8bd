// Package backend defines the delivery-backend capability consumed by the
// dispatch orchestrator, plus one implementation per concrete provider
// (telephony gateway and cloud fax APIs). The orchestrator selects a single
// backend at startup from configuration and never inspects provider strings
// again.
package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
)

// Artifact carries the rendered document handed to a backend.
type Artifact struct {
	// PdfPath is the local deliverable (cloud backends that upload).
	PdfPath string
	// TiffPath is the telephony artifact (sip backend).
	TiffPath string
	// PdfURL is a tokenized public URL providers may fetch instead of an
	// upload (Phaxio content_url flow).
	PdfURL string
}

// SendResult is the explicit success variant returned by a backend. Failure
// is the ordinary error return; the orchestrator branches on it rather than
// recovering panics.
type SendResult struct {
	// ProviderSID is the provider-assigned external id, empty for backends
	// that correlate purely via our job id.
	ProviderSID string
	// Status is the normalized job status after acceptance: in_progress for
	// backends that confirm later via webhook, or a terminal status for
	// synchronous ones.
	Status string
	// Pages, when non-nil, is a page count the backend determined
	// synchronously.
	Pages *int
}

// FaxBackend is the delivery capability.
type FaxBackend interface {
	// Name returns the backend identifier ("sip", "phaxio", ...).
	Name() string
	// Send hands the artifact to the provider for jobID. It must honor ctx
	// and bound its own network timeouts; the orchestrator treats a timeout
	// like any other failure.
	Send(ctx context.Context, jobID, to string, artifact Artifact) (SendResult, error)
}

// StatusPoller is the optional poll capability some providers expose.
type StatusPoller interface {
	PollStatus(ctx context.Context, providerSID string) (string, error)
}

// ForConfig resolves the configured backend once at startup. The returned
// backend owns its HTTP client; cloud backends share defaultHTTPClient when
// client is nil.
func ForConfig(cfg *config.Config, client *http.Client) FaxBackend {
	if client == nil {
		client = defaultHTTPClient()
	}
	switch cfg.Backend {
	case config.BackendPhaxio:
		return NewPhaxio(cfg.Phaxio, client)
	case config.BackendSinch:
		return NewSinch(cfg.Sinch, client)
	case config.BackendDocumo:
		return NewDocumo(cfg.Documo, client)
	default:
		return NewSIP(cfg.SIP)
	}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

// normalizeE164 coerces a destination to E.164 when it plausibly carries a
// country code; otherwise the digits are passed through untouched.
func normalizeE164(to string) string {
	if len(to) > 0 && to[0] == '+' {
		return to
	}
	digits := make([]byte, 0, len(to))
	for i := 0; i < len(to); i++ {
		if to[i] >= '0' && to[i] <= '9' {
			digits = append(digits, to[i])
		}
	}
	if len(digits) >= 10 {
		return "+" + string(digits)
	}
	if len(digits) > 0 {
		return string(digits)
	}
	return to
}

// mapProviderStatus folds a provider status vocabulary into the job state
// machine. Unknown intermediate statuses count as in_progress; the terminal
// result arrives later by webhook.
func mapProviderStatus(s string) string {
	switch s {
	case "success", "SUCCESS", "completed", "delivered", "sent":
		return domain.StatusSuccess
	case "failure", "failed", "FAILED", "error", "canceled", "cancelled":
		return domain.StatusFailedTerm
	case "", "queued", "pending", "created":
		return domain.StatusInProgress
	default:
		return domain.StatusInProgress
	}
}
