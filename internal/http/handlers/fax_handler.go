// Outbound fax HTTP handlers.
//
// This file exposes REST endpoints for outbound fax jobs:
//   - POST /fax            (submit: multipart destination + document)
//   - GET  /fax/{id}       (poll job state)
//   - GET  /fax/{id}/pdf   (tokenized artifact download, no API key)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Stored error text is sanitized
// on the way out, never at rest.
package handlers

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
	"github.com/openfax/faxgw/internal/services"
)

//
// Service contracts (context-aware)
//

// FaxService defines outbound job operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type FaxService interface {
	// Submit validates and persists a submission and starts dispatch.
	Submit(ctx context.Context, to, fileName string, content []byte) (*domain.FaxJob, error)
	// Get returns the job by id.
	Get(ctx context.Context, id string) (*domain.FaxJob, error)
	// OpenArtifact verifies the token and opens the artifact for streaming.
	OpenArtifact(ctx context.Context, id, token string) (io.ReadCloser, string, error)
}

// InboundService defines received-fax operations consumed by HTTP handlers.
type InboundService interface {
	// CheckInternalSecret authorizes the telephony gateway's callback.
	CheckInternalSecret(presented string) error
	// IngestAsterisk records a trunk-side receive.
	IngestAsterisk(ctx context.Context, ev services.AsteriskInbound) (*domain.InboundFax, error)
	// Get returns an inbound fax by id.
	Get(ctx context.Context, id string) (*domain.InboundFax, error)
	// List returns a page of inbound faxes plus the total count.
	List(ctx context.Context, offset, limit int) ([]domain.InboundFax, int64, error)
	// OpenArtifact verifies the token and opens the artifact for streaming.
	OpenArtifact(ctx context.Context, id, token string) (io.ReadCloser, string, error)
	// OpenArtifactPrivileged opens the artifact without a token, for callers
	// holding an inbound-read API key.
	OpenArtifactPrivileged(ctx context.Context, id string) (io.ReadCloser, string, error)
}

// WebhookService defines provider push ingestion.
type WebhookService interface {
	// Ingest authenticates, dedups, and applies one provider push.
	Ingest(ctx context.Context, provider string, rawBody []byte, header http.Header, query url.Values) (services.Ack, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for faxing, inbound, webhooks, and
// administration. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	faxSvc     FaxService
	inboundSvc InboundService
	hookSvc    WebhookService
	keySvc     *services.APIKeyService
	cfg        *config.Provider
	trail      *audit.Trail
}

// New constructs and returns a Handlers instance bound to the given services.
func New(faxSvc FaxService, inboundSvc InboundService, hookSvc WebhookService, keySvc *services.APIKeyService, cfg *config.Provider, trail *audit.Trail) *Handlers {
	return &Handlers{
		faxSvc:     faxSvc,
		inboundSvc: inboundSvc,
		hookSvc:    hookSvc,
		keySvc:     keySvc,
		cfg:        cfg,
		trail:      trail,
	}
}

//
// DTOs
//

// jobResponse is the outward job shape. It mirrors domain.FaxJob's JSON but
// carries sanitized error text.
type jobResponse struct {
	*domain.FaxJob
	Error string `json:"error,omitempty"`
}

func toJobResponse(job *domain.FaxJob) jobResponse {
	return jobResponse{FaxJob: job, Error: services.SanitizeError(job.Error)}
}

//
// Endpoints
//

// SubmitFax handles POST /fax.
//
// Accepts multipart/form-data with fields "to" (destination number) and
// "file" (PDF or TXT document). Replies 202 with the queued job; dispatch
// happens in the background and is observable via GET /fax/{id}.
func (h *Handlers) SubmitFax(c *gin.Context) {
	to := strings.TrimSpace(c.PostForm("to"))
	if to == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "'to' is required")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "'file' is required")
		return
	}

	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "file is not readable")
		return
	}
	defer f.Close()

	maxBytes := int64(h.cfg.Current().MaxFileSizeMB) << 20
	content, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "file read failed")
		return
	}

	job, err := h.faxSvc.Submit(c.Request.Context(), to, fh.Filename, content)
	if err != nil {
		if services.IsValidation(err) {
			failFromService(c, err)
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeSubmitFailed, "could not queue fax")
		return
	}
	ok(c, http.StatusAccepted, toJobResponse(job))
}

// GetFax handles GET /fax/{id}.
func (h *Handlers) GetFax(c *gin.Context) {
	job, err := h.faxSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, toJobResponse(job))
}

// GetFaxPdf handles GET /fax/{id}/pdf?token=...
//
// This route is deliberately outside API key auth: cloud providers fetch the
// document with nothing but the single-use URL. The token is the credential.
func (h *Handlers) GetFaxPdf(c *gin.Context) {
	rc, name, err := h.faxSvc.OpenArtifact(c.Request.Context(), c.Param("id"), c.Query("token"))
	if err != nil {
		failFromService(c, err)
		return
	}
	defer rc.Close()
	streamArtifact(c, rc, name)
}

// streamArtifact writes an artifact to the response with download headers.
func streamArtifact(c *gin.Context, rc io.Reader, name string) {
	contentType := "application/pdf"
	if strings.HasSuffix(strings.ToLower(name), ".tiff") || strings.HasSuffix(strings.ToLower(name), ".tif") {
		contentType = "image/tiff"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, rc)
}
