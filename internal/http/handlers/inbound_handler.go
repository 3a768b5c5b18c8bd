// Inbound fax HTTP handlers.
//
// This file exposes REST endpoints for received faxes:
//   - GET /inbound             (list, paginated, newest first)
//   - GET /inbound/{id}        (metadata)
//   - GET /inbound/{id}/pdf    (tokenized artifact download, no API key)
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfax/faxgw/internal/domain"
	"github.com/openfax/faxgw/internal/services"
	"github.com/openfax/faxgw/internal/utils"
)

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Total  int64 `json:"total"`
}

// ListInboundResponse wraps a page of inbound faxes and pagination info.
type ListInboundResponse struct {
	Inbound    []domain.InboundFax `json:"inbound"`
	Pagination Pagination          `json:"pagination"`
}

// ListInbound handles GET /inbound.
//
// Query params: offset (default 0), limit (default 50, max 200).
func (h *Handlers) ListInbound(c *gin.Context) {
	offset := utils.AtoiDefault(c.Query("offset"), 0)
	limit := utils.AtoiDefault(c.Query("limit"), 50)

	faxes, total, err := h.inboundSvc.List(c.Request.Context(), offset, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list inbound faxes")
		return
	}
	if faxes == nil {
		faxes = []domain.InboundFax{}
	}
	ok(c, http.StatusOK, ListInboundResponse{
		Inbound:    faxes,
		Pagination: Pagination{Offset: offset, Limit: limit, Total: total},
	})
}

// GetInbound handles GET /inbound/{id}.
func (h *Handlers) GetInbound(c *gin.Context) {
	fax, err := h.inboundSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, fax)
}

// GetInboundPdf handles GET /inbound/{id}/pdf?token=...
//
// Like the outbound artifact route, the token is the credential and no API
// key is required. An inbound:read API key also works, so operators can
// download after the one-time link expires. Reclaimed artifacts answer 404.
func (h *Handlers) GetInboundPdf(c *gin.Context) {
	rc, name, err := h.inboundSvc.OpenArtifact(c.Request.Context(), c.Param("id"), c.Query("token"))
	if err != nil && isTokenError(err) && h.authorizedForInboundRead(c) {
		rc, name, err = h.inboundSvc.OpenArtifactPrivileged(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		failFromService(c, err)
		return
	}
	defer rc.Close()
	streamArtifact(c, rc, name)
}

func isTokenError(err error) bool {
	return errors.Is(err, services.ErrNoToken) ||
		errors.Is(err, services.ErrTokenMismatch) ||
		errors.Is(err, services.ErrTokenExpired)
}

// authorizedForInboundRead resolves the request's API key, if any, and checks
// the inbound:read scope. The route sits outside the auth middleware, so the
// key is verified here on demand.
func (h *Handlers) authorizedForInboundRead(c *gin.Context) bool {
	if h.keySvc == nil {
		return false
	}
	key := c.GetHeader("X-API-Key")
	if key == "" {
		return false
	}
	snap := h.cfg.Current()
	p, err := h.keySvc.Authorize(c.Request.Context(), key, snap.APIKey, true)
	if err != nil {
		return false
	}
	return h.keySvc.RequireScope(p, services.ScopeInboundRead) == nil
}
