// Administration HTTP handlers.
//
// This file exposes the keys:manage surface:
//   - POST   /admin/api-keys                 (mint a scoped key)
//   - GET    /admin/api-keys                 (list key metadata, never hashes)
//   - POST   /admin/api-keys/{keyID}/rotate  (swap secret, keep key id)
//   - DELETE /admin/api-keys/{keyID}         (revoke, idempotent)
//   - GET    /admin/settings                 (redacted effective settings)
//   - POST   /admin/settings/reload          (re-read environment, swap snapshot)
//   - GET    /admin/audit                    (recent audit events)
//
// The plaintext of a minted or rotated key appears exactly once, in the
// response to that call. It is never retrievable again.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/utils"
)

//
// DTOs
//

// CreateKeyRequest is the JSON payload for minting an API key.
type CreateKeyRequest struct {
	Name      string     `json:"name"`
	Owner     string     `json:"owner"`
	Scopes    []string   `json:"scopes" binding:"required,min=1"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Note      string     `json:"note,omitempty"`
}

// SettingsResponse is the redacted settings view. Secrets are reported only
// as configured/not-configured booleans.
type SettingsResponse struct {
	Version              int64     `json:"version"`
	LoadedAt             time.Time `json:"loaded_at"`
	Backend              string    `json:"backend"`
	FaxDisabled          bool      `json:"fax_disabled"`
	RequireAPIKey        bool      `json:"require_api_key"`
	InboundEnabled       bool      `json:"inbound_enabled"`
	MaxFileSizeMB        int       `json:"max_file_size_mb"`
	MaxRequestsPerMinute int       `json:"max_requests_per_minute"`
	ArtifactTTLDays      int       `json:"artifact_ttl_days"`
	InboundRetentionDays int       `json:"inbound_retention_days"`
	PdfTokenTTLMinutes   int       `json:"pdf_token_ttl_minutes"`
	PublicURL            string    `json:"public_url"`
	BootstrapConfigured  bool      `json:"bootstrap_key_configured"`
	BackendConfigured    bool      `json:"backend_credentials_configured"`
}

//
// API keys
//

// CreateKey handles POST /admin/api-keys.
func (h *Handlers) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scopes are required")
		return
	}
	issued, err := h.keySvc.Create(c.Request.Context(), req.Name, req.Owner, req.Scopes, req.ExpiresAt, req.Note)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not create key")
		return
	}
	ok(c, http.StatusCreated, issued)
}

// ListKeys handles GET /admin/api-keys.
func (h *Handlers) ListKeys(c *gin.Context) {
	keys, err := h.keySvc.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list keys")
		return
	}
	ok(c, http.StatusOK, gin.H{"keys": keys})
}

// RotateKey handles POST /admin/api-keys/{keyID}/rotate.
func (h *Handlers) RotateKey(c *gin.Context) {
	issued, err := h.keySvc.Rotate(c.Request.Context(), c.Param("keyID"))
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, issued)
}

// RevokeKey handles DELETE /admin/api-keys/{keyID}.
func (h *Handlers) RevokeKey(c *gin.Context) {
	if err := h.keySvc.Revoke(c.Request.Context(), c.Param("keyID")); err != nil {
		failFromService(c, err)
		return
	}
	noContent(c)
}

//
// Settings and diagnostics
//

// GetSettings handles GET /admin/settings.
func (h *Handlers) GetSettings(c *gin.Context) {
	ok(c, http.StatusOK, h.settingsView())
}

// ReloadSettings handles POST /admin/settings/reload.
//
// Re-reads the environment and swaps the active snapshot. On validation
// failure the previous settings stay active and the call answers 400.
func (h *Handlers) ReloadSettings(c *gin.Context) {
	if _, err := h.cfg.Reload(); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reload rejected: "+err.Error())
		return
	}
	h.trail.Record("settings_reloaded", map[string]string{
		"version": strconv.FormatInt(h.cfg.Version(), 10),
	})
	ok(c, http.StatusOK, h.settingsView())
}

// GetAudit handles GET /admin/audit?limit=N (default 100).
func (h *Handlers) GetAudit(c *gin.Context) {
	limit := utils.AtoiDefault(c.Query("limit"), 100)
	ok(c, http.StatusOK, gin.H{"events": h.trail.Recent(limit)})
}

func (h *Handlers) settingsView() SettingsResponse {
	snap := h.cfg.Current()
	return SettingsResponse{
		Version:              h.cfg.Version(),
		LoadedAt:             h.cfg.LoadedAt(),
		Backend:              snap.Backend,
		FaxDisabled:          snap.FaxDisabled,
		RequireAPIKey:        snap.RequireAPIKey,
		InboundEnabled:       snap.InboundEnabled,
		MaxFileSizeMB:        snap.MaxFileSizeMB,
		MaxRequestsPerMinute: snap.MaxRequestsPerMinute,
		ArtifactTTLDays:      snap.ArtifactTTLDays,
		InboundRetentionDays: snap.InboundRetentionDays,
		PdfTokenTTLMinutes:   snap.PdfTokenTTLMinutes,
		PublicURL:            snap.PublicURL,
		BootstrapConfigured:  snap.APIKey != "",
		BackendConfigured:    backendConfigured(snap),
	}
}

// backendConfigured reports whether the active backend has credentials set.
func backendConfigured(cfg *config.Config) bool {
	switch cfg.Backend {
	case config.BackendPhaxio:
		return cfg.Phaxio.APIKey != "" && cfg.Phaxio.APISecret != ""
	case config.BackendSinch:
		return cfg.Sinch.ProjectID != "" && cfg.Sinch.APIKey != ""
	case config.BackendDocumo:
		return cfg.Documo.APIKey != ""
	case config.BackendSIP:
		return cfg.SIP.AMIPassword != "" && cfg.SIP.AMIPassword != "changeme"
	}
	return false
}
