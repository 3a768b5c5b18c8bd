// Webhook HTTP handlers.
//
// This file exposes the provider-facing ingestion endpoints:
//   - POST /webhook/{provider}           (cloud provider status/inbound pushes)
//   - POST /_internal/asterisk/inbound   (telephony gateway receive callback)
//
// Both are outside API key auth. The webhook route authenticates with an
// HMAC signature over the raw body; the internal route with a shared secret
// header. The raw body is read once, before any parsing, so the signature
// always covers exactly the bytes the provider sent.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfax/faxgw/internal/http/middleware"
	"github.com/openfax/faxgw/internal/services"
)

// maxWebhookBody caps how much of a push we will buffer.
const maxWebhookBody = 1 << 20

// internalSecretHeader authenticates the telephony gateway's callback.
const internalSecretHeader = "X-Internal-Secret"

// ProviderWebhook handles POST /webhook/{provider}.
//
// Replies:
//   - 200 {"status":"ok"} for applied events and for replays
//   - 200 {"status":"ignored"} for sid-less or unparseable-but-authentic pushes
//   - 401 when signature verification fails
func (h *Handlers) ProviderWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body read failed")
		return
	}

	ack, err := h.hookSvc.Ingest(
		c.Request.Context(),
		c.Param("provider"),
		rawBody,
		c.Request.Header,
		c.Request.URL.Query(),
	)
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, ack)
}

// AsteriskInbound handles POST /_internal/asterisk/inbound.
//
// The telephony box calls this after a trunk-side receive finishes, carrying
// the gateway-local artifact path and call metadata. Authenticated by the
// X-Internal-Secret header, compared in constant time.
func (h *Handlers) AsteriskInbound(c *gin.Context) {
	if err := h.inboundSvc.CheckInternalSecret(c.GetHeader(internalSecretHeader)); err != nil {
		middleware.LoggerFrom(c).Warn().Msg("internal inbound callback rejected")
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid internal secret")
		return
	}

	var ev services.AsteriskInbound
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON payload")
		return
	}

	fax, err := h.inboundSvc.IngestAsterisk(c.Request.Context(), ev)
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusCreated, fax)
}
