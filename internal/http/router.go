// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Token-credentialed artifact routes and provider webhooks stay outside
//     API key auth; everything else goes through it
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/http/handlers"
	"github.com/openfax/faxgw/internal/http/middleware"
	"github.com/openfax/faxgw/internal/services"
)

// Services bundles the constructed application services the router mounts.
// Construction happens in main so the SIP result callback can be wired to the
// fax service before the server starts.
type Services struct {
	Fax     *services.FaxService
	Inbound *services.InboundService
	Hooks   *services.WebhookService
	Keys    *services.APIKeyService
	Trail   *audit.Trail
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with phone/token scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (re-reads the config snapshot per request)
//  6. Metrics
//  7. gzip (JSON only; artifact downloads excluded)
//  8. CORS and security headers
//
// Authentication and rate limiting are per-group, not global: webhooks and
// tokenized artifact downloads must stay reachable without an API key.
func RegisterRoutes(r *gin.Engine, cfg *config.Provider, svcs Services) {
	r.HandleMethodNotAllowed = true

	snap := cfg.Current()

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(snap.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction (fax traffic carries phone
	//    numbers and artifact tokens)
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Request body cap: upload limit plus multipart overhead
	r.Use(func(c *gin.Context) {
		maxBytes := int64(cfg.Current().MaxFileSizeMB)<<20 + 1<<20
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	})

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Compress JSON responses; never recompress artifact downloads
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{`.*/pdf$`, `^/metrics$`})))

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(snap.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-API-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     snap.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-API-Key"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: snap.Security.EnableHSTS,
		HSTSMaxAge: snap.Security.HSTSMaxAge,
		NoStore:    true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"backend": cfg.Current().Backend,
		})
	})

	h := handlers.New(svcs.Fax, svcs.Inbound, svcs.Hooks, svcs.Keys, cfg, svcs.Trail)

	// Tokenized artifact downloads: the token in the URL is the credential.
	r.GET("/fax/:id/pdf", h.GetFaxPdf)
	r.GET("/inbound/:id/pdf", h.GetInboundPdf)

	// Provider pushes and the telephony callback, behind the per-IP edge
	// limiter. They authenticate with signatures/shared secrets, not keys.
	edge := middleware.NewWebhookEdgeLimiter(cfg)
	hooks := r.Group("", edge.Middleware())
	{
		hooks.POST("/webhook/:provider", h.ProviderWebhook)
		hooks.POST("/_internal/asterisk/inbound", h.AsteriskInbound)
	}

	// Key-authenticated API
	rl := middleware.NewFixedWindowLimiter()
	api := r.Group("", middleware.Auth(svcs.Keys, cfg), middleware.RateLimit(rl, cfg))
	{
		api.POST("/fax", middleware.RequireScope(svcs.Keys, services.ScopeFaxSend), h.SubmitFax)
		api.GET("/fax/:id", middleware.RequireScope(svcs.Keys, services.ScopeFaxRead), h.GetFax)

		api.GET("/inbound", middleware.RequireScope(svcs.Keys, services.ScopeInboundList), h.ListInbound)
		api.GET("/inbound/:id", middleware.RequireScope(svcs.Keys, services.ScopeInboundRead), h.GetInbound)

		admin := api.Group("/admin", middleware.RequireScope(svcs.Keys, services.ScopeKeysManage))
		{
			admin.POST("/api-keys", h.CreateKey)
			admin.GET("/api-keys", h.ListKeys)
			admin.POST("/api-keys/:keyID/rotate", h.RotateKey)
			admin.DELETE("/api-keys/:keyID", h.RevokeKey)

			admin.GET("/settings", h.GetSettings)
			admin.POST("/settings/reload", h.ReloadSettings)
			admin.GET("/audit", h.GetAudit)
		}
	}
}
