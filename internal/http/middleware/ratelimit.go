// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides two complementary limiters:
//
//   - RateLimit: a fixed-window counter keyed by (key_id, route) for
//     authenticated traffic. Windows are aligned to wall-clock minutes, so a
//     caller can observe up to 2x the nominal limit across a window boundary;
//     that burst is accepted in exchange for exact, cheap accounting.
//   - WebhookEdgeLimiter: a per-IP token bucket guarding the unauthenticated
//     webhook endpoints against floods before any signature work happens.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/openfax/faxgw/internal/config"
)

const windowSeconds = 60

// bucketKey identifies one counter: a credential, a route, and a window.
type bucketKey struct {
	keyID  string
	route  string
	window int64
}

// FixedWindowLimiter counts requests per (key_id, route) in aligned
// 60-second windows. State is in-memory; restarting the process resets all
// counters, which is acceptable for a single-process gateway.
type FixedWindowLimiter struct {
	mu       sync.Mutex
	counters map[bucketKey]int
	clock    clockwork.Clock
}

// NewFixedWindowLimiter constructs a limiter on the real clock.
func NewFixedWindowLimiter() *FixedWindowLimiter {
	return NewFixedWindowLimiterWithClock(clockwork.NewRealClock())
}

// NewFixedWindowLimiterWithClock constructs a limiter on the given clock.
func NewFixedWindowLimiterWithClock(clock clockwork.Clock) *FixedWindowLimiter {
	return &FixedWindowLimiter{counters: make(map[bucketKey]int), clock: clock}
}

// Allow records one request for (keyID, route) under limit and reports
// whether it fits the current window. When it does not, retryAfter is the
// number of seconds until the window rolls over. A limit <= 0 always allows.
func (l *FixedWindowLimiter) Allow(keyID, route string, limit int) (allowed bool, retryAfter int) {
	if limit <= 0 {
		return true, 0
	}
	now := l.clock.Now().Unix()
	window := now / windowSeconds

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(window)

	k := bucketKey{keyID: keyID, route: route, window: window}
	if l.counters[k] >= limit {
		return false, int(windowSeconds - now%windowSeconds)
	}
	l.counters[k]++
	return true, 0
}

// pruneLocked drops counters from past windows. Called opportunistically on
// each Allow; the map never holds more than two windows of keys.
func (l *FixedWindowLimiter) pruneLocked(current int64) {
	for k := range l.counters {
		if k.window < current {
			delete(l.counters, k)
		}
	}
}

// RateLimit returns a middleware enforcing the configured per-minute limits
// for authenticated principals. Resolution order for the limit: a per-route
// override ("METHOD /route"), then the global default; 0 means unlimited.
// Anonymous principals are exempt (they exist only in permissive
// deployments). Rejections carry Retry-After and the standard error
// envelope.
func RateLimit(l *FixedWindowLimiter, cfg *config.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFrom(c)
		if p == nil || p.Anonymous {
			c.Next()
			return
		}
		snap := cfg.Current()
		route := c.Request.Method + " " + c.FullPath()

		limit := snap.MaxRequestsPerMinute
		if override, ok := snap.RateOverrides[route]; ok {
			limit = override
		}

		allowed, retryAfter := l.Allow(p.KeyID, route, limit)
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			abortJSON(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, retry later")
			return
		}
		c.Next()
	}
}

// ipLimiter pairs a token bucket with its last-seen time for expiry.
type ipLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// WebhookEdgeLimiter applies a per-IP token bucket to unauthenticated
// endpoints. Buckets idle for more than ten minutes are discarded.
type WebhookEdgeLimiter struct {
	mu    sync.Mutex
	perIP map[string]*ipLimiter
	cfg   *config.Provider
}

// NewWebhookEdgeLimiter constructs the edge limiter.
func NewWebhookEdgeLimiter(cfg *config.Provider) *WebhookEdgeLimiter {
	return &WebhookEdgeLimiter{perIP: make(map[string]*ipLimiter), cfg: cfg}
}

// Middleware returns the Gin handler. A configured rate of 0 disables the
// limiter entirely.
func (w *WebhookEdgeLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := w.cfg.Current()
		if snap.WebhookRPS <= 0 {
			c.Next()
			return
		}
		if !w.allow(c.ClientIP(), snap.WebhookRPS, snap.WebhookBurst) {
			abortJSON(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}

func (w *WebhookEdgeLimiter) allow(ip string, rps float64, burst int) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for k, v := range w.perIP {
		if now.Sub(v.seen) > 10*time.Minute {
			delete(w.perIP, k)
		}
	}

	entry, ok := w.perIP[ip]
	if !ok {
		entry = &ipLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
		w.perIP[ip] = entry
	}
	entry.seen = now
	return entry.lim.Allow()
}
