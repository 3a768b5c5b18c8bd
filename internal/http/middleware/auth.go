// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides API key authentication and scope enforcement. Auth()
// resolves the X-API-Key header into a Principal and stores it in the Gin
// context; RequireScope() gates individual routes on a granted scope.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/services"
)

const (
	apiKeyHeader = "X-API-Key"
	principalKey = "principal"
)

// Auth returns a middleware that authenticates the request's X-API-Key.
//
// The resolved Principal is stored under the "principal" context key and its
// key id under "keyID" (consumed by the access logger). A missing or invalid
// credential aborts with 401; whether a missing credential is acceptable at
// all depends on the deployment's bootstrap key and REQUIRE_API_KEY setting,
// which the authorization service resolves.
func Auth(keys *services.APIKeyService, cfg *config.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := cfg.Current()
		p, err := keys.Authorize(c.Request.Context(), c.GetHeader(apiKeyHeader), snap.APIKey, snap.RequireAPIKey)
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		c.Set(principalKey, p)
		c.Set("keyID", p.KeyID)
		c.Next()
	}
}

// RequireScope returns a middleware that rejects principals lacking scope
// with 403. Must run after Auth().
func RequireScope(keys *services.APIKeyService, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := PrincipalFrom(c)
		if err := keys.RequireScope(p, scope); err != nil {
			if errors.Is(err, services.ErrForbidden) {
				abortJSON(c, http.StatusForbidden, "forbidden", "API key lacks required scope: "+scope)
				return
			}
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the authenticated principal, or nil when Auth() did
// not run on this route.
func PrincipalFrom(c *gin.Context) *services.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*services.Principal); ok {
			return p
		}
	}
	return nil
}

// abortJSON writes the standard error envelope and stops the chain.
func abortJSON(c *gin.Context, status int, code, message string) {
	rid, _ := c.Get(requestIDKey)
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": asString(rid),
		"code":       code,
		"message":    message,
	})
}
