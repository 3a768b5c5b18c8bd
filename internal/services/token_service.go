// Package services – TokenService
//
// TokenService mints and validates the short-lived, single-resource tokens
// that let an external party (a cloud provider fetching a document, or an
// operator following an emailed link) download one artifact without full API
// credentials. Tokens carry >= 32 bytes of entropy, are URL-safe, and are
// stored on the resource row itself; issuing a new token overwrites — and
// thereby invalidates — the previous one.
package services

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/jonboulle/clockwork"
)

// TokenService issues and verifies artifact access tokens. The clock is
// injected so expiry behavior is testable without sleeping.
type TokenService struct {
	clock clockwork.Clock
}

// NewTokenService constructs a TokenService on the real clock.
func NewTokenService() *TokenService {
	return &TokenService{clock: clockwork.NewRealClock()}
}

// NewTokenServiceWithClock constructs a TokenService on the given clock.
func NewTokenServiceWithClock(clock clockwork.Clock) *TokenService {
	return &TokenService{clock: clock}
}

// Issue generates a fresh token valid for ttlMinutes. The caller persists
// the pair on exactly one resource.
func (s *TokenService) Issue(ttlMinutes int) (token string, expiresAt time.Time, err error) {
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	expiresAt = s.clock.Now().UTC().Add(time.Duration(ttlMinutes) * time.Minute)
	return token, expiresAt, nil
}

// Verify checks a presented token against the stored value and expiry.
// Distinguishable outcomes: ErrNoToken (resource has none configured),
// ErrTokenMismatch, ErrTokenExpired, or nil. Comparison is constant time.
func (s *TokenService) Verify(stored string, expiresAt *time.Time, presented string) error {
	if stored == "" || expiresAt == nil {
		return ErrNoToken
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return ErrTokenMismatch
	}
	if s.clock.Now().After(*expiresAt) {
		return ErrTokenExpired
	}
	return nil
}
