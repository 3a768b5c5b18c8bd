// Package services – APIKeyService and authorization.
//
// Credentials are presented as X-API-Key values shaped
// "fbk_live_<key_id>_<secret>". The secret is scrypt-hashed at rest; the
// plaintext is handed out exactly once at creation or rotation. Authorization
// resolves, in order: bootstrap key → database key (not revoked, not expired,
// hash verifies) → anonymous (only when enforcement is off) → reject.
package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"
	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/domain"
	"github.com/openfax/faxgw/internal/repo"
)

// Scope names. The wildcard satisfies any requirement.
const (
	ScopeAll         = "*"
	ScopeFaxSend     = "fax:send"
	ScopeFaxRead     = "fax:read"
	ScopeInboundList = "inbound:list"
	ScopeInboundRead = "inbound:read"
	ScopeKeysManage  = "keys:manage"
)

const tokenPrefix = "fbk_live_"

// Principal is the authorization outcome attached to a request.
type Principal struct {
	// KeyID identifies the credential ("bootstrap" for the bootstrap key,
	// empty for anonymous).
	KeyID string
	// Name/Owner are informational, from the key record.
	Name  string
	Owner string
	// Scopes is the granted scope set.
	Scopes []string
	// Anonymous is true for unauthenticated access in permissive
	// deployments. Anonymous principals are exempt from rate limiting.
	Anonymous bool
}

// HasScope reports whether the principal holds scope (or the wildcard).
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// IssuedKey is the one-time creation/rotation response carrying the
// plaintext token.
type IssuedKey struct {
	Token     string     `json:"token"`
	KeyID     string     `json:"key_id"`
	Name      string     `json:"name,omitempty"`
	Owner     string     `json:"owner,omitempty"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// APIKeyService manages scoped credentials and performs authorization.
type APIKeyService struct {
	DB    *gorm.DB
	Trail *audit.Trail
	clock clockwork.Clock
}

// NewAPIKeyService constructs the service on the real clock.
func NewAPIKeyService(db *gorm.DB, trail *audit.Trail) *APIKeyService {
	return &APIKeyService{DB: db, Trail: trail, clock: clockwork.NewRealClock()}
}

// NewAPIKeyServiceWithClock constructs the service on the given clock.
func NewAPIKeyServiceWithClock(db *gorm.DB, trail *audit.Trail, clock clockwork.Clock) *APIKeyService {
	return &APIKeyService{DB: db, Trail: trail, clock: clock}
}

// Authorize resolves a presented credential into a Principal.
//
//   - bootstrapKey, when configured and matched exactly, grants all scopes.
//   - Otherwise the credential is looked up in the key database.
//   - With no bootstrap key and enforcement off, missing credentials yield an
//     anonymous principal with no scopes.
//   - Everything else is ErrUnauthorized.
func (s *APIKeyService) Authorize(ctx context.Context, presented, bootstrapKey string, requireKey bool) (*Principal, error) {
	if bootstrapKey != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(bootstrapKey)) == 1 {
		return &Principal{KeyID: "bootstrap", Scopes: []string{ScopeAll}}, nil
	}

	if strings.HasPrefix(presented, tokenPrefix) {
		if p := s.verifyDBKey(ctx, presented); p != nil {
			return p, nil
		}
		return nil, ErrUnauthorized
	}

	if presented == "" && bootstrapKey == "" && !requireKey {
		return &Principal{Anonymous: true}, nil
	}
	return nil, ErrUnauthorized
}

// RequireScope checks the principal for scope and returns ErrForbidden on a
// miss. Denials are audited with the attempted scope.
func (s *APIKeyService) RequireScope(p *Principal, scope string) error {
	if p != nil && p.HasScope(scope) {
		return nil
	}
	keyID := ""
	if p != nil {
		keyID = p.KeyID
	}
	s.Trail.Record("auth_scope_denied", map[string]string{
		"key_id": keyID,
		"scope":  scope,
	})
	return ErrForbidden
}

func (s *APIKeyService) verifyDBKey(ctx context.Context, presented string) *Principal {
	keyID, secret, ok := parseToken(presented)
	if !ok {
		return nil
	}
	rec, err := repo.GetAPIKeyByKeyID(ctx, s.DB, keyID)
	if err != nil {
		return nil
	}
	now := s.clock.Now().UTC()
	if rec.RevokedAt != nil {
		return nil
	}
	if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
		return nil
	}
	if !verifySecret(secret, rec.KeyHash) {
		return nil
	}

	// Best-effort; authorization never fails on this.
	if err := repo.TouchAPIKeyLastUsed(ctx, s.DB, keyID, now); err != nil {
		log.Debug().Err(err).Str("key_id", keyID).Msg("last_used_at update failed")
	}

	return &Principal{
		KeyID:  rec.KeyID,
		Name:   rec.Name,
		Owner:  rec.Owner,
		Scopes: rec.ScopeList(),
	}
}

// Create mints a new key. The plaintext token appears only in the returned
// IssuedKey.
func (s *APIKeyService) Create(ctx context.Context, name, owner string, scopes []string, expiresAt *time.Time, note string) (*IssuedKey, error) {
	token, keyID, secret, err := generateToken()
	if err != nil {
		return nil, err
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return nil, err
	}

	rec := &domain.APIKey{
		ID:        randomHex(16),
		KeyID:     keyID,
		KeyHash:   hash,
		Name:      name,
		Owner:     owner,
		Scopes:    strings.Join(scopes, ","),
		Note:      note,
		CreatedAt: s.clock.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	if err := repo.CreateAPIKey(ctx, s.DB, rec); err != nil {
		return nil, err
	}

	s.Trail.Record("api_key_created", map[string]string{
		"key_id": keyID,
		"owner":  owner,
		"scopes": strings.Join(scopes, ","),
	})
	return &IssuedKey{
		Token: token, KeyID: keyID, Name: name, Owner: owner,
		Scopes: scopes, ExpiresAt: expiresAt,
	}, nil
}

// List returns all key records (hashes excluded by the model's JSON tags).
func (s *APIKeyService) List(ctx context.Context) ([]domain.APIKey, error) {
	return repo.ListAPIKeys(ctx, s.DB)
}

// Rotate swaps the secret for keyID, keeping the key id stable for external
// references. Returns the one-time plaintext token.
func (s *APIKeyService) Rotate(ctx context.Context, keyID string) (*IssuedKey, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return nil, err
	}
	if err := repo.RotateAPIKeySecret(ctx, s.DB, keyID, hash); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	s.Trail.Record("api_key_rotated", map[string]string{"key_id": keyID})
	return &IssuedKey{Token: tokenPrefix + keyID + "_" + secret, KeyID: keyID}, nil
}

// Revoke stamps revoked_at; revoking twice is a success no-op.
func (s *APIKeyService) Revoke(ctx context.Context, keyID string) error {
	if err := repo.RevokeAPIKey(ctx, s.DB, keyID, s.clock.Now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}
	s.Trail.Record("api_key_revoked", map[string]string{"key_id": keyID})
	return nil
}

// ---- token shape and secret hashing ----

// generateToken returns (token, keyID, secret). Format:
// fbk_live_<12 hex chars>_<url-safe secret>.
func generateToken() (token, keyID, secret string, err error) {
	keyID = randomHex(6)
	secret, err = randomSecret()
	if err != nil {
		return "", "", "", err
	}
	return tokenPrefix + keyID + "_" + secret, keyID, secret, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// parseToken splits fbk_live_<key_id>_<secret>; secrets may themselves
// contain underscores.
func parseToken(presented string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(presented, tokenPrefix)
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, "_")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

// hashSecret derives an scrypt hash in a self-describing format:
// scrypt$<salt>$<dk>$n=16384$r=8$p=1 (base64url, unpadded).
func hashSecret(secret string) (string, error) {
	const n, r, p = 16384, 8, 1
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	dk, err := scrypt.Key([]byte(secret), salt, n, r, p, 32)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scrypt$%s$%s$n=%d$r=%d$p=%d",
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(dk),
		n, r, p), nil
}

// verifySecret re-derives and compares in constant time. Unknown formats
// never verify.
func verifySecret(secret, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[0] != "scrypt" {
		return false
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	expected, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	n := paramInt(parts[3], 16384)
	r := paramInt(parts[4], 8)
	p := paramInt(parts[5], 1)
	dk, err := scrypt.Key([]byte(secret), salt, n, r, p, len(expected))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(dk, expected) == 1
}

func paramInt(s string, def int) int {
	_, v, ok := strings.Cut(s, "=")
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
