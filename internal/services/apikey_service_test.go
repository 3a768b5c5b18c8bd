package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/domain"
)

func newServicesDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func newTestTrail() *audit.Trail {
	return audit.NewTrail(64, zerolog.Nop())
}

func TestTokenFormat_RoundTrip(t *testing.T) {
	token, keyID, secret, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if !strings.HasPrefix(token, "fbk_live_") {
		t.Fatalf("token prefix wrong: %q", token)
	}
	if len(keyID) != 12 {
		t.Fatalf("keyID length = %d, want 12", len(keyID))
	}

	gotID, gotSecret, ok := parseToken(token)
	if !ok || gotID != keyID || gotSecret != secret {
		t.Fatalf("parseToken(%q) = %q, %q, %v", token, gotID, gotSecret, ok)
	}
}

func TestParseToken_Malformed(t *testing.T) {
	for _, in := range []string{"", "fbk_live_", "fbk_live_only", "nope_abc_def", "fbk_live__secret"} {
		if _, _, ok := parseToken(in); ok {
			t.Errorf("parseToken(%q) accepted", in)
		}
	}
	// Secrets may contain underscores.
	id, secret, ok := parseToken("fbk_live_aaaabbbbcccc_se_cr_et")
	if !ok || id != "aaaabbbbcccc" || secret != "se_cr_et" {
		t.Fatalf("underscore secret parse = %q, %q, %v", id, secret, ok)
	}
}

func TestHashSecret_VerifyAndFormat(t *testing.T) {
	hash, err := hashSecret("s3cret")
	if err != nil {
		t.Fatalf("hashSecret: %v", err)
	}
	if !strings.HasPrefix(hash, "scrypt$") || !strings.HasSuffix(hash, "$n=16384$r=8$p=1") {
		t.Fatalf("self-describing format wrong: %q", hash)
	}
	if !verifySecret("s3cret", hash) {
		t.Fatal("correct secret did not verify")
	}
	if verifySecret("wrong", hash) {
		t.Fatal("wrong secret verified")
	}
	if verifySecret("s3cret", "bcrypt$whatever") {
		t.Fatal("unknown format verified")
	}
}

func TestAuthorize_Bootstrap(t *testing.T) {
	db := newServicesDB(t, &domain.APIKey{})
	svc := NewAPIKeyService(db, newTestTrail())

	p, err := svc.Authorize(context.Background(), "boot-secret", "boot-secret", true)
	if err != nil {
		t.Fatalf("Authorize(bootstrap): %v", err)
	}
	if p.KeyID != "bootstrap" || !p.HasScope(ScopeKeysManage) || !p.HasScope(ScopeFaxSend) {
		t.Fatalf("bootstrap principal wrong: %+v", p)
	}

	if _, err := svc.Authorize(context.Background(), "not-it", "boot-secret", true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong bootstrap err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorize_AnonymousOnlyWhenPermissive(t *testing.T) {
	db := newServicesDB(t, &domain.APIKey{})
	svc := NewAPIKeyService(db, newTestTrail())

	p, err := svc.Authorize(context.Background(), "", "", false)
	if err != nil {
		t.Fatalf("Authorize(anonymous): %v", err)
	}
	if !p.Anonymous || p.HasScope(ScopeFaxSend) {
		t.Fatalf("anonymous principal wrong: %+v", p)
	}

	// Enforcement on: anonymous is rejected.
	if _, err := svc.Authorize(context.Background(), "", "", true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("required-key anonymous err = %v, want ErrUnauthorized", err)
	}
	// A configured bootstrap key also disables anonymous fallback.
	if _, err := svc.Authorize(context.Background(), "", "boot", false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bootstrap-configured anonymous err = %v, want ErrUnauthorized", err)
	}
}

func TestCreateAndAuthorize_DBKey(t *testing.T) {
	db := newServicesDB(t, &domain.APIKey{})
	svc := NewAPIKeyService(db, newTestTrail())

	issued, err := svc.Create(context.Background(), "clinic", "records", []string{ScopeFaxSend, ScopeFaxRead}, nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p, err := svc.Authorize(context.Background(), issued.Token, "boot", true)
	if err != nil {
		t.Fatalf("Authorize(db key): %v", err)
	}
	if p.KeyID != issued.KeyID || !p.HasScope(ScopeFaxSend) || p.HasScope(ScopeKeysManage) {
		t.Fatalf("principal wrong: %+v", p)
	}

	// last_used_at stamped best-effort.
	rec := &domain.APIKey{}
	if err := db.Where("key_id = ?", issued.KeyID).First(rec).Error; err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.LastUsedAt == nil {
		t.Fatal("last_used_at not stamped on authorize")
	}

	// Wrong secret with a valid key id.
	if _, err := svc.Authorize(context.Background(), "fbk_live_"+issued.KeyID+"_badsecret", "", true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong secret err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorize_RevokedAndExpired(t *testing.T) {
	db := newServicesDB(t, &domain.APIKey{})
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	svc := NewAPIKeyServiceWithClock(db, newTestTrail(), clock)

	exp := clock.Now().Add(time.Hour)
	issued, err := svc.Create(context.Background(), "temp", "", []string{ScopeFaxRead}, &exp, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Authorize(context.Background(), issued.Token, "", true); err != nil {
		t.Fatalf("fresh key rejected: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := svc.Authorize(context.Background(), issued.Token, "", true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired key err = %v, want ErrUnauthorized", err)
	}

	issued2, err := svc.Create(context.Background(), "rev", "", []string{ScopeFaxRead}, nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Revoke(context.Background(), issued2.KeyID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Authorize(context.Background(), issued2.Token, "", true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked key err = %v, want ErrUnauthorized", err)
	}
}

func TestRotate_InvalidatesOldSecret(t *testing.T) {
	db := newServicesDB(t, &domain.APIKey{})
	svc := NewAPIKeyService(db, newTestTrail())

	issued, err := svc.Create(context.Background(), "rotate-me", "", []string{ScopeFaxSend}, nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rotated, err := svc.Rotate(context.Background(), issued.KeyID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.KeyID != issued.KeyID {
		t.Fatalf("rotation changed key id: %q -> %q", issued.KeyID, rotated.KeyID)
	}
	if rotated.Token == issued.Token {
		t.Fatal("rotation did not change the token")
	}

	if _, err := svc.Authorize(context.Background(), issued.Token, "", true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old token still works after rotation: %v", err)
	}
	if _, err := svc.Authorize(context.Background(), rotated.Token, "", true); err != nil {
		t.Fatalf("new token rejected: %v", err)
	}
}

func TestRotateRevoke_UnknownKey(t *testing.T) {
	db := newServicesDB(t, &domain.APIKey{})
	svc := NewAPIKeyService(db, newTestTrail())

	if _, err := svc.Rotate(context.Background(), "nosuchkeyid"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Rotate(unknown) err = %v, want ErrKeyNotFound", err)
	}
	if err := svc.Revoke(context.Background(), "nosuchkeyid"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Revoke(unknown) err = %v, want ErrKeyNotFound", err)
	}
}

func TestRequireScope(t *testing.T) {
	db := newServicesDB(t, &domain.APIKey{})
	trail := newTestTrail()
	svc := NewAPIKeyService(db, trail)

	all := &Principal{KeyID: "bootstrap", Scopes: []string{ScopeAll}}
	if err := svc.RequireScope(all, ScopeKeysManage); err != nil {
		t.Fatalf("wildcard denied: %v", err)
	}

	narrow := &Principal{KeyID: "k1", Scopes: []string{ScopeFaxSend}}
	if err := svc.RequireScope(narrow, ScopeFaxSend); err != nil {
		t.Fatalf("granted scope denied: %v", err)
	}
	if err := svc.RequireScope(narrow, ScopeKeysManage); !errors.Is(err, ErrForbidden) {
		t.Fatalf("missing scope err = %v, want ErrForbidden", err)
	}
	if err := svc.RequireScope(nil, ScopeFaxSend); !errors.Is(err, ErrForbidden) {
		t.Fatalf("nil principal err = %v, want ErrForbidden", err)
	}

	// Denials land in the audit trail.
	events := trail.Recent(0)
	found := false
	for _, ev := range events {
		if ev.Name == "auth_scope_denied" && ev.Fields["scope"] == ScopeKeysManage {
			found = true
		}
	}
	if !found {
		t.Fatal("scope denial not audited")
	}
}
