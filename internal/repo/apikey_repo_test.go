package repo

import (
	"context"
	"testing"
	"time"

	"github.com/openfax/faxgw/internal/domain"
)

func TestAPIKey_CreateAndGet(t *testing.T) {
	db := newTestDB(t, &domain.APIKey{})

	rec := &domain.APIKey{
		ID:      "id-1",
		KeyID:   "abc123def456",
		KeyHash: "scrypt$x$y$n=16384$r=8$p=1",
		Name:    "ehr-export",
		Owner:   "records",
		Scopes:  "fax:send,fax:read",
	}
	if err := CreateAPIKey(context.Background(), db, rec); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, err := GetAPIKeyByKeyID(context.Background(), db, "abc123def456")
	if err != nil {
		t.Fatalf("GetAPIKeyByKeyID: %v", err)
	}
	if got.Name != "ehr-export" || got.Scopes != "fax:send,fax:read" {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := GetAPIKeyByKeyID(context.Background(), db, "missing"); err != ErrNotFound {
		t.Fatalf("missing key err = %v, want ErrNotFound", err)
	}
}

func TestAPIKey_DuplicateKeyID(t *testing.T) {
	db := newTestDB(t, &domain.APIKey{})

	a := &domain.APIKey{ID: "id-1", KeyID: "samekeyid000", KeyHash: "h"}
	b := &domain.APIKey{ID: "id-2", KeyID: "samekeyid000", KeyHash: "h"}
	if err := CreateAPIKey(context.Background(), db, a); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := CreateAPIKey(context.Background(), db, b); err != ErrDuplicate {
		t.Fatalf("duplicate create err = %v, want ErrDuplicate", err)
	}
}

func TestAPIKey_RotateResetsLastUsed(t *testing.T) {
	db := newTestDB(t, &domain.APIKey{})

	rec := &domain.APIKey{ID: "id-1", KeyID: "rotate000000", KeyHash: "old-hash"}
	if err := CreateAPIKey(context.Background(), db, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := TouchAPIKeyLastUsed(context.Background(), db, "rotate000000", time.Now()); err != nil {
		t.Fatalf("touch: %v", err)
	}

	if err := RotateAPIKeySecret(context.Background(), db, "rotate000000", "new-hash"); err != nil {
		t.Fatalf("RotateAPIKeySecret: %v", err)
	}
	got, _ := GetAPIKeyByKeyID(context.Background(), db, "rotate000000")
	if got.KeyHash != "new-hash" {
		t.Fatalf("hash = %q, want new-hash", got.KeyHash)
	}
	if got.LastUsedAt != nil {
		t.Fatalf("last_used_at not reset: %v", got.LastUsedAt)
	}

	if err := RotateAPIKeySecret(context.Background(), db, "missing", "h"); err != ErrNotFound {
		t.Fatalf("rotate missing err = %v, want ErrNotFound", err)
	}
}

func TestAPIKey_RevokeIsIdempotent(t *testing.T) {
	db := newTestDB(t, &domain.APIKey{})

	rec := &domain.APIKey{ID: "id-1", KeyID: "revoke000000", KeyHash: "h"}
	if err := CreateAPIKey(context.Background(), db, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := time.Now().Add(-time.Minute)
	if err := RevokeAPIKey(context.Background(), db, "revoke000000", first); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, _ := GetAPIKeyByKeyID(context.Background(), db, "revoke000000")
	if got.RevokedAt == nil {
		t.Fatal("revoked_at not set")
	}
	stamp := *got.RevokedAt

	// Second revoke succeeds without moving the stamp.
	if err := RevokeAPIKey(context.Background(), db, "revoke000000", time.Now()); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	got, _ = GetAPIKeyByKeyID(context.Background(), db, "revoke000000")
	if !got.RevokedAt.Equal(stamp) {
		t.Fatalf("revoked_at moved: %v -> %v", stamp, got.RevokedAt)
	}

	if err := RevokeAPIKey(context.Background(), db, "missing", time.Now()); err != ErrNotFound {
		t.Fatalf("revoke missing err = %v, want ErrNotFound", err)
	}
}
