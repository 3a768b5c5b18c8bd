package services

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTokenService_IssueShape(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := NewTokenServiceWithClock(clock)

	token, expiresAt, err := svc.Issue(60)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(token) < 40 {
		t.Fatalf("token too short for 32 bytes of entropy: %d chars", len(token))
	}
	want := clock.Now().UTC().Add(60 * time.Minute)
	if !expiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", expiresAt, want)
	}

	// Consecutive tokens differ.
	token2, _, _ := svc.Issue(60)
	if token == token2 {
		t.Fatal("two issued tokens are identical")
	}
}

func TestTokenService_IssueDefaultTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := NewTokenServiceWithClock(clock)

	_, expiresAt, err := svc.Issue(0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !expiresAt.Equal(clock.Now().UTC().Add(time.Hour)) {
		t.Fatalf("default TTL wrong: %v", expiresAt)
	}
}

func TestTokenService_Verify(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := NewTokenServiceWithClock(clock)

	token, expiresAt, err := svc.Issue(30)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := svc.Verify(token, &expiresAt, token); err != nil {
		t.Fatalf("Verify(valid) = %v", err)
	}
	if err := svc.Verify(token, &expiresAt, "wrong"); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("Verify(wrong) = %v, want ErrTokenMismatch", err)
	}
	if err := svc.Verify("", nil, token); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Verify(none stored) = %v, want ErrNoToken", err)
	}

	clock.Advance(31 * time.Minute)
	if err := svc.Verify(token, &expiresAt, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Verify(expired) = %v, want ErrTokenExpired", err)
	}

	// Mismatch is reported before expiry, regardless of clock.
	if err := svc.Verify(token, &expiresAt, "wrong"); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("Verify(expired+wrong) = %v, want ErrTokenMismatch", err)
	}
}
