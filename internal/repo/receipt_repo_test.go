package repo

import (
	"context"
	"testing"

	"github.com/openfax/faxgw/internal/domain"
)

func TestCreateReceipt_FirstInsertSucceeds(t *testing.T) {
	db := newTestDB(t, &domain.WebhookReceipt{})

	rec, err := CreateReceipt(context.Background(), db, "px-1", "status")
	if err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	if rec.ID == "" || rec.ProviderSID != "px-1" || rec.EventType != "status" {
		t.Fatalf("unexpected receipt: %+v", rec)
	}
}

func TestCreateReceipt_DuplicatePairRejected(t *testing.T) {
	db := newTestDB(t, &domain.WebhookReceipt{})

	if _, err := CreateReceipt(context.Background(), db, "px-1", "status"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := CreateReceipt(context.Background(), db, "px-1", "status"); err != ErrDuplicate {
		t.Fatalf("second insert err = %v, want ErrDuplicate", err)
	}

	// Different event type for the same sid is a distinct pair.
	if _, err := CreateReceipt(context.Background(), db, "px-1", "inbound"); err != nil {
		t.Fatalf("distinct event type rejected: %v", err)
	}

	n, err := CountReceipts(context.Background(), db, "px-1")
	if err != nil || n != 2 {
		t.Fatalf("CountReceipts = %d, %v; want 2", n, err)
	}
}
