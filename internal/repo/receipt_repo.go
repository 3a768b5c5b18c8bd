// Package repo implements the data persistence layer for fax gateway
// entities. This file provides repository helpers for the WebhookReceipt
// dedup ledger used to give webhook ingestion at-most-once side effects.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/domain"
)

// CreateReceipt inserts a receipt for (providerSID, eventType) and returns
// ErrDuplicate when a receipt for the pair already exists. Receipts are never
// updated: insert-or-reject is the whole contract.
func CreateReceipt(ctx context.Context, db *gorm.DB, providerSID, eventType string) (*domain.WebhookReceipt, error) {
	rec := &domain.WebhookReceipt{
		ID:          uuid.NewString(),
		ProviderSID: providerSID,
		EventType:   eventType,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// CountReceipts returns the number of receipts stored for a provider sid,
// across event types. Used by diagnostics and tests.
func CountReceipts(ctx context.Context, db *gorm.DB, providerSID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.WebhookReceipt{}).
		Where("provider_sid = ?", providerSID).Count(&n).Error
	return n, err
}
