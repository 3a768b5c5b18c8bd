// Package repo implements the data persistence layer for fax gateway
// entities. This file provides repository helpers for InboundFax rows.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/domain"
)

// CreateInbound inserts a new inbound fax row, generating an id when absent.
func CreateInbound(ctx context.Context, db *gorm.DB, fax *domain.InboundFax) error {
	now := time.Now().UTC()
	if fax.ID == "" {
		fax.ID = newHexID()
	}
	if fax.CreatedAt.IsZero() {
		fax.CreatedAt = now
	}
	if fax.ReceivedAt.IsZero() {
		fax.ReceivedAt = now
	}
	fax.UpdatedAt = now
	return db.WithContext(ctx).Create(fax).Error
}

// GetInbound fetches an inbound fax by id or returns ErrNotFound.
func GetInbound(ctx context.Context, db *gorm.DB, id string) (*domain.InboundFax, error) {
	var fax domain.InboundFax
	err := db.WithContext(ctx).Where("id = ?", id).First(&fax).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fax, nil
}

// GetInboundByProviderSID fetches an inbound fax by provider external id.
func GetInboundByProviderSID(ctx context.Context, db *gorm.DB, sid string) (*domain.InboundFax, error) {
	var fax domain.InboundFax
	err := db.WithContext(ctx).Where("provider_sid = ?", sid).First(&fax).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fax, nil
}

// CountInbound returns the total inbound row count (pagination support).
func CountInbound(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.InboundFax{}).Count(&n).Error
	return n, err
}

// ListInboundPage returns a page of inbound faxes, newest first.
func ListInboundPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.InboundFax, error) {
	var faxes []domain.InboundFax
	err := db.WithContext(ctx).
		Order("received_at DESC").
		Offset(offset).Limit(limit).
		Find(&faxes).Error
	return faxes, err
}

// SetInboundToken stores the artifact access token and expiry, overwriting
// (and thereby invalidating) any prior token.
func SetInboundToken(ctx context.Context, db *gorm.DB, id, token string, expiresAt time.Time) error {
	res := db.WithContext(ctx).Model(&domain.InboundFax{}).Where("id = ?", id).Updates(map[string]any{
		"pdf_token":            token,
		"pdf_token_expires_at": expiresAt.UTC(),
		"updated_at":           time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearInboundArtifacts nulls artifact and token fields once retention
// elapses. The metadata row persists.
func ClearInboundArtifacts(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.InboundFax{}).Where("id = ?", id).Updates(map[string]any{
		"pdf_path":             "",
		"tiff_path":            "",
		"pdf_token":            "",
		"pdf_token_expires_at": nil,
		"updated_at":           time.Now().UTC(),
	}).Error
}

// ListInboundPastRetention returns inbound faxes whose retention deadline has
// elapsed and which still hold a stored artifact.
func ListInboundPastRetention(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.InboundFax, error) {
	if limit <= 0 {
		limit = 500
	}
	var faxes []domain.InboundFax
	err := db.WithContext(ctx).
		Where("retention_until IS NOT NULL AND retention_until < ?", now.UTC()).
		Where("pdf_path <> '' OR tiff_path <> ''").
		Limit(limit).
		Find(&faxes).Error
	return faxes, err
}

// newHexID returns a 32-char hex id (UUIDv4 without dashes), matching the
// opaque correlation-id format used for job ids.
func newHexID() string {
	u := uuid.New()
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range u {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0x0f]
	}
	return string(out)
}
