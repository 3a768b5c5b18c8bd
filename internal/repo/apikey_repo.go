// Package repo implements the data persistence layer for fax gateway
// entities. This file provides repository helpers for scoped API keys.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/domain"
)

// CreateAPIKey inserts a new key record.
func CreateAPIKey(ctx context.Context, db *gorm.DB, rec *domain.APIKey) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetAPIKeyByKeyID fetches a key record by its public key id.
func GetAPIKeyByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*domain.APIKey, error) {
	var rec domain.APIKey
	err := db.WithContext(ctx).Where("key_id = ?", keyID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListAPIKeys returns all key records, newest first. Hashes stay server-side;
// the JSON mapping on domain.APIKey never exposes them.
func ListAPIKeys(ctx context.Context, db *gorm.DB) ([]domain.APIKey, error) {
	var recs []domain.APIKey
	err := db.WithContext(ctx).Order("created_at DESC").Find(&recs).Error
	return recs, err
}

// TouchAPIKeyLastUsed updates last_used_at. Callers treat this as
// best-effort and must not block authorization on its failure.
func TouchAPIKeyLastUsed(ctx context.Context, db *gorm.DB, keyID string, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.APIKey{}).Where("key_id = ?", keyID).
		Update("last_used_at", now.UTC()).Error
}

// RotateAPIKeySecret swaps in a new secret hash for an existing key id and
// resets last_used_at. The key id itself is preserved so external references
// stay valid.
func RotateAPIKeySecret(ctx context.Context, db *gorm.DB, keyID, newHash string) error {
	res := db.WithContext(ctx).Model(&domain.APIKey{}).Where("key_id = ?", keyID).Updates(map[string]any{
		"key_hash":     newHash,
		"last_used_at": nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAPIKey stamps revoked_at. Revoking an already-revoked key is a no-op
// that still succeeds.
func RevokeAPIKey(ctx context.Context, db *gorm.DB, keyID string, now time.Time) error {
	rec, err := GetAPIKeyByKeyID(ctx, db, keyID)
	if err != nil {
		return err
	}
	if rec.RevokedAt != nil {
		return nil
	}
	return db.WithContext(ctx).Model(&domain.APIKey{}).Where("key_id = ?", keyID).
		Update("revoked_at", now.UTC()).Error
}
