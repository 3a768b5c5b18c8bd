// Package repo implements the data persistence layer for fax gateway
// entities. This file provides repository helpers for outbound FaxJob rows,
// including the guarded state-machine transition used by both the background
// dispatcher and webhook ingestion.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/domain"
)

// JobUpdate carries the fields a writer wants to fold into a job row.
// Nil fields are left untouched (last-write-wins per individually-updated
// field). Pages and ProviderSID are write-once: a later update never unsets
// or overwrites a value that is already present.
type JobUpdate struct {
	Status      string
	Error       *string
	Pages       *int
	ProviderSID *string
}

// CreateJob inserts a new outbound job row.
func CreateJob(ctx context.Context, db *gorm.DB, job *domain.FaxJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return db.WithContext(ctx).Create(job).Error
}

// GetJob fetches a job by id or returns ErrNotFound.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.FaxJob, error) {
	var job domain.FaxJob
	err := db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobByProviderSID fetches a job by its provider-assigned external id.
func GetJobByProviderSID(ctx context.Context, db *gorm.DB, sid string) (*domain.FaxJob, error) {
	var job domain.FaxJob
	err := db.WithContext(ctx).Where("provider_sid = ?", sid).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ApplyJobUpdate folds upd into the job row inside a short transaction
// (read row, mutate, commit) to bound the race window between the background
// dispatcher and an in-flight webhook.
//
// Returns the refreshed row and whether a status change was applied. A
// transition attempt on an already-terminal job is a no-op (applied=false,
// err=nil); callers log it, since a late or duplicate webhook is expected.
// An illegal backward transition is likewise ignored.
func ApplyJobUpdate(ctx context.Context, db *gorm.DB, id string, upd JobUpdate) (*domain.FaxJob, bool, error) {
	var out domain.FaxJob
	applied := false

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.FaxJob
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		changes := map[string]any{}
		if upd.Status != "" && upd.Status != job.Status {
			if domain.CanTransition(job.Status, upd.Status) {
				changes["status"] = upd.Status
				job.Status = upd.Status
				applied = true
			}
		}
		if upd.Error != nil && (applied || !job.Terminal()) {
			changes["error"] = *upd.Error
			job.Error = *upd.Error
		}
		if upd.Pages != nil && job.Pages == nil {
			changes["pages"] = *upd.Pages
			job.Pages = upd.Pages
		}
		if upd.ProviderSID != nil && job.ProviderSID == "" {
			changes["provider_sid"] = *upd.ProviderSID
			job.ProviderSID = *upd.ProviderSID
		}

		if len(changes) == 0 {
			out = job
			return nil
		}

		changes["updated_at"] = time.Now().UTC()
		if err := tx.Model(&domain.FaxJob{}).Where("id = ?", id).Updates(changes).Error; err != nil {
			return err
		}
		job.UpdatedAt = changes["updated_at"].(time.Time)
		out = job
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, applied, nil
}

// SetJobToken stores the artifact access token and its expiry. Issuing a new
// token overwrites the prior value, implicitly invalidating it.
func SetJobToken(ctx context.Context, db *gorm.DB, id, token string, expiresAt time.Time) error {
	res := db.WithContext(ctx).Model(&domain.FaxJob{}).Where("id = ?", id).Updates(map[string]any{
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

// SetJobPdfURL records the tokenized fetch URL handed to a cloud backend.
func SetJobPdfURL(ctx context.Context, db *gorm.DB, id, url string) error {
	return db.WithContext(ctx).Model(&domain.FaxJob{}).Where("id = ?", id).
		Update("pdf_url", url).Error
}

// ClearJobArtifacts nulls the artifact paths and token fields after the
// sweeper reclaims a job's files. The row and its status/error survive.
func ClearJobArtifacts(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.FaxJob{}).Where("id = ?", id).Updates(map[string]any{
		"orig_path":            "",
		"tiff_path":            "",
		"pdf_path":             "",
		"pdf_url":              "",
		"pdf_token":            "",
		"pdf_token_expires_at": nil,
		"updated_at":           time.Now().UTC(),
	}).Error
}

// ListTerminalJobsUpdatedBefore returns terminal jobs whose updated_at is
// older than cutoff and which still reference at least one artifact path.
// Used by the retention sweeper.
func ListTerminalJobsUpdatedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.FaxJob, error) {
	if limit <= 0 {
		limit = 500
	}
	var jobs []domain.FaxJob
	err := db.WithContext(ctx).
		Where("status IN ?", []string{
			domain.StatusSuccess, domain.StatusFailedTerm, domain.StatusFailed, domain.StatusDisabled,
		}).
		Where("updated_at < ?", cutoff.UTC()).
		Where("tiff_path <> '' OR pdf_path <> '' OR orig_path <> ''").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
