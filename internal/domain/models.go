// Package domain defines the persistence models for outbound fax jobs,
// inbound faxes, webhook receipts, and API keys. These types are mapped with
// GORM and form the core data layer of the fax gateway.
package domain

import (
	"strings"
	"time"
)

// Job statuses. Lowercase statuses originate inside the gateway; uppercase
// terminal statuses are normalized provider outcomes delivered via webhook.
const (
	StatusQueued     = "queued"      // persisted, dispatch pending
	StatusInProgress = "in_progress" // backend accepted, awaiting result
	StatusSuccess    = "SUCCESS"     // provider confirmed delivery
	StatusFailedTerm = "FAILED"      // provider reported failure
	StatusFailed     = "failed"      // dispatch-time failure inside the gateway
	StatusDisabled   = "disabled"    // sending globally turned off at submit time
)

// IsTerminalStatus reports whether s is a terminal job status. Terminal jobs
// never transition again; late webhooks for them are logged and dropped.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusSuccess, StatusFailedTerm, StatusFailed, StatusDisabled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to the next.
// Only forward transitions are legal. A same-status write is allowed so that
// idempotent field updates (pages, provider_sid) can ride along.
func CanTransition(from, next string) bool {
	if from == next {
		return true
	}
	if IsTerminalStatus(from) {
		return false
	}
	switch from {
	case StatusQueued:
		return next == StatusInProgress || IsTerminalStatus(next)
	case StatusInProgress:
		return next == StatusSuccess || next == StatusFailedTerm || next == StatusFailed
	}
	return false
}

// FaxJob represents one outbound fax submission and its tracked lifecycle.
//
// Fields:
//   - ID: opaque 128-bit hex correlation id generated at submission.
//   - ToNumber: destination number (digits, optional leading '+').
//   - Backend: delivery backend identifier ("sip", "phaxio", "sinch", "documo").
//   - TiffPath / PdfPath / OrigPath: artifact paths; reclaimed by the sweeper.
//   - Status: one of the Status* constants above.
//   - Error: raw dispatch/provider error text; sanitized on read paths only.
//   - ProviderSID: provider-assigned external id, set once a backend accepts.
//   - PdfURL: tokenized fetch URL handed to cloud backends.
//   - PdfToken / PdfTokenExpiresAt: single-resource artifact access token; a
//     token, when present, is always paired with a non-null expiry.
//
// Rows are never deleted; only artifacts are reclaimed.
type FaxJob struct {
	ID                string     `json:"id"          gorm:"type:char(32);primaryKey"`
	ToNumber          string     `json:"to"          gorm:"type:varchar(64);not null;index:idx_jobs_to"`
	FileName          string     `json:"file_name"   gorm:"type:varchar(255);not null"`
	Backend           string     `json:"backend"     gorm:"type:varchar(16);not null;default:'sip'"`
	OrigPath          string     `json:"-"           gorm:"type:varchar(512)"`
	TiffPath          string     `json:"-"           gorm:"type:varchar(512)"`
	PdfPath           string     `json:"-"           gorm:"type:varchar(512)"`
	Status            string     `json:"status"      gorm:"type:varchar(32);not null;default:'queued';index:idx_jobs_status"`
	Error             string     `json:"error,omitempty" gorm:"type:text"`
	Pages             *int       `json:"pages,omitempty"`
	ProviderSID       string     `json:"provider_sid,omitempty" gorm:"column:provider_sid;type:varchar(64);index:idx_jobs_provider_sid"`
	PdfURL            string     `json:"-"           gorm:"type:varchar(512)"`
	PdfToken          string     `json:"-"           gorm:"type:varchar(128)"`
	PdfTokenExpiresAt *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName returns the database table name for FaxJob.
func (FaxJob) TableName() string { return "fax_jobs" }

// Terminal reports whether the job has reached a terminal status.
func (j *FaxJob) Terminal() bool { return IsTerminalStatus(j.Status) }

// InboundFax represents a received fax. Created by an inbound webhook or the
// telephony-side ingestion call. The retention sweeper nulls its artifact
// fields once RetentionUntil elapses; the row itself persists indefinitely
// for audit purposes.
//
// Sha256 is the hash of the artifact bytes at creation time and is never
// recomputed.
type InboundFax struct {
	ID                string     `json:"id"           gorm:"type:char(32);primaryKey"`
	FromNumber        string     `json:"from"         gorm:"type:varchar(64);index:idx_inbound_from"`
	ToNumber          string     `json:"to"           gorm:"type:varchar(64);index:idx_inbound_to"`
	Status            string     `json:"status"       gorm:"type:varchar(32);not null;default:'received'"`
	Backend           string     `json:"backend"      gorm:"type:varchar(16);not null"`
	ProviderSID       string     `json:"provider_sid,omitempty" gorm:"column:provider_sid;type:varchar(64);index:idx_inbound_provider_sid"`
	Pages             *int       `json:"pages,omitempty"`
	SizeBytes         *int64     `json:"size_bytes,omitempty"`
	Sha256            string     `json:"sha256,omitempty" gorm:"type:char(64)"`
	PdfPath           string     `json:"-"            gorm:"type:varchar(512)"`
	TiffPath          string     `json:"-"            gorm:"type:varchar(512)"`
	Mailbox           string     `json:"mailbox,omitempty" gorm:"type:varchar(64)"`
	RetentionUntil    *time.Time `json:"retention_until,omitempty"`
	PdfToken          string     `json:"-"            gorm:"type:varchar(128)"`
	PdfTokenExpiresAt *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	ReceivedAt        time.Time  `json:"received_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName returns the database table name for InboundFax.
func (InboundFax) TableName() string { return "inbound_faxes" }

// WebhookReceipt is a pure dedup ledger for provider pushes. Rows are only
// ever inserted; a second insert for the same (provider_sid, event_type)
// pair fails on the composite unique index, which callers treat as a replay.
type WebhookReceipt struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	ProviderSID string    `json:"provider_sid" gorm:"column:provider_sid;type:varchar(64);not null;uniqueIndex:idx_receipts_sid_event,priority:1"`
	EventType   string    `json:"event_type"   gorm:"type:varchar(32);not null;uniqueIndex:idx_receipts_sid_event,priority:2"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for WebhookReceipt.
func (WebhookReceipt) TableName() string { return "webhook_receipts" }

// APIKey is a scoped, revocable credential. The plaintext secret is shown
// exactly once at creation/rotation; only the scrypt hash is stored.
//
// Scopes is a comma-separated scope list; "*" grants everything. A key with a
// non-null RevokedAt or an elapsed ExpiresAt never authorizes.
type APIKey struct {
	ID         string     `json:"-"           gorm:"type:char(32);primaryKey"`
	KeyID      string     `json:"key_id"      gorm:"type:char(12);not null;uniqueIndex:idx_api_keys_key_id"`
	KeyHash    string     `json:"-"           gorm:"type:varchar(255);not null"`
	Name       string     `json:"name,omitempty"  gorm:"type:varchar(128)"`
	Owner      string     `json:"owner,omitempty" gorm:"type:varchar(128)"`
	Scopes     string     `json:"-"           gorm:"type:varchar(255)"`
	Note       string     `json:"note,omitempty"  gorm:"type:text"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// TableName returns the database table name for APIKey.
func (APIKey) TableName() string { return "api_keys" }

// ScopeList splits the stored comma-separated scope string, dropping blanks.
func (k *APIKey) ScopeList() []string {
	var out []string
	for _, part := range strings.Split(k.Scopes, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
