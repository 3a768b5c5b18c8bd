// Package services – InboundService, received-fax handling.
//
// Inbound records arrive two ways: provider webhooks (handled by
// WebhookService) and the telephony gateway's internal callback after a
// receive completes on the trunk. Both converge on the same stored shape: a
// metadata row, an artifact in the store, a content hash computed once at
// creation, a retention deadline, and a short-lived access token.
package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
	"github.com/openfax/faxgw/internal/repo"
	"github.com/openfax/faxgw/internal/storage"
)

// AsteriskInbound is the payload of the telephony gateway's internal
// callback after a trunk-side receive finishes.
type AsteriskInbound struct {
	From     string `json:"from_number"`
	To       string `json:"to_number"`
	TiffPath string `json:"tiff_path"`
	Pages    *int   `json:"pages,omitempty"`
	Status   string `json:"faxstatus,omitempty"`
}

// InboundService stores and serves received faxes.
type InboundService struct {
	DB     *gorm.DB
	Cfg    *config.Provider
	Store  storage.ArtifactStore
	Tokens *TokenService
	Trail  *audit.Trail
	clock  clockwork.Clock
}

// NewInboundService constructs the service on the real clock.
func NewInboundService(db *gorm.DB, cfg *config.Provider, store storage.ArtifactStore, tokens *TokenService, trail *audit.Trail) *InboundService {
	return &InboundService{DB: db, Cfg: cfg, Store: store, Tokens: tokens, Trail: trail, clock: clockwork.NewRealClock()}
}

// NewInboundServiceWithClock constructs the service on the given clock.
func NewInboundServiceWithClock(db *gorm.DB, cfg *config.Provider, store storage.ArtifactStore, tokens *TokenService, trail *audit.Trail, clock clockwork.Clock) *InboundService {
	return &InboundService{DB: db, Cfg: cfg, Store: store, Tokens: tokens, Trail: trail, clock: clock}
}

// CheckInternalSecret compares the presented internal-callback secret in
// constant time. An unconfigured secret never authorizes.
func (s *InboundService) CheckInternalSecret(presented string) error {
	secret := s.Cfg.Current().AsteriskInboundSecret
	if secret == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// IngestAsterisk records a trunk-side receive. The artifact is read from the
// gateway-local path the telephony box wrote, hashed, and moved into the
// store. Receiving must be enabled or the call is rejected.
func (s *InboundService) IngestAsterisk(ctx context.Context, ev AsteriskInbound) (*domain.InboundFax, error) {
	cfg := s.Cfg.Current()
	if !cfg.InboundEnabled {
		return nil, ErrInboundDisabled
	}
	if ev.TiffPath == "" {
		return nil, Validationf("'tiff_path' is required")
	}
	content, err := os.ReadFile(ev.TiffPath)
	if err != nil {
		return nil, Validationf("artifact not readable: %s", filepath.Base(ev.TiffPath))
	}

	now := s.clock.Now().UTC()
	status := "received"
	if ev.Status != "" && ev.Status != "SUCCESS" && ev.Status != "success" {
		status = "failed"
	}

	fax := &domain.InboundFax{
		FromNumber: ev.From,
		ToNumber:   ev.To,
		Status:     status,
		Backend:    config.BackendSIP,
		Pages:      ev.Pages,
		Mailbox:    ev.To,
		ReceivedAt: now,
	}
	size := int64(len(content))
	fax.SizeBytes = &size
	sum := sha256.Sum256(content)
	fax.Sha256 = hex.EncodeToString(sum[:])
	if cfg.InboundRetentionDays > 0 {
		until := now.Add(time.Duration(cfg.InboundRetentionDays) * 24 * time.Hour)
		fax.RetentionUntil = &until
	}

	if err := repo.CreateInbound(ctx, s.DB, fax); err != nil {
		return nil, err
	}

	uri, err := s.Store.Put(ev.TiffPath, "in_"+fax.ID+filepath.Ext(ev.TiffPath))
	if err != nil {
		return nil, err
	}
	if err := s.DB.WithContext(ctx).Model(&domain.InboundFax{}).
		Where("id = ?", fax.ID).Update("tiff_path", uri).Error; err != nil {
		return nil, err
	}
	fax.TiffPath = uri

	if token, expiresAt, err := s.Tokens.Issue(cfg.PdfTokenTTLMinutes); err == nil {
		if err := repo.SetInboundToken(ctx, s.DB, fax.ID, token, expiresAt); err != nil {
			log.Warn().Err(err).Str("inbound_id", fax.ID).Msg("inbound token store failed")
		} else {
			fax.PdfToken = token
			fax.PdfTokenExpiresAt = &expiresAt
		}
	}

	s.Trail.Record("inbound_received", map[string]string{
		"backend":    config.BackendSIP,
		"inbound_id": fax.ID,
		"from":       audit.MaskNumber(ev.From),
		"to":         audit.MaskNumber(ev.To),
		"status":     status,
	})
	return fax, nil
}

// Get returns an inbound fax by id.
func (s *InboundService) Get(ctx context.Context, id string) (*domain.InboundFax, error) {
	fax, err := repo.GetInbound(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return fax, err
}

// List returns a page of inbound faxes, newest first, plus the total count.
func (s *InboundService) List(ctx context.Context, offset, limit int) ([]domain.InboundFax, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	total, err := repo.CountInbound(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	faxes, err := repo.ListInboundPage(ctx, s.DB, offset, limit)
	return faxes, total, err
}

// OpenArtifact verifies the presented token and opens the stored artifact for
// streaming. Reclaimed artifacts read as not found.
func (s *InboundService) OpenArtifact(ctx context.Context, id, token string) (io.ReadCloser, string, error) {
	fax, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if err := s.Tokens.Verify(fax.PdfToken, fax.PdfTokenExpiresAt, token); err != nil {
		return nil, "", err
	}
	return s.open(fax)
}

// OpenArtifactPrivileged opens the stored artifact without a token check.
// Callers must have established an inbound-read credential first; this exists
// so an operator with an API key can download without the one-time link.
func (s *InboundService) OpenArtifactPrivileged(ctx context.Context, id string) (io.ReadCloser, string, error) {
	fax, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return s.open(fax)
}

func (s *InboundService) open(fax *domain.InboundFax) (io.ReadCloser, string, error) {
	uri := fax.PdfPath
	if uri == "" {
		uri = fax.TiffPath
	}
	if uri == "" {
		return nil, "", ErrJobNotFound
	}
	rc, name, err := s.Store.GetStream(uri)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, "", ErrJobNotFound
	}
	return rc, name, err
}
