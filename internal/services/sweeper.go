// Package services – Sweeper, the retention loop.
//
// The sweeper reclaims artifact bytes, never rows: terminal jobs keep their
// status and error forever, inbound faxes keep their metadata and content
// hash. Each pass is bounded and failure-tolerant; a record whose files
// cannot be removed is logged and retried on the next pass.
package services

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/repo"
	"github.com/openfax/faxgw/internal/storage"
)

const sweepBatchSize = 500

// Sweeper periodically reclaims expired artifacts.
type Sweeper struct {
	DB    *gorm.DB
	Cfg   *config.Provider
	Store storage.ArtifactStore
	Trail *audit.Trail
	clock clockwork.Clock
}

// NewSweeper constructs a Sweeper on the real clock.
func NewSweeper(db *gorm.DB, cfg *config.Provider, store storage.ArtifactStore, trail *audit.Trail) *Sweeper {
	return &Sweeper{DB: db, Cfg: cfg, Store: store, Trail: trail, clock: clockwork.NewRealClock()}
}

// NewSweeperWithClock constructs a Sweeper on the given clock.
func NewSweeperWithClock(db *gorm.DB, cfg *config.Provider, store storage.ArtifactStore, trail *audit.Trail, clock clockwork.Clock) *Sweeper {
	return &Sweeper{DB: db, Cfg: cfg, Store: store, Trail: trail, clock: clock}
}

// Run loops until ctx is done, sweeping once per configured interval. The
// interval is re-read each cycle so a settings reload takes effect without a
// restart.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		interval := s.Cfg.Current().CleanupInterval
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single reclamation pass and returns how many job and
// inbound records were reclaimed.
func (s *Sweeper) SweepOnce(ctx context.Context) (jobs, inbound int) {
	cfg := s.Cfg.Current()
	now := s.clock.Now().UTC()

	if cfg.ArtifactTTLDays > 0 {
		cutoff := now.Add(-time.Duration(cfg.ArtifactTTLDays) * 24 * time.Hour)
		jobs = s.sweepJobs(ctx, cutoff)
	}
	inbound = s.sweepInbound(ctx, now)

	if jobs > 0 || inbound > 0 {
		artifactsReclaimed.WithLabelValues("job").Add(float64(jobs))
		artifactsReclaimed.WithLabelValues("inbound").Add(float64(inbound))
		log.Info().Int("jobs", jobs).Int("inbound", inbound).Msg("retention sweep reclaimed artifacts")
	}
	return jobs, inbound
}

func (s *Sweeper) sweepJobs(ctx context.Context, cutoff time.Time) int {
	rows, err := repo.ListTerminalJobsUpdatedBefore(ctx, s.DB, cutoff, sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("sweep: terminal job listing failed")
		return 0
	}

	reclaimed := 0
	for i := range rows {
		job := &rows[i]
		if !s.removeAll(job.ID, job.OrigPath, job.TiffPath, job.PdfPath) {
			continue
		}
		if err := repo.ClearJobArtifacts(ctx, s.DB, job.ID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("sweep: artifact clear failed")
			continue
		}
		reclaimed++
		s.Trail.Record("artifacts_reclaimed", map[string]string{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
	return reclaimed
}

func (s *Sweeper) sweepInbound(ctx context.Context, now time.Time) int {
	rows, err := repo.ListInboundPastRetention(ctx, s.DB, now, sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("sweep: inbound retention listing failed")
		return 0
	}

	reclaimed := 0
	for i := range rows {
		fax := &rows[i]
		if !s.removeAll(fax.ID, fax.PdfPath, fax.TiffPath) {
			continue
		}
		if err := repo.ClearInboundArtifacts(ctx, s.DB, fax.ID); err != nil {
			log.Error().Err(err).Str("inbound_id", fax.ID).Msg("sweep: inbound clear failed")
			continue
		}
		reclaimed++
		s.Trail.Record("inbound_reclaimed", map[string]string{
			"inbound_id": fax.ID,
		})
	}
	return reclaimed
}

// removeAll deletes every non-empty artifact uri for one record. A missing
// file counts as removed; any other failure leaves the record for the next
// pass.
func (s *Sweeper) removeAll(recordID string, uris ...string) bool {
	ok := true
	for _, uri := range uris {
		if uri == "" {
			continue
		}
		if err := s.Store.Delete(uri); err != nil {
			log.Warn().Err(err).Str("record_id", recordID).Str("uri", uri).Msg("sweep: artifact delete failed")
			ok = false
		}
	}
	return ok
}
