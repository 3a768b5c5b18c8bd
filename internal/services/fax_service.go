// Package services – FaxService, the dispatch orchestrator.
//
// Submit validates a submission, persists a queued job, and detaches the
// backend hand-off into a background goroutine so request latency is bounded
// by local persistence. Backend failures are folded back into the job row as
// a terminal "failed" status; they are never surfaced as HTTP errors because
// dispatch is asynchronous. Every dispatch attempt and outcome is audited.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/backend"
	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
	"github.com/openfax/faxgw/internal/render"
	"github.com/openfax/faxgw/internal/repo"
	"github.com/openfax/faxgw/internal/storage"
)

// phoneRE is the destination rule: digits with an optional leading '+',
// 6–20 digits total.
var phoneRE = regexp.MustCompile(`^\+?\d{6,20}$`)

// FaxService coordinates outbound submissions end to end.
type FaxService struct {
	DB       *gorm.DB
	Cfg      *config.Provider
	Backend  backend.FaxBackend
	Renderer render.Renderer
	Store    storage.ArtifactStore
	Tokens   *TokenService
	Trail    *audit.Trail

	// DispatchDone, when non-nil, receives the job id after each background
	// dispatch finishes. Tests use it to synchronize.
	DispatchDone chan string
}

// Submit validates the destination and document, persists a queued job, and
// kicks off the backend hand-off without blocking the caller. The returned
// job is in state "queued", or "disabled" when sending is globally off.
func (s *FaxService) Submit(ctx context.Context, to, fileName string, content []byte) (*domain.FaxJob, error) {
	cfg := s.Cfg.Current()

	if !phoneRE.MatchString(to) {
		return nil, Validationf("'to' must be digits with an optional leading '+', 6-20 digits")
	}
	kind, err := documentKind(fileName, content)
	if err != nil {
		return nil, err
	}
	maxBytes := cfg.MaxFileSizeMB << 20
	if len(content) > maxBytes {
		return nil, &ValidationError{
			Msg:    fmt.Sprintf("file exceeds %d MB limit", cfg.MaxFileSizeMB),
			Status: 413,
		}
	}

	jobID := newJobID()
	origPath := filepath.Join(cfg.FaxDataDir, jobID+"-"+filepath.Base(fileName))
	if err := os.WriteFile(origPath, content, 0o644); err != nil {
		return nil, err
	}

	res, err := s.Renderer.Render(origPath, jobID)
	if err != nil {
		_ = os.Remove(origPath)
		return nil, err
	}

	status := domain.StatusQueued
	if cfg.FaxDisabled {
		status = domain.StatusDisabled
	}
	pages := res.Pages
	job := &domain.FaxJob{
		ID:       jobID,
		ToNumber: to,
		FileName: fileName,
		Backend:  cfg.Backend,
		OrigPath: origPath,
		TiffPath: res.TiffPath,
		PdfPath:  res.PdfPath,
		Status:   status,
		Pages:    &pages,
	}
	if err := repo.CreateJob(ctx, s.DB, job); err != nil {
		// The row never existed, so nothing will sweep these later.
		for _, p := range []string{origPath, res.TiffPath, res.PdfPath} {
			if p != "" {
				_ = os.Remove(p)
			}
		}
		return nil, err
	}

	// Cloud backends fetch the document themselves through a tokenized URL.
	if cfg.Backend != config.BackendSIP {
		if err := s.issueArtifactToken(ctx, job, cfg); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("artifact token issue failed")
		}
	}

	s.Trail.Record("fax_queued", map[string]string{
		"job_id":  jobID,
		"to":      audit.MaskNumber(to),
		"backend": cfg.Backend,
		"status":  status,
		"kind":    kind,
	})

	if status == domain.StatusQueued {
		go s.dispatch(context.WithoutCancel(ctx), job)
	}
	return job, nil
}

// Get returns the job by id.
func (s *FaxService) Get(ctx context.Context, id string) (*domain.FaxJob, error) {
	job, err := repo.GetJob(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// OpenArtifact verifies the presented token and opens the job's deliverable
// artifact for streaming.
func (s *FaxService) OpenArtifact(ctx context.Context, id, token string) (io.ReadCloser, string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if err := s.Tokens.Verify(job.PdfToken, job.PdfTokenExpiresAt, token); err != nil {
		return nil, "", err
	}
	if job.PdfPath == "" {
		return nil, "", ErrJobNotFound
	}
	rc, name, err := s.Store.GetStream(job.PdfPath)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, "", ErrJobNotFound
	}
	return rc, name, err
}

// HandleSIPResult folds a telephony FaxResult event into the job store.
// Registered as the sip backend's event callback.
func (s *FaxService) HandleSIPResult(ev backend.FaxResultEvent) {
	if ev.JobID == "" {
		return
	}
	upd := repo.JobUpdate{Status: mapSIPStatus(ev.Status), Pages: ev.Pages}
	if ev.Error != "" {
		upd.Error = &ev.Error
	}
	_, applied, err := repo.ApplyJobUpdate(context.Background(), s.DB, ev.JobID, upd)
	if err != nil {
		log.Error().Err(err).Str("job_id", ev.JobID).Msg("sip result apply failed")
		return
	}
	s.Trail.Record("sip_fax_result", map[string]string{
		"job_id":  ev.JobID,
		"status":  ev.Status,
		"applied": fmt.Sprintf("%t", applied),
	})
}

// dispatch runs detached from the request cycle. A client disconnect does
// not cancel it; the outcome is observable via polling.
func (s *FaxService) dispatch(ctx context.Context, job *domain.FaxJob) {
	defer func() {
		if s.DispatchDone != nil {
			s.DispatchDone <- job.ID
		}
	}()

	artifact := backend.Artifact{
		PdfPath:  job.PdfPath,
		TiffPath: job.TiffPath,
		PdfURL:   job.PdfURL,
	}
	res, err := s.Backend.Send(ctx, job.ID, job.ToNumber, artifact)
	if err != nil {
		msg := err.Error()
		if _, _, uerr := repo.ApplyJobUpdate(ctx, s.DB, job.ID, repo.JobUpdate{
			Status: domain.StatusFailed,
			Error:  &msg,
		}); uerr != nil {
			log.Error().Err(uerr).Str("job_id", job.ID).Msg("failed-state update failed")
		}
		s.Trail.Record("fax_dispatch_failed", map[string]string{
			"job_id":  job.ID,
			"backend": s.Backend.Name(),
			"error":   SanitizeError(msg),
		})
		jobsDispatched.WithLabelValues(s.Backend.Name(), domain.StatusFailed).Inc()
		return
	}

	upd := repo.JobUpdate{Status: res.Status, Pages: res.Pages}
	if res.Status == "" {
		upd.Status = domain.StatusInProgress
	}
	if res.ProviderSID != "" {
		upd.ProviderSID = &res.ProviderSID
	}
	if _, _, err := repo.ApplyJobUpdate(ctx, s.DB, job.ID, upd); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("dispatch-state update failed")
		return
	}
	s.Trail.Record("fax_dispatched", map[string]string{
		"job_id":       job.ID,
		"backend":      s.Backend.Name(),
		"provider_sid": res.ProviderSID,
		"status":       upd.Status,
	})
	jobsDispatched.WithLabelValues(s.Backend.Name(), upd.Status).Inc()
}

// issueArtifactToken mints the tokenized fetch URL cloud providers use to
// pull the document.
func (s *FaxService) issueArtifactToken(ctx context.Context, job *domain.FaxJob, cfg *config.Config) error {
	token, expiresAt, err := s.Tokens.Issue(cfg.PdfTokenTTLMinutes)
	if err != nil {
		return err
	}
	if err := repo.SetJobToken(ctx, s.DB, job.ID, token, expiresAt); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/fax/%s/pdf?token=%s", cfg.PublicURL, job.ID, token)
	if err := repo.SetJobPdfURL(ctx, s.DB, job.ID, url); err != nil {
		return err
	}
	job.PdfToken = token
	job.PdfTokenExpiresAt = &expiresAt
	job.PdfURL = url
	return nil
}

// documentKind validates the upload by extension and magic bytes, returning
// "pdf" or "txt".
func documentKind(fileName string, content []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch {
	case ext == ".pdf" || strings.HasPrefix(string(content[:min(5, len(content))]), "%PDF-"):
		return "pdf", nil
	case ext == ".txt":
		return "txt", nil
	default:
		return "", &ValidationError{Msg: "only PDF and TXT files are allowed", Status: 415}
	}
}

func mapSIPStatus(s string) string {
	switch strings.ToLower(s) {
	case "success", "ok", "done":
		return domain.StatusSuccess
	case "failed", "failure", "error":
		return domain.StatusFailedTerm
	default:
		return domain.StatusInProgress
	}
}

// newJobID returns the opaque 128-bit hex correlation id.
func newJobID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")
}
