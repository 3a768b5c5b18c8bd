// Package services – WebhookService, the ingestion pipeline for provider
// pushes.
//
// Order of operations is load-bearing: (1) authenticate the raw body via
// HMAC before any parsing, (2) normalize provider-specific fields, (3) drop
// sid-less pushes with a 200 "ignored" ack so providers don't retry-storm,
// (4) insert the dedup receipt — a collision means replay, acknowledged
// without reprocessing, (5) fold the event into the job store or create the
// inbound record. At-most-once side effects per distinct (sid, event type)
// pair; ordering across distinct event types is not guaranteed.
package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
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

// Event is the normalized webhook payload shape shared by all providers.
type Event struct {
	ProviderSID string
	EventType   string // "status" or "inbound"
	Status      string // normalized job status (status events)
	From        string
	To          string
	Pages       *int
	FileURL     string
	JobID       string // our correlation id, when the provider echoes it
}

// Ack is the ingestion outcome returned to the provider.
type Ack struct {
	Status string `json:"status"` // "ok" or "ignored"
	Detail string `json:"detail,omitempty"`
}

// WebhookService verifies, dedups, and applies provider pushes.
type WebhookService struct {
	DB     *gorm.DB
	Cfg    *config.Provider
	Store  storage.ArtifactStore
	Tokens *TokenService
	Trail  *audit.Trail
	Client *http.Client
	clock  clockwork.Clock
}

// NewWebhookService constructs the service with a bounded fetch client.
func NewWebhookService(db *gorm.DB, cfg *config.Provider, store storage.ArtifactStore, tokens *TokenService, trail *audit.Trail) *WebhookService {
	return &WebhookService{
		DB:     db,
		Cfg:    cfg,
		Store:  store,
		Tokens: tokens,
		Trail:  trail,
		Client: &http.Client{Timeout: 30 * time.Second},
		clock:  clockwork.NewRealClock(),
	}
}

// Ingest runs the full pipeline for one push. A returned ErrBadSignature
// maps to 401; everything else that is malformed-but-harmless acks with
// "ignored" instead of an error status.
func (s *WebhookService) Ingest(ctx context.Context, provider string, rawBody []byte, header http.Header, query url.Values) (Ack, error) {
	cfg := s.Cfg.Current()

	if err := s.verifySignature(cfg, provider, rawBody, header); err != nil {
		s.Trail.Record("webhook_rejected", map[string]string{
			"provider": provider,
			"reason":   "signature",
		})
		webhookEvents.WithLabelValues(provider, "rejected").Inc()
		return Ack{}, err
	}

	ev, err := parseEvent(provider, rawBody, query)
	if err != nil {
		// Malformed but authenticated; ack so the provider stops retrying.
		log.Warn().Err(err).Str("provider", provider).Msg("unparseable webhook")
		webhookEvents.WithLabelValues(provider, "ignored").Inc()
		return Ack{Status: "ignored", Detail: "unparseable payload"}, nil
	}
	if ev.ProviderSID == "" {
		webhookEvents.WithLabelValues(provider, "ignored").Inc()
		return Ack{Status: "ignored", Detail: "missing provider id"}, nil
	}

	if _, err := repo.CreateReceipt(ctx, s.DB, ev.ProviderSID, ev.EventType); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			s.Trail.Record("webhook_replayed", map[string]string{
				"provider":     provider,
				"provider_sid": ev.ProviderSID,
				"event_type":   ev.EventType,
			})
			webhookEvents.WithLabelValues(provider, "duplicate").Inc()
			return Ack{Status: "ok", Detail: "duplicate"}, nil
		}
		return Ack{}, err
	}
	webhookEvents.WithLabelValues(provider, "applied").Inc()

	switch ev.EventType {
	case "inbound":
		return s.applyInbound(ctx, cfg, provider, ev)
	default:
		return s.applyStatus(ctx, provider, ev)
	}
}

// verifySignature computes HMAC-SHA256 over the raw, unparsed body with the
// provider's shared secret and compares in constant time against the header
// digest. Disabled per provider by configuration.
func (s *WebhookService) verifySignature(cfg *config.Config, provider string, rawBody []byte, header http.Header) error {
	var (
		enabled bool
		secret  string
		digest  string
	)
	switch provider {
	case config.BackendPhaxio:
		enabled = cfg.Phaxio.VerifySignature
		secret = cfg.Phaxio.APISecret
		digest = header.Get("X-Phaxio-Signature")
	case config.BackendSinch:
		enabled = cfg.Sinch.VerifySignature
		secret = cfg.Sinch.WebhookSecret
		digest = header.Get("X-Sinch-Signature")
	case config.BackendDocumo:
		enabled = cfg.Documo.VerifySignature
		secret = cfg.Documo.WebhookSecret
		digest = header.Get("X-Documo-Signature")
	default:
		return ErrBadSignature
	}
	if !enabled {
		return nil
	}
	if secret == "" || digest == "" {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(digest)) {
		return ErrBadSignature
	}
	return nil
}

// applyStatus folds an outbound status event into the job store.
func (s *WebhookService) applyStatus(ctx context.Context, provider string, ev Event) (Ack, error) {
	job, err := s.locateJob(ctx, ev)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Receipt already recorded; a retry of this event stays dropped.
			return Ack{Status: "ignored", Detail: "unknown job"}, nil
		}
		return Ack{}, err
	}

	upd := repo.JobUpdate{Status: ev.Status, Pages: ev.Pages}
	if ev.ProviderSID != "" {
		upd.ProviderSID = &ev.ProviderSID
	}
	updated, applied, err := repo.ApplyJobUpdate(ctx, s.DB, job.ID, upd)
	if err != nil {
		return Ack{}, err
	}

	s.Trail.Record("webhook_status", map[string]string{
		"provider":     provider,
		"provider_sid": ev.ProviderSID,
		"job_id":       updated.ID,
		"status":       ev.Status,
		"applied":      fmt.Sprintf("%t", applied),
	})
	return Ack{Status: "ok"}, nil
}

func (s *WebhookService) locateJob(ctx context.Context, ev Event) (*domain.FaxJob, error) {
	if ev.JobID != "" {
		if job, err := repo.GetJob(ctx, s.DB, ev.JobID); err == nil {
			return job, nil
		}
	}
	return repo.GetJobByProviderSID(ctx, s.DB, ev.ProviderSID)
}

// applyInbound creates an InboundFax, fetching the remote artifact
// best-effort. A fetch failure still produces a record, with a placeholder
// artifact, so the fax is not lost.
func (s *WebhookService) applyInbound(ctx context.Context, cfg *config.Config, provider string, ev Event) (Ack, error) {
	now := s.clock.Now().UTC()

	content, fetchErr := s.fetchRemote(ctx, ev.FileURL)
	if fetchErr != nil {
		log.Warn().Err(fetchErr).Str("provider", provider).Msg("inbound artifact fetch failed")
		content = []byte("%PDF-1.4\n% placeholder: artifact fetch failed\n%%EOF\n")
	}

	fax := &domain.InboundFax{
		FromNumber:  ev.From,
		ToNumber:    ev.To,
		Status:      "received",
		Backend:     provider,
		ProviderSID: ev.ProviderSID,
		Pages:       ev.Pages,
		Mailbox:     ev.To,
		ReceivedAt:  now,
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
		return Ack{}, err
	}

	local := filepath.Join(cfg.FaxDataDir, "in_"+fax.ID+".pdf")
	if err := os.WriteFile(local, content, 0o644); err != nil {
		return Ack{}, err
	}
	uri, err := s.Store.Put(local, "in_"+fax.ID+".pdf")
	if err != nil {
		return Ack{}, err
	}
	if err := s.DB.WithContext(ctx).Model(&domain.InboundFax{}).
		Where("id = ?", fax.ID).Update("pdf_path", uri).Error; err != nil {
		return Ack{}, err
	}

	if token, expiresAt, err := s.Tokens.Issue(cfg.PdfTokenTTLMinutes); err == nil {
		if err := repo.SetInboundToken(ctx, s.DB, fax.ID, token, expiresAt); err != nil {
			log.Warn().Err(err).Str("inbound_id", fax.ID).Msg("inbound token store failed")
		}
	}

	s.Trail.Record("inbound_received", map[string]string{
		"provider":     provider,
		"provider_sid": ev.ProviderSID,
		"inbound_id":   fax.ID,
		"from":         audit.MaskNumber(ev.From),
		"to":           audit.MaskNumber(ev.To),
		"fetched":      fmt.Sprintf("%t", fetchErr == nil),
	})
	return Ack{Status: "ok"}, nil
}

func (s *WebhookService) fetchRemote(ctx context.Context, fileURL string) ([]byte, error) {
	if fileURL == "" {
		return nil, fmt.Errorf("no file URL supplied")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("artifact fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50<<20))
}

// ---- per-provider field extraction; the output shape never varies ----

func parseEvent(provider string, rawBody []byte, query url.Values) (Event, error) {
	switch provider {
	case config.BackendPhaxio:
		return parsePhaxioEvent(rawBody, query)
	case config.BackendSinch:
		return parseSinchEvent(rawBody)
	case config.BackendDocumo:
		return parseDocumoEvent(rawBody)
	}
	return Event{}, fmt.Errorf("unknown provider %q", provider)
}

// parsePhaxioEvent handles Phaxio's form-encoded callbacks with bracketed
// field names (fax[id], fax[status], ...).
func parsePhaxioEvent(rawBody []byte, query url.Values) (Event, error) {
	form, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		ProviderSID: form.Get("fax[id]"),
		From:        form.Get("fax[from_number]"),
		To:          form.Get("fax[to_number]"),
		FileURL:     form.Get("fax[file_url]"),
		JobID:       query.Get("job_id"),
	}
	if raw := form.Get("fax[num_pages]"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			ev.Pages = &n
		}
	}
	if form.Get("direction") == "received" || form.Get("fax[direction]") == "received" {
		ev.EventType = "inbound"
		return ev, nil
	}
	ev.EventType = "status"
	ev.Status = mapPhaxioStatus(form.Get("fax[status]"))
	return ev, nil
}

func mapPhaxioStatus(s string) string {
	switch s {
	case "success":
		return domain.StatusSuccess
	case "failure", "failed":
		return domain.StatusFailedTerm
	default:
		return domain.StatusInProgress
	}
}

type sinchEventBody struct {
	Event string `json:"event"`
	Fax   struct {
		ID        json.Number `json:"id"`
		Status    string      `json:"status"`
		PageCount *int        `json:"pageCount"`
		From      string      `json:"from"`
		To        string      `json:"to"`
	} `json:"fax"`
	File string `json:"fileUrl"`
}

func parseSinchEvent(rawBody []byte) (Event, error) {
	var body sinchEventBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return Event{}, err
	}
	ev := Event{
		ProviderSID: body.Fax.ID.String(),
		From:        body.Fax.From,
		To:          body.Fax.To,
		Pages:       body.Fax.PageCount,
		FileURL:     body.File,
	}
	if body.Event == "INCOMING_FAX" {
		ev.EventType = "inbound"
		return ev, nil
	}
	ev.EventType = "status"
	ev.Status = mapSinchStatus(body.Fax.Status)
	return ev, nil
}

func mapSinchStatus(s string) string {
	switch s {
	case "COMPLETED", "DELIVERED", "completed", "delivered":
		return domain.StatusSuccess
	case "FAILURE", "FAILED", "failure", "failed":
		return domain.StatusFailedTerm
	default:
		return domain.StatusInProgress
	}
}

type documoEventBody struct {
	FaxID      string `json:"faxId"`
	Status     string `json:"status"`
	PagesCount *int   `json:"pagesCount"`
	From       string `json:"from"`
	To         string `json:"to"`
	FileURL    string `json:"fileUrl"`
	Direction  string `json:"direction"`
}

func parseDocumoEvent(rawBody []byte) (Event, error) {
	var body documoEventBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return Event{}, err
	}
	ev := Event{
		ProviderSID: body.FaxID,
		From:        body.From,
		To:          body.To,
		Pages:       body.PagesCount,
		FileURL:     body.FileURL,
	}
	if body.Direction == "inbound" || body.Direction == "received" {
		ev.EventType = "inbound"
		return ev, nil
	}
	ev.EventType = "status"
	switch body.Status {
	case "delivered", "success", "completed":
		ev.Status = domain.StatusSuccess
	case "failed", "failure", "error":
		ev.Status = domain.StatusFailedTerm
	default:
		ev.Status = domain.StatusInProgress
	}
	return ev, nil
}
