// Package backend – Phaxio implementation.
//
// Phaxio sends via a form POST carrying a content_url the provider fetches
// itself (our tokenized /fax/{id}/pdf link), with HTTP basic auth and a
// callback URL correlated by job id. Terminal status arrives by webhook.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
)

const phaxioBaseURL = "https://api.phaxio.com/v2"

// Phaxio implements FaxBackend against the Phaxio v2 API.
type Phaxio struct {
	cfg     config.PhaxioConfig
	client  *http.Client
	baseURL string
}

// NewPhaxio constructs a Phaxio backend.
func NewPhaxio(cfg config.PhaxioConfig, client *http.Client) *Phaxio {
	return &Phaxio{cfg: cfg, client: client, baseURL: phaxioBaseURL}
}

// Name returns "phaxio".
func (p *Phaxio) Name() string { return config.BackendPhaxio }

// Configured reports whether credentials are present.
func (p *Phaxio) Configured() bool { return p.cfg.APIKey != "" && p.cfg.APISecret != "" }

type phaxioEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	} `json:"data"`
}

// Send creates the fax. Phaxio fetches the document from artifact.PdfURL, so
// the artifact must already be reachable through the tokenized link. Retries
// transient failures with capped exponential backoff.
func (p *Phaxio) Send(ctx context.Context, jobID, to string, artifact Artifact) (SendResult, error) {
	if !p.Configured() {
		return SendResult{}, fmt.Errorf("phaxio backend is not configured")
	}
	if artifact.PdfURL == "" {
		return SendResult{}, fmt.Errorf("phaxio requires a fetchable artifact URL")
	}

	form := url.Values{}
	form.Set("to", normalizeE164(to))
	form.Add("content_url[]", artifact.PdfURL)
	if p.cfg.CallbackURL != "" {
		form.Set("callback_url", p.cfg.CallbackURL+"?job_id="+url.QueryEscape(jobID))
	}

	var lastErr error
	delay := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return SendResult{}, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, 8*time.Second)
		}

		res, err := p.post(ctx, form)
		if err != nil {
			lastErr = err
			continue
		}
		return res, nil
	}
	return SendResult{}, lastErr
}

func (p *Phaxio) post(ctx context.Context, form url.Values) (SendResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/faxes",
		strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.APIKey, p.cfg.APISecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	var env phaxioEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return SendResult{}, fmt.Errorf("phaxio API error %d: unreadable body", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return SendResult{}, fmt.Errorf("phaxio API error %d: %s", resp.StatusCode, env.Message)
	}
	if !env.Success {
		return SendResult{}, fmt.Errorf("phaxio API returned success=false: %s", env.Message)
	}
	sid := env.Data.ID.String()
	if sid == "" || sid == "0" {
		return SendResult{}, fmt.Errorf("phaxio API did not return a fax id")
	}

	status := mapProviderStatus(env.Data.Status)
	if domain.IsTerminalStatus(status) {
		// Phaxio never reports terminal at create time; treat it as accepted.
		log.Warn().Str("status", env.Data.Status).Msg("phaxio returned unexpected create status")
	}
	return SendResult{ProviderSID: sid, Status: domain.StatusInProgress}, nil
}

// PollStatus queries the current fax status.
func (p *Phaxio) PollStatus(ctx context.Context, providerSID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/faxes/"+providerSID, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.APIKey, p.cfg.APISecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("phaxio API error %d", resp.StatusCode)
	}

	var env phaxioEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	return mapProviderStatus(env.Data.Status), nil
}
