// Package backend – Sinch implementation.
//
// Sinch Fax API v3 ("Phaxio by Sinch"): the fax is created by posting the
// document directly as multipart/form-data to
// POST {base}/projects/{projectId}/faxes with HTTP basic auth.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
)

const sinchDefaultBaseURL = "https://fax.api.sinch.com/v3"

// Sinch implements FaxBackend against the Sinch Fax API v3.
type Sinch struct {
	cfg     config.SinchConfig
	client  *http.Client
	baseURL string
}

// NewSinch constructs a Sinch backend, honoring the base URL override for
// regional endpoints.
func NewSinch(cfg config.SinchConfig, client *http.Client) *Sinch {
	base := cfg.BaseURL
	if base == "" {
		base = sinchDefaultBaseURL
	}
	return &Sinch{cfg: cfg, client: client, baseURL: base}
}

// Name returns "sinch".
func (s *Sinch) Name() string { return config.BackendSinch }

// Configured reports whether project credentials are present.
func (s *Sinch) Configured() bool {
	return s.cfg.ProjectID != "" && s.cfg.APIKey != "" && s.cfg.APISecret != ""
}

type sinchFax struct {
	ID        json.Number `json:"id"`
	Status    string      `json:"status"`
	PageCount *int        `json:"pageCount"`
}

// Send uploads the PDF and creates the fax in one multipart request.
func (s *Sinch) Send(ctx context.Context, jobID, to string, artifact Artifact) (SendResult, error) {
	if !s.Configured() {
		return SendResult{}, fmt.Errorf("sinch backend is not configured")
	}
	f, err := os.Open(artifact.PdfPath)
	if err != nil {
		return SendResult{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(artifact.PdfPath))
	if err != nil {
		return SendResult{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return SendResult{}, err
	}
	if err := mw.WriteField("to", normalizeE164(to)); err != nil {
		return SendResult{}, err
	}
	if err := mw.Close(); err != nil {
		return SendResult{}, err
	}

	url := fmt.Sprintf("%s/projects/%s/faxes", s.baseURL, s.cfg.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(s.cfg.APIKey, s.cfg.APISecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return SendResult{}, fmt.Errorf("sinch create fax error %d: %s", resp.StatusCode, raw)
	}

	var fax sinchFax
	if err := json.NewDecoder(resp.Body).Decode(&fax); err != nil {
		return SendResult{}, fmt.Errorf("unexpected sinch response: %w", err)
	}
	sid := fax.ID.String()
	if sid == "" {
		return SendResult{}, fmt.Errorf("sinch did not return a fax id")
	}

	return SendResult{
		ProviderSID: sid,
		Status:      domain.StatusInProgress,
		Pages:       fax.PageCount,
	}, nil
}

// PollStatus queries the fax resource.
func (s *Sinch) PollStatus(ctx context.Context, providerSID string) (string, error) {
	url := fmt.Sprintf("%s/projects/%s/faxes/%s", s.baseURL, s.cfg.ProjectID, providerSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(s.cfg.APIKey, s.cfg.APISecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("sinch API error %d", resp.StatusCode)
	}

	var fax sinchFax
	if err := json.NewDecoder(resp.Body).Decode(&fax); err != nil {
		return "", err
	}
	return mapSinchStatus(fax.Status), nil
}

// mapSinchStatus folds the Sinch status vocabulary into job statuses.
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
