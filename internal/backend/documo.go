// Package backend – Documo (mFax) implementation.
//
// Documo sends via POST {base}/v1/faxes as multipart/form-data with a bearer
// API key: field "faxNumber" plus an "attachments" file part.
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
	"strings"

	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
)

const documoSandboxBaseURL = "https://api.sandbox.documo.com"

// Documo implements FaxBackend against the Documo REST API.
type Documo struct {
	cfg     config.DocumoConfig
	client  *http.Client
	baseURL string
}

// NewDocumo constructs a Documo backend, preferring the sandbox host when
// configured.
func NewDocumo(cfg config.DocumoConfig, client *http.Client) *Documo {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Sandbox {
		base = documoSandboxBaseURL
	}
	return &Documo{cfg: cfg, client: client, baseURL: base}
}

// Name returns "documo".
func (d *Documo) Name() string { return config.BackendDocumo }

// Configured reports whether an API key is present.
func (d *Documo) Configured() bool { return d.cfg.APIKey != "" }

type documoFax struct {
	FaxID      string `json:"faxId"`
	ID         string `json:"id"`
	Status     string `json:"status"`
	PagesCount *int   `json:"pagesCount"`
}

// Send posts the document and destination in one request. Documo accepts
// digits or E.164; digits pass through when no country code is apparent.
func (d *Documo) Send(ctx context.Context, jobID, to string, artifact Artifact) (SendResult, error) {
	if !d.Configured() {
		return SendResult{}, fmt.Errorf("documo backend is not configured")
	}
	f, err := os.Open(artifact.PdfPath)
	if err != nil {
		return SendResult{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("attachments", filepath.Base(artifact.PdfPath))
	if err != nil {
		return SendResult{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return SendResult{}, err
	}
	if err := mw.WriteField("faxNumber", normalizeE164(to)); err != nil {
		return SendResult{}, err
	}
	if err := mw.Close(); err != nil {
		return SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/faxes", &body)
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return SendResult{}, fmt.Errorf("documo send error %d: %s", resp.StatusCode, raw)
	}

	var fax documoFax
	if err := json.NewDecoder(resp.Body).Decode(&fax); err != nil {
		return SendResult{}, fmt.Errorf("unexpected documo response: %w", err)
	}
	sid := fax.FaxID
	if sid == "" {
		sid = fax.ID
	}
	if sid == "" {
		return SendResult{}, fmt.Errorf("documo did not return a fax id")
	}

	return SendResult{
		ProviderSID: sid,
		Status:      domain.StatusInProgress,
		Pages:       fax.PagesCount,
	}, nil
}
