package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/openfax/faxgw/internal/audit"
	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
	"github.com/openfax/faxgw/internal/services"
)

// fakeFaxService scripts the outbound service behind the handlers.
type fakeFaxService struct {
	submitJob *domain.FaxJob
	submitErr error
	getJob    *domain.FaxJob
	getErr    error
	artifact  string
	openErr   error
	lastTo    string
	lastName  string
	lastSize  int
}

func (f *fakeFaxService) Submit(ctx context.Context, to, fileName string, content []byte) (*domain.FaxJob, error) {
	f.lastTo, f.lastName, f.lastSize = to, fileName, len(content)
	return f.submitJob, f.submitErr
}

func (f *fakeFaxService) Get(ctx context.Context, id string) (*domain.FaxJob, error) {
	return f.getJob, f.getErr
}

func (f *fakeFaxService) OpenArtifact(ctx context.Context, id, token string) (io.ReadCloser, string, error) {
	if f.openErr != nil {
		return nil, "", f.openErr
	}
	return io.NopCloser(strings.NewReader(f.artifact)), "out.pdf", nil
}

type fakeInboundService struct {
	secretErr error
	ingested  *domain.InboundFax
	ingestErr error
	faxes     []domain.InboundFax
	total     int64
	getFax    *domain.InboundFax
	getErr    error
}

func (f *fakeInboundService) CheckInternalSecret(presented string) error { return f.secretErr }

func (f *fakeInboundService) IngestAsterisk(ctx context.Context, ev services.AsteriskInbound) (*domain.InboundFax, error) {
	return f.ingested, f.ingestErr
}

func (f *fakeInboundService) Get(ctx context.Context, id string) (*domain.InboundFax, error) {
	return f.getFax, f.getErr
}

func (f *fakeInboundService) List(ctx context.Context, offset, limit int) ([]domain.InboundFax, int64, error) {
	return f.faxes, f.total, nil
}

func (f *fakeInboundService) OpenArtifact(ctx context.Context, id, token string) (io.ReadCloser, string, error) {
	return nil, "", services.ErrJobNotFound
}

func (f *fakeInboundService) OpenArtifactPrivileged(ctx context.Context, id string) (io.ReadCloser, string, error) {
	return nil, "", services.ErrJobNotFound
}

type fakeWebhookService struct {
	ack services.Ack
	err error
}

func (f *fakeWebhookService) Ingest(ctx context.Context, provider string, rawBody []byte, header http.Header, query url.Values) (services.Ack, error) {
	return f.ack, f.err
}

func testRouter(fax *fakeFaxService, inbound *fakeInboundService, hooks *fakeWebhookService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(fax, inbound, hooks, nil, config.NewProvider(config.Config{MaxFileSizeMB: 1}), audit.NewTrail(16, zerolog.Nop()))

	r := gin.New()
	r.POST("/fax", h.SubmitFax)
	r.GET("/fax/:id", h.GetFax)
	r.GET("/fax/:id/pdf", h.GetFaxPdf)
	r.GET("/inbound", h.ListInbound)
	r.POST("/webhook/:provider", h.ProviderWebhook)
	r.POST("/_internal/asterisk/inbound", h.AsteriskInbound)
	return r
}

func multipartSubmit(t *testing.T, to, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if to != "" {
		if err := mw.WriteField("to", to); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, w.Body.String())
	}
	return resp
}

func TestSubmitFax(t *testing.T) {
	fax := &fakeFaxService{submitJob: &domain.FaxJob{ID: "abc", Status: domain.StatusQueued}}
	r := testRouter(fax, &fakeInboundService{}, &fakeWebhookService{})

	body, contentType := multipartSubmit(t, "+15551234567", "doc.pdf", "%PDF-1.4 hello")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/fax", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if fax.lastTo != "+15551234567" || fax.lastName != "doc.pdf" || fax.lastSize == 0 {
		t.Fatalf("service call: to=%q name=%q size=%d", fax.lastTo, fax.lastName, fax.lastSize)
	}

	var got struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "abc" || got.Status != domain.StatusQueued {
		t.Fatalf("response = %+v", got)
	}
}

func TestSubmitFax_MissingFields(t *testing.T) {
	r := testRouter(&fakeFaxService{}, &fakeInboundService{}, &fakeWebhookService{})

	// No destination.
	body, contentType := multipartSubmit(t, "", "doc.pdf", "x")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/fax", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != ErrCodeBadRequest {
		t.Fatalf("missing to: %d %s", w.Code, w.Body.String())
	}

	// No file part.
	body, contentType = multipartSubmit(t, "+15551234567", "", "")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/fax", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing file: %d", w.Code)
	}
}

func TestSubmitFax_ValidationMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"disallowed type", &services.ValidationError{Msg: "only PDF or TXT", Status: http.StatusUnsupportedMediaType}, http.StatusUnsupportedMediaType, ErrCodeDisallowedType},
		{"too large", &services.ValidationError{Msg: "file too large", Status: http.StatusRequestEntityTooLarge}, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge},
		{"bad number", services.Validationf("invalid destination"), http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := testRouter(&fakeFaxService{submitErr: tc.err}, &fakeInboundService{}, &fakeWebhookService{})
			body, contentType := multipartSubmit(t, "+15551234567", "doc.bin", "x")
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/fax", body)
			req.Header.Set("Content-Type", contentType)
			r.ServeHTTP(w, req)

			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			if got := decodeError(t, w); got.Code != tc.code {
				t.Fatalf("code = %q, want %q", got.Code, tc.code)
			}
		})
	}
}

func TestGetFax_SanitizesStoredError(t *testing.T) {
	fax := &fakeFaxService{getJob: &domain.FaxJob{
		ID: "abc", Status: domain.StatusFailed,
		Error: "dial failed for +15551234567",
	}}
	r := testRouter(fax, &fakeInboundService{}, &fakeWebhookService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fax/abc", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "15551234567") {
		t.Fatalf("raw digits leaked: %s", w.Body.String())
	}
}

func TestGetFax_NotFound(t *testing.T) {
	r := testRouter(&fakeFaxService{getErr: services.ErrJobNotFound}, &fakeInboundService{}, &fakeWebhookService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fax/ghost", nil))
	if w.Code != http.StatusNotFound || decodeError(t, w).Code != ErrCodeNotFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestGetFaxPdf_TokenErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrTokenMismatch, http.StatusForbidden},
		{services.ErrTokenExpired, http.StatusForbidden},
		{services.ErrNoToken, http.StatusNotFound},
	}
	for _, tc := range cases {
		r := testRouter(&fakeFaxService{openErr: tc.err}, &fakeInboundService{}, &fakeWebhookService{})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fax/abc/pdf?token=x", nil))
		if w.Code != tc.status {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.status)
		}
	}
}

func TestGetFaxPdf_Streams(t *testing.T) {
	r := testRouter(&fakeFaxService{artifact: "%PDF-1.4 body"}, &fakeInboundService{}, &fakeWebhookService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fax/abc/pdf?token=t", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "out.pdf") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if w.Body.String() != "%PDF-1.4 body" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestProviderWebhook(t *testing.T) {
	r := testRouter(&fakeFaxService{}, &fakeInboundService{}, &fakeWebhookService{ack: services.Ack{Status: "ok"}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/phaxio", strings.NewReader("fax[id]=1")))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// Signature failure maps to 401 bad_signature.
	r = testRouter(&fakeFaxService{}, &fakeInboundService{}, &fakeWebhookService{err: services.ErrBadSignature})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/phaxio", strings.NewReader("x")))
	if w.Code != http.StatusUnauthorized || decodeError(t, w).Code != ErrCodeBadSignature {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAsteriskInbound(t *testing.T) {
	inbound := &fakeInboundService{ingested: &domain.InboundFax{ID: "in1", Status: "received"}}
	r := testRouter(&fakeFaxService{}, inbound, &fakeWebhookService{})

	payload := `{"from_number":"+1","to_number":"+2","tiff_path":"/data/rx.tiff"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_internal/asterisk/inbound", strings.NewReader(payload))
	req.Header.Set("X-Internal-Secret", "s")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// Wrong secret rejects before parsing.
	inbound.secretErr = services.ErrUnauthorized
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/_internal/asterisk/inbound", strings.NewReader(payload)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret status = %d", w.Code)
	}
}

func TestListInbound_EmptyPageIsArray(t *testing.T) {
	r := testRouter(&fakeFaxService{}, &fakeInboundService{total: 0}, &fakeWebhookService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/inbound?limit=10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"inbound":[]`) {
		t.Fatalf("nil page not normalized: %s", w.Body.String())
	}
}
