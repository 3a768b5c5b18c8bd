package services

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/openfax/faxgw/internal/backend"
	"github.com/openfax/faxgw/internal/config"
	"github.com/openfax/faxgw/internal/domain"
	"github.com/openfax/faxgw/internal/render"
	"github.com/openfax/faxgw/internal/repo"
	"github.com/openfax/faxgw/internal/storage"
)

// fakeBackend is a scriptable FaxBackend.
type fakeBackend struct {
	name   string
	result backend.SendResult
	err    error
	calls  int
	lastTo string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Send(ctx context.Context, jobID, to string, artifact backend.Artifact) (backend.SendResult, error) {
	f.calls++
	f.lastTo = to
	return f.result, f.err
}

func newFaxService(t *testing.T, db *gorm.DB, cfg config.Config, be backend.FaxBackend) *FaxService {
	t.Helper()
	store, err := storage.NewLocalStore(cfg.FaxDataDir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return &FaxService{
		DB:           db,
		Cfg:          config.NewProvider(cfg),
		Backend:      be,
		Renderer:     &render.Local{DataDir: cfg.FaxDataDir},
		Store:        store,
		Tokens:       NewTokenService(),
		Trail:        newTestTrail(),
		DispatchDone: make(chan string, 1),
	}
}

func faxTestConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		FaxDataDir:         t.TempDir(),
		MaxFileSizeMB:      1,
		Backend:            config.BackendPhaxio,
		PublicURL:          "https://fax.example.com",
		PdfTokenTTLMinutes: 60,
	}
}

func waitDispatch(t *testing.T, svc *FaxService) string {
	t.Helper()
	select {
	case id := <-svc.DispatchDone:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not finish")
		return ""
	}
}

func TestSubmit_RejectsBadDestination(t *testing.T) {
	db := newServicesDB(t, &domain.FaxJob{})
	svc := newFaxService(t, db, faxTestConfig(t), &fakeBackend{name: "phaxio"})

	for _, to := range []string{"", "12345", "abc", "+1 555 123", strings.Repeat("9", 21)} {
		_, err := svc.Submit(context.Background(), to, "doc.pdf", []byte("%PDF-1.4"))
		if !IsValidation(err) {
			t.Errorf("Submit(to=%q) err = %v, want validation error", to, err)
		}
	}
}

func TestSubmit_RejectsDisallowedType(t *testing.T) {
	db := newServicesDB(t, &domain.FaxJob{})
	svc := newFaxService(t, db, faxTestConfig(t), &fakeBackend{name: "phaxio"})

	_, err := svc.Submit(context.Background(), "+15551234567", "image.png", []byte{0x89, 0x50, 0x4e, 0x47})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Status != 415 {
		t.Fatalf("err = %v, want 415 validation error", err)
	}
}

func TestSubmit_RejectsOversize(t *testing.T) {
	db := newServicesDB(t, &domain.FaxJob{})
	svc := newFaxService(t, db, faxTestConfig(t), &fakeBackend{name: "phaxio"})

	big := append([]byte("%PDF-1.4"), make([]byte, 1<<20)...)
	_, err := svc.Submit(context.Background(), "+15551234567", "big.pdf", big)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Status != 413 {
		t.Fatalf("err = %v, want 413 validation error", err)
	}
}

func TestSubmit_PersistFailureLeavesNoArtifacts(t *testing.T) {
	// No migration, so persisting the job row fails after the upload and
	// rendered artifacts hit disk.
	db := newServicesDB(t)
	cfg := faxTestConfig(t)
	svc := newFaxService(t, db, cfg, &fakeBackend{name: "phaxio"})

	if _, err := svc.Submit(context.Background(), "+15551234567", "doc.pdf", []byte("%PDF-1.4")); err == nil {
		t.Fatal("Submit succeeded without a job table")
	}

	entries, err := os.ReadDir(cfg.FaxDataDir)
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("orphaned artifact: %s", e.Name())
	}
}

func TestSubmit_QueuesAndDispatches(t *testing.T) {
	db := newServicesDB(t, &domain.FaxJob{})
	pages := 4
	be := &fakeBackend{name: "phaxio", result: backend.SendResult{
		ProviderSID: "px-42",
		Status:      domain.StatusInProgress,
		Pages:       &pages,
	}}
	svc := newFaxService(t, db, faxTestConfig(t), be)

	job, err := svc.Submit(context.Background(), "+15551234567", "doc.pdf", []byte("%PDF-1.4 hello"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != domain.StatusQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}
	if len(job.ID) != 32 {
		t.Fatalf("job id %q, want 32 hex chars", job.ID)
	}
	if job.PdfURL == "" || !strings.Contains(job.PdfURL, "/fax/"+job.ID+"/pdf?token=") {
		t.Fatalf("tokenized URL wrong: %q", job.PdfURL)
	}

	waitDispatch(t, svc)
	if be.calls != 1 {
		t.Fatalf("backend called %d times, want 1", be.calls)
	}

	got, err := svc.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.ProviderSID != "px-42" {
		t.Fatalf("after dispatch: %+v", got)
	}
}

func TestSubmit_DisabledNeverDispatches(t *testing.T) {
	db := newServicesDB(t, &domain.FaxJob{})
	cfg := faxTestConfig(t)
	cfg.FaxDisabled = true
	be := &fakeBackend{name: "phaxio"}
	svc := newFaxService(t, db, cfg, be)

	job, err := svc.Submit(context.Background(), "+15551234567", "doc.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != domain.StatusDisabled {
		t.Fatalf("status = %q, want disabled", job.Status)
	}

	// Give a stray dispatch a moment to surface; none should.
	select {
	case <-svc.DispatchDone:
		t.Fatal("dispatch ran for a disabled job")
	case <-time.After(50 * time.Millisecond):
	}
	if be.calls != 0 {
		t.Fatalf("backend called %d times for disabled job", be.calls)
	}
}

func TestDispatch_FailureIsTerminal(t *testing.T) {
	db := newServicesDB(t, &domain.FaxJob{})
	be := &fakeBackend{name: "phaxio", err: errors.New("account 12345678 rejected")}
	svc := newFaxService(t, db, faxTestConfig(t), be)

	job, err := svc.Submit(context.Background(), "+15551234567", "doc.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDispatch(t, svc)

	got, _ := svc.Get(context.Background(), job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error == "" {
		t.Fatal("dispatch error not recorded")
	}
}

func TestOpenArtifact_TokenFlows(t *testing.T) {
	db := newServicesDB(t, &domain.FaxJob{})
	be := &fakeBackend{name: "phaxio", result: backend.SendResult{Status: domain.StatusInProgress}}
	svc := newFaxService(t, db, faxTestConfig(t), be)

	job, err := svc.Submit(context.Background(), "+15551234567", "doc.pdf", []byte("%PDF-1.4 body"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDispatch(t, svc)

	rc, name, err := svc.OpenArtifact(context.Background(), job.ID, job.PdfToken)
	if err != nil {
		t.Fatalf("OpenArtifact(valid): %v", err)
	}
	defer rc.Close()
	if !strings.HasSuffix(name, ".pdf") {
		t.Fatalf("artifact name = %q", name)
	}
	content, _ := io.ReadAll(rc)
	if !strings.HasPrefix(string(content), "%PDF-1.4") {
		t.Fatalf("artifact content = %q", content)
	}

	if _, _, err := svc.OpenArtifact(context.Background(), job.ID, "wrong"); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("wrong token err = %v", err)
	}
	if _, _, err := svc.OpenArtifact(context.Background(), "missing", job.PdfToken); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing job err = %v", err)
	}

	// A job without a token (sip path) answers ErrNoToken.
	if err := repo.ClearJobArtifacts(context.Background(), db, job.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, _, err := svc.OpenArtifact(context.Background(), job.ID, job.PdfToken); !errors.Is(err, ErrNoToken) {
		t.Fatalf("tokenless job err = %v, want ErrNoToken", err)
	}
}

func TestHandleSIPResult(t *testing.T) {
	db := newServicesDB(t, &domain.FaxJob{})
	svc := newFaxService(t, db, faxTestConfig(t), &fakeBackend{name: "sip"})

	job := &domain.FaxJob{ID: strings.Repeat("a", 32), ToNumber: "+15551234567", FileName: "d.pdf", Backend: "sip", Status: domain.StatusInProgress}
	if err := repo.CreateJob(context.Background(), db, job); err != nil {
		t.Fatalf("seed: %v", err)
	}

	pages := 2
	svc.HandleSIPResult(backend.FaxResultEvent{JobID: job.ID, Status: "SUCCESS", Pages: &pages})

	got, _ := svc.Get(context.Background(), job.ID)
	if got.Status != domain.StatusSuccess || got.Pages == nil || *got.Pages != 2 {
		t.Fatalf("after sip result: %+v", got)
	}

	// Empty job id is ignored.
	svc.HandleSIPResult(backend.FaxResultEvent{Status: "SUCCESS"})
}
