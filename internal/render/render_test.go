package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_PDFPassthrough(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.pdf")
	pdf := []byte("%PDF-1.4\n1 0 obj << /Type /Pages /Count 2 >>\n2 0 obj << /Type /Page >>\n3 0 obj << /Type /Page >>\n%%EOF")
	if err := os.WriteFile(src, pdf, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	r := &Local{DataDir: dir}
	res, err := r.Render(src, "job1")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Pages != 2 {
		t.Fatalf("Pages = %d, want 2", res.Pages)
	}

	out, err := os.ReadFile(res.PdfPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(out) != string(pdf) {
		t.Fatal("PDF content changed during passthrough")
	}
	if _, err := os.Stat(res.TiffPath); err != nil {
		t.Fatalf("tiff artifact missing: %v", err)
	}
}

func TestRender_TextPageEstimate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "note.txt")
	content := strings.Repeat("line\n", 61) // 62 lines incl. trailing
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	r := &Local{DataDir: dir, LinesPerPage: 60}
	res, err := r.Render(src, "job2")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Pages != 2 {
		t.Fatalf("Pages = %d, want 2", res.Pages)
	}
}

func TestRender_MinimumOnePage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tiny.txt")
	if err := os.WriteFile(src, []byte("hi"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	r := &Local{DataDir: dir}
	res, err := r.Render(src, "job3")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.Pages != 1 {
		t.Fatalf("Pages = %d, want 1", res.Pages)
	}
}

func TestRender_MissingSource(t *testing.T) {
	r := &Local{DataDir: t.TempDir()}
	if _, err := r.Render("/nonexistent/file.pdf", "job4"); err == nil {
		t.Fatal("Render(missing) succeeded, want error")
	}
}

func TestArtifactName(t *testing.T) {
	if got := ArtifactName("abc", ".pdf"); got != "abc.pdf" {
		t.Fatalf("ArtifactName = %q", got)
	}
	if got := ArtifactName("abc", "tiff"); got != "abc.tiff" {
		t.Fatalf("ArtifactName = %q", got)
	}
}
