// Package render exposes the artifact-renderer collaborator: turn an
// uploaded source document into a deliverable artifact and report its page
// count. The real rasterization pipeline lives outside the gateway; the
// local implementation here produces a usable artifact path and a best-effort
// page estimate so the core lifecycle stays exercisable end to end.
package render

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Result is the renderer output consumed by the dispatch orchestrator.
type Result struct {
	// PdfPath is the deliverable artifact handed to cloud backends.
	PdfPath string
	// TiffPath is the telephony-side artifact (sip backend).
	TiffPath string
	// Pages is the estimated page count of the deliverable.
	Pages int
}

// Renderer converts a stored upload into deliverable artifacts.
type Renderer interface {
	Render(sourcePath, jobID string) (Result, error)
}

// Local is a minimal renderer that derives artifacts next to the upload.
// PDF uploads pass through unchanged; text uploads are wrapped verbatim.
type Local struct {
	// DataDir is where derived artifacts are written.
	DataDir string
	// LinesPerPage controls the page estimate for text sources (default 60).
	LinesPerPage int
}

// Render produces the deliverable artifact paths for jobID.
func (l *Local) Render(sourcePath, jobID string) (Result, error) {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return Result{}, err
	}

	pdfPath := filepath.Join(l.DataDir, jobID+".pdf")
	tiffPath := filepath.Join(l.DataDir, jobID+".tiff")

	var pages int
	if looksLikePDF(content) {
		if err := os.WriteFile(pdfPath, content, 0o644); err != nil {
			return Result{}, err
		}
		pages = countPdfPages(content)
	} else {
		if err := os.WriteFile(pdfPath, content, 0o644); err != nil {
			return Result{}, err
		}
		pages = estimateTextPages(content, l.LinesPerPage)
	}

	// Telephony artifact placeholder; the gateway host renders the real
	// fax-resolution image out of band.
	if err := os.WriteFile(tiffPath, content, 0o644); err != nil {
		return Result{}, err
	}

	if pages < 1 {
		pages = 1
	}
	return Result{PdfPath: pdfPath, TiffPath: tiffPath, Pages: pages}, nil
}

func looksLikePDF(content []byte) bool {
	return bytes.HasPrefix(content, []byte("%PDF-"))
}

// countPdfPages counts page objects in the raw PDF. Good enough for the page
// metadata surfaced by the API; the provider reports the real count later.
func countPdfPages(content []byte) int {
	n := bytes.Count(content, []byte("/Type /Page"))
	n -= bytes.Count(content, []byte("/Type /Pages"))
	if n < 1 {
		n = 1
	}
	return n
}

func estimateTextPages(content []byte, linesPerPage int) int {
	if linesPerPage <= 0 {
		linesPerPage = 60
	}
	lines := strings.Count(string(content), "\n") + 1
	return (lines + linesPerPage - 1) / linesPerPage
}

// ArtifactName returns the canonical object name for a job artifact, e.g.
// "3f2c…9a.pdf".
func ArtifactName(jobID, ext string) string {
	return fmt.Sprintf("%s.%s", jobID, strings.TrimPrefix(ext, "."))
}
