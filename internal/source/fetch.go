// Package source loads document bytes from uploads, local paths and remote
// URLs.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/pdf"
)

// DefaultMaxBytes caps a single fetched document.
const DefaultMaxBytes = 64 << 20

// Kind is what a loaded document turned out to be.
type Kind string

const (
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
)

// Document is a loaded source.
type Document struct {
	Data []byte
	Kind Kind
}

// Fetcher downloads remote documents.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a fetcher. A zero timeout means 30 seconds.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads url. The kind comes from the content type, falling back to
// sniffing the PDF header.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Document, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Document{}, domain.ValidationError(fmt.Sprintf("unsupported url %q", url), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, domain.ValidationError("invalid url", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, domain.IOError("fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, domain.IOError(fmt.Sprintf("fetch returned status %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Document{}, domain.IOError("read fetched body", err)
	}
	if int64(len(data)) > f.maxBytes {
		return Document{}, domain.ValidationError(fmt.Sprintf("document exceeds %d bytes", f.maxBytes), nil)
	}

	kind := KindImage
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "application/pdf") || pdf.IsPDF(data) {
		kind = KindPDF
	}
	return Document{Data: data, Kind: kind}, nil
}

// Detect classifies raw bytes.
func Detect(data []byte) Document {
	if pdf.IsPDF(data) {
		return Document{Data: data, Kind: KindPDF}
	}
	return Document{Data: data, Kind: KindImage}
}

// ReadFile loads a local PDF or image no larger than DefaultMaxBytes.
func ReadFile(path string) (Document, error) {
	if err := pdf.NewValidator(DefaultMaxBytes).ValidateInputPath(path); err != nil {
		return Document{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, domain.IOError("read document", err)
	}
	return Detect(data), nil
}
