// Package assemble folds finished pages into the document outputs and
// persists them.
package assemble

import (
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/grounding"
)

// pageBreak follows every contributing page in both markdown variants.
const pageBreak = "\n" + domain.PageSplit + "\n"

// PageResult is one generated page ready to be folded in.
type PageResult struct {
	PageIndex int
	// Text is the finalized page text including grounding markup.
	Text      string
	Annotated *domain.AnnotatedPage
}

// Bundle accumulates pages in the order they are added. Callers add pages in
// document order.
type Bundle struct {
	requestID     string
	documentPages int
	raw           strings.Builder
	clean         strings.Builder
	pages         []*domain.AnnotatedPage
	images        []string
	contributed   int
	discarded     []int
}

// NewBundle starts an empty bundle for a document of documentPages pages.
func NewBundle(requestID string, documentPages int) *Bundle {
	return &Bundle{requestID: requestID, documentPages: documentPages}
}

// RequestID returns the request the bundle belongs to.
func (b *Bundle) RequestID() string {
	return b.requestID
}

// AddPage appends a page to both markdown variants and, when it was rendered,
// to the layouts PDF. The clean variant links the crops the page was rendered
// with, so an unrendered page embeds no images.
func (b *Bundle) AddPage(r PageResult) {
	b.raw.WriteString(r.Text)
	b.raw.WriteString(pageBreak)

	var crops []domain.Crop
	if r.Annotated != nil {
		crops = r.Annotated.Crops
	}
	b.clean.WriteString(grounding.PageMarkdown(r.Text, crops))
	b.clean.WriteString(pageBreak)

	if r.Annotated != nil {
		b.pages = append(b.pages, r.Annotated)
		for _, c := range r.Annotated.Crops {
			b.images = append(b.images, c.Path)
		}
	}
	b.contributed++
}

// Discard records a page dropped by repeat-skip. It contributes nothing.
func (b *Bundle) Discard(pageIndex int) {
	b.discarded = append(b.discarded, pageIndex)
}

// PageCount is the number of contributing pages.
func (b *Bundle) PageCount() int {
	return b.contributed
}

// RawMarkdown returns the annotated transcript so far.
func (b *Bundle) RawMarkdown() string {
	return b.raw.String()
}

// CleanMarkdown returns the cleaned transcript so far.
func (b *Bundle) CleanMarkdown() string {
	return b.clean.String()
}

// Pages returns the rendered pages in document order.
func (b *Bundle) Pages() []*domain.AnnotatedPage {
	return b.pages
}

// Output snapshots the bundle. Artifact paths are filled in by Persist.
func (b *Bundle) Output() *domain.OutputBundle {
	return &domain.OutputBundle{
		RequestID:     b.requestID,
		RawMarkdown:   b.raw.String(),
		CleanMarkdown: b.clean.String(),
		DocumentPages: b.documentPages,
		PageCount:     b.contributed,
		Discarded:     append([]int(nil), b.discarded...),
		Artifacts: domain.ArtifactPaths{
			Images: append([]string(nil), b.images...),
		},
	}
}
