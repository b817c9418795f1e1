// Package grounding parses the region markup the OCR model embeds in its
// output, converts its coordinates to pixels and produces clean markdown.
//
// A span looks like REF label /REF DET coords /DET, where the tags are either
// the model's native form (<|ref|>, <|/ref|>, <|det|>, <|/det|>) or the short
// HTML-like form (<ref>, </ref>, <det>, </det>). Both forms may appear in the
// same text but a single span never mixes them.
package grounding

import (
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
)

type tagSet struct {
	refOpen, refClose, detOpen, detClose string
}

var tagSets = []tagSet{
	{"<|ref|>", "<|/ref|>", "<|det|>", "<|/det|>"},
	{"<ref>", "</ref>", "<det>", "</det>"},
}

// Span is one matched grounding span in a text.
type Span struct {
	Start  int // byte offset of the opening tag
	End    int // byte offset just past the closing tag
	Label  string
	Coords string    // raw coordinate literal
	Boxes  []NormBox // nil when Err is set
	Err    error
}

// Raw returns the span's source text.
func (s Span) Raw(text string) string {
	return text[s.Start:s.End]
}

// IsImage reports whether the span marks an embedded figure.
func (s Span) IsImage() bool {
	return s.Label == domain.LabelImage
}

// FindSpans returns every non-overlapping span in left-to-right order.
// Spans whose coordinate literal is malformed are still returned, with Err
// set, so callers can strip them from text while skipping them for geometry.
func FindSpans(text string) []Span {
	var spans []Span
	pos := 0
	for pos < len(text) {
		start, tags := nextOpen(text, pos)
		if start < 0 {
			break
		}
		span, ok := matchAt(text, start, tags)
		if !ok {
			pos = start + 1
			continue
		}
		spans = append(spans, span)
		pos = span.End
	}
	return spans
}

// Partition splits spans into image-labeled and other spans, keeping order.
func Partition(spans []Span) (images, others []Span) {
	for _, s := range spans {
		if s.IsImage() {
			images = append(images, s)
		} else {
			others = append(others, s)
		}
	}
	return images, others
}

// nextOpen finds the earliest opening ref tag of any form at or after pos.
func nextOpen(text string, pos int) (int, tagSet) {
	best := -1
	var found tagSet
	for _, ts := range tagSets {
		i := strings.Index(text[pos:], ts.refOpen)
		if i < 0 {
			continue
		}
		if best < 0 || pos+i < best {
			best = pos + i
			found = ts
		}
	}
	return best, found
}

func matchAt(text string, start int, ts tagSet) (Span, bool) {
	cur := start + len(ts.refOpen)

	labelEnd := strings.Index(text[cur:], ts.refClose)
	if labelEnd < 0 {
		return Span{}, false
	}
	label := text[cur : cur+labelEnd]
	cur += labelEnd + len(ts.refClose)

	cur = skipSpace(text, cur)
	if !strings.HasPrefix(text[cur:], ts.detOpen) {
		return Span{}, false
	}
	cur += len(ts.detOpen)

	coordsEnd := strings.Index(text[cur:], ts.detClose)
	if coordsEnd < 0 {
		return Span{}, false
	}
	coords := strings.TrimSpace(text[cur : cur+coordsEnd])
	cur += coordsEnd + len(ts.detClose)

	span := Span{
		Start:  start,
		End:    cur,
		Label:  label,
		Coords: coords,
	}
	span.Boxes, span.Err = ParseCoords(coords)
	if span.Err != nil {
		span.Boxes = nil
	}
	return span, true
}

func skipSpace(text string, pos int) int {
	for pos < len(text) {
		switch text[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		default:
			return pos
		}
	}
	return pos
}
