package grounding

import (
	"fmt"
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
)

var mathReplacer = strings.NewReplacer(
	`\coloneqq`, ":=",
	`\eqqcolon`, "=:",
)

// Clean strips every span and the grounding token, normalizes the two math
// escapes and collapses runs of blank lines.
func Clean(text string) string {
	return rewrite(text, FindSpans(text), func(int, Span) string { return "" })
}

// PageMarkdown is Clean with each image span replaced by embeds of the crops
// cut from it, one per box in box order. crops are matched to spans by
// Crop.Span, so an image span with no crops, for instance one whose
// coordinates were malformed, is stripped like any other span.
func PageMarkdown(text string, crops []domain.Crop) string {
	bySpan := make(map[int][]string, len(crops))
	for _, c := range crops {
		bySpan[c.Span] = append(bySpan[c.Span], c.Name)
	}
	return rewrite(text, FindSpans(text), func(i int, s Span) string {
		if !s.IsImage() {
			return ""
		}
		var b strings.Builder
		for _, name := range bySpan[i] {
			fmt.Fprintf(&b, "![](%s)\n", name)
		}
		return b.String()
	})
}

// InlineLabels replaces each span with its bare label and trims the result.
// Used for single-image display text.
func InlineLabels(text string) string {
	out := rewrite(text, FindSpans(text), func(_ int, s Span) string { return s.Label })
	return strings.TrimSpace(out)
}

// ImagePath is the request-relative name of a page's idx-th image crop.
func ImagePath(pageIndex, idx int) string {
	return fmt.Sprintf("images/%d_%d.jpg", pageIndex, idx)
}

func rewrite(text string, spans []Span, replace func(i int, s Span) string) string {
	var b strings.Builder
	b.Grow(len(text))

	last := 0
	for i, s := range spans {
		b.WriteString(text[last:s.Start])
		b.WriteString(replace(i, s))
		last = s.End
	}
	b.WriteString(text[last:])

	out := strings.ReplaceAll(b.String(), domain.GroundingToken, "")
	out = mathReplacer.Replace(out)
	return collapseBlankLines(out)
}

// collapseBlankLines reduces every run of three or more newlines to two.
func collapseBlankLines(s string) string {
	if !strings.Contains(s, "\n\n\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	run := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			run++
			if run > 2 {
				continue
			}
		} else {
			run = 0
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
