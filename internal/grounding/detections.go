package grounding

import (
	"math"
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
)

// GridSize is the upper bound of the model's normalized coordinate grid.
const GridSize = 999

// Denormalize maps a 0-999 box onto a page of the given pixel size. The result
// is not clamped; out-of-range input produces out-of-range pixels.
func Denormalize(b NormBox, width, height int) domain.Box {
	return domain.Box{
		X1: scale(b[0], width),
		Y1: scale(b[1], height),
		X2: scale(b[2], width),
		Y2: scale(b[3], height),
	}
}

func scale(v float64, dim int) int {
	return int(math.Round(v / GridSize * float64(dim)))
}

// Parser extracts detections from model output and logs the spans it has to
// skip.
type Parser struct {
	logger *observability.Logger
}

// NewParser creates a parser that reports skipped spans to logger.
func NewParser(logger *observability.Logger) *Parser {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Parser{logger: logger.WithComponent("grounding")}
}

// Detections denormalizes every box of every non-image span against the given
// page size. Malformed spans are logged and skipped.
func (p *Parser) Detections(text string, width, height int) []domain.Detection {
	_, others := Partition(FindSpans(text))
	return p.denormalizeAll(others, width, height)
}

// AllDetections is Detections including image-labeled spans, as reported by the
// single-image API.
func (p *Parser) AllDetections(text string, width, height int) []domain.Detection {
	return p.denormalizeAll(FindSpans(text), width, height)
}

func (p *Parser) denormalizeAll(spans []Span, width, height int) []domain.Detection {
	var out []domain.Detection
	for _, s := range spans {
		if s.Err != nil {
			p.LogSkipped(s)
			continue
		}
		for _, b := range s.Boxes {
			out = append(out, domain.Detection{
				Label: s.Label,
				Box:   Denormalize(b, width, height),
			})
		}
	}
	return out
}

// LogSkipped records a span dropped because of a malformed coordinate literal.
func (p *Parser) LogSkipped(s Span) {
	err := domain.DetectionParseError("malformed coordinates", s.Err)
	p.logger.Warn().
		Err(err).
		Str("label", s.Label).
		Str("coords", truncate(s.Coords, 80)).
		Msg("Skipping detection")
}

// Labels joins detection labels for display when a page has no text.
func Labels(dets []domain.Detection) string {
	labels := make([]string, len(dets))
	for i, d := range dets {
		labels[i] = d.Label
	}
	return strings.Join(labels, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// DisplayText is the text shown for a single image: spans replaced by their
// labels, or the joined detection labels when nothing else is left.
func DisplayText(text string, dets []domain.Detection) string {
	out := InlineLabels(text)
	if out == "" && len(dets) > 0 {
		return Labels(dets)
	}
	return out
}
