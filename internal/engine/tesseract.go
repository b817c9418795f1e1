package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
)

// TesseractModel is the model id reported by the local engine.
const TesseractModel = "tesseract"

// TextBlock is one recognized block in pixel coordinates.
type TextBlock struct {
	Text string
	Box  image.Rectangle
}

// TesseractClient is a local engine backed by libtesseract. It emits the same
// grounding markup as the model, one "text" span per block, so the rest of the
// pipeline does not care which engine produced the page.
type TesseractClient struct {
	languages []string
	endMarker string
	logger    *observability.Logger
}

// NewTesseractClient creates a local engine. An empty endMarker selects the
// default model marker.
func NewTesseractClient(languages []string, endMarker string, logger *observability.Logger) *TesseractClient {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	if endMarker == "" {
		endMarker = domain.DefaultEndMarker
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &TesseractClient{
		languages: languages,
		endMarker: endMarker,
		logger:    logger.WithComponent("tesseract"),
	}
}

func (t *TesseractClient) Model() string { return TesseractModel }

// Generate recognizes the whole image up front and replays the result as a
// stream of growing snapshots, one block at a time.
func (t *TesseractClient) Generate(ctx context.Context, input domain.ModelInput, _ domain.SamplingConfig, sessionID string) (domain.SnapshotStream, error) {
	if !input.HasImage() {
		return nil, domain.ValidationError("tesseract engine requires an image", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(input.ImageData))
	if err != nil {
		return nil, domain.APIError("Failed to decode engine input", err)
	}

	blocks, err := t.recognize(input.ImageData)
	if err != nil {
		return nil, err
	}

	grounded := strings.Contains(input.Prompt, domain.GroundingToken)
	t.logger.Debug().
		Str("session", sessionID).
		Int("blocks", len(blocks)).
		Bool("grounding", grounded).
		Msg("Recognition finished")

	return &replayStream{pieces: Markup(blocks, cfg.Width, cfg.Height, grounded, t.endMarker)}, nil
}

// Markup renders blocks the way the model writes a page: an optional
// grounding span followed by the block text. The last piece is the end marker.
func Markup(blocks []TextBlock, width, height int, grounded bool, endMarker string) []string {
	pieces := make([]string, 0, len(blocks)+1)
	for _, b := range blocks {
		var sb strings.Builder
		if grounded && width > 0 && height > 0 {
			fmt.Fprintf(&sb, "<|ref|>text<|/ref|><|det|>[[%d, %d, %d, %d]]<|/det|>\n",
				normalize(b.Box.Min.X, width),
				normalize(b.Box.Min.Y, height),
				normalize(b.Box.Max.X, width),
				normalize(b.Box.Max.Y, height))
		}
		sb.WriteString(b.Text)
		sb.WriteString("\n\n")
		pieces = append(pieces, sb.String())
	}
	return append(pieces, endMarker)
}

func normalize(v, dim int) int {
	return (v*999 + dim/2) / dim
}

// replayStream yields the cumulative text of pieces, finishing with "stop".
type replayStream struct {
	pieces []string
	pos    int
	text   strings.Builder
}

func (r *replayStream) Next(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	if r.pos >= len(r.pieces) {
		return domain.Snapshot{}, io.EOF
	}
	r.text.WriteString(r.pieces[r.pos])
	r.pos++

	snap := domain.Snapshot{Text: r.text.String()}
	if r.pos == len(r.pieces) {
		snap.FinishReason = domain.FinishStop
	}
	return snap, nil
}

func (r *replayStream) Close() error { return nil }
