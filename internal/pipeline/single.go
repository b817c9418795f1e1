package pipeline

import (
	"context"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/generation"
	"github.com/spherical/doc-ocr/internal/grounding"
	"github.com/spherical/doc-ocr/internal/pdf"
)

// ImageResult is the outcome of a single-image request.
type ImageResult struct {
	RequestID  string
	RawText    string
	Text       string
	Detections []domain.Detection
	Width      int
	Height     int
	Annotated  *domain.AnnotatedPage
}

// ParseAndRenderSinglePage extracts every detection from pageText, image
// labels included, and draws them on a copy of page. Crops stay in memory.
func (p *Pipeline) ParseAndRenderSinglePage(ctx context.Context, pageText string, page domain.Page) ([]domain.Detection, *domain.AnnotatedPage, error) {
	dets := p.parser.AllDetections(pageText, page.Width, page.Height)
	annotated, err := p.preview.Render(ctx, page, grounding.FindSpans(pageText))
	if err != nil {
		return dets, nil, err
	}
	return dets, annotated, nil
}

// ProcessImage runs one uploaded image through the engine. The page is kept
// even when generation stops without the end marker.
func (p *Pipeline) ProcessImage(ctx context.Context, data []byte, prompt string, sampling domain.SamplingConfig, onDelta func(string)) (*ImageResult, error) {
	requestID := NewRequestID()
	page, err := pdf.DecodeImage(data, p.rasterizer.MaxPixels())
	if err != nil {
		return nil, withRequest(err, requestID)
	}

	in, err := p.preprocessor.Preprocess(ctx, page, prompt)
	if err != nil {
		return nil, withRequest(domain.PagePreprocessError(page.Index, err), requestID)
	}

	outcome, err := p.keepAll().Run(ctx, requestID, in, sampling, onDelta)
	if err != nil {
		return nil, withRequest(err, requestID)
	}

	dets, annotated, err := p.ParseAndRenderSinglePage(ctx, outcome.Text, page)
	if err != nil {
		p.logger.Warn().Err(err).Str("request_id", requestID).Msg("Image kept without annotations")
	}

	return &ImageResult{
		RequestID:  requestID,
		RawText:    outcome.Text,
		Text:       grounding.DisplayText(outcome.Text, dets),
		Detections: dets,
		Width:      page.Width,
		Height:     page.Height,
		Annotated:  annotated,
	}, nil
}

// GenerateText sends a prompt without an image and returns the finalized text.
func (p *Pipeline) GenerateText(ctx context.Context, prompt string, sampling domain.SamplingConfig, onDelta func(string)) (string, error) {
	requestID := NewRequestID()
	in := domain.PreprocessedInput{PageIndex: 0, Input: domain.ModelInput{Prompt: prompt}}
	outcome, err := p.keepAll().Run(ctx, requestID, in, sampling, onDelta)
	if err != nil {
		return "", withRequest(err, requestID)
	}
	return outcome.Text, nil
}

// keepAll returns a consumer that never discards, for requests that are not
// part of a document.
func (p *Pipeline) keepAll() *generation.Consumer {
	cfg := p.generation
	cfg.SkipRepeat = false
	return generation.NewConsumer(p.engine, cfg, p.logger)
}
