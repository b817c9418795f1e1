// Package pipeline composes rasterization, preprocessing, generation,
// grounding, rendering and assembly into document requests.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/doc-ocr/internal/assemble"
	"github.com/spherical/doc-ocr/internal/cache"
	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/generation"
	"github.com/spherical/doc-ocr/internal/grounding"
	"github.com/spherical/doc-ocr/internal/observability"
	"github.com/spherical/doc-ocr/internal/pdf"
	"github.com/spherical/doc-ocr/internal/preprocess"
	"github.com/spherical/doc-ocr/internal/render"
)

// Stage names a phase reported to a ProgressFunc.
type Stage string

const (
	StagePreprocess Stage = "preprocess"
	StageGenerate   Stage = "generate"
)

// ProgressFunc is called as pages finish a stage. It may be called from
// worker goroutines.
type ProgressFunc func(stage Stage, done, total int)

// Pipeline runs document requests against one engine.
type Pipeline struct {
	engine       domain.Engine
	store        domain.OutputStore
	rasterizer   *pdf.Rasterizer
	preprocessor domain.Preprocessor
	workers      int
	policy       preprocess.FailurePolicy
	generation   generation.Config
	parser       *grounding.Parser
	renderer     *render.Renderer
	preview      *render.Renderer
	cache        *cache.ResultCache
	quality      int
	progress     ProgressFunc
	logger       *observability.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRasterizer replaces the default 144 dpi rasterizer.
func WithRasterizer(r *pdf.Rasterizer) Option {
	return func(p *Pipeline) { p.rasterizer = r }
}

// WithPreprocessor replaces the JPEG preprocessor.
func WithPreprocessor(pp domain.Preprocessor) Option {
	return func(p *Pipeline) { p.preprocessor = pp }
}

// WithWorkers sets the preprocessing pool size.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithFailurePolicy decides what a failed page preprocess means.
func WithFailurePolicy(policy preprocess.FailurePolicy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// WithGeneration sets end marker and repeat-skip handling.
func WithGeneration(cfg generation.Config) Option {
	return func(p *Pipeline) { p.generation = cfg }
}

// WithRenderer replaces the annotation renderer used for documents.
func WithRenderer(r *render.Renderer) Option {
	return func(p *Pipeline) { p.renderer = r }
}

// WithCache serves repeated documents from a result cache.
func WithCache(c *cache.ResultCache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithJPEGQuality sets the quality of page frames and crops.
func WithJPEGQuality(q int) Option {
	return func(p *Pipeline) { p.quality = q }
}

// WithProgress reports per-page progress.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// New creates a pipeline. Each document request writes to its own directory
// under store. The engine is owned by the caller.
func New(engine domain.Engine, store domain.OutputStore, logger *observability.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = observability.Nop()
	}
	p := &Pipeline{
		engine:     engine,
		store:      store,
		workers:    preprocess.DefaultWorkers,
		policy:     preprocess.PolicyTruncate,
		generation: generation.DefaultConfig(),
		quality:    assemble.DefaultJPEGQuality,
		logger:     logger.WithComponent("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.rasterizer == nil {
		p.rasterizer = pdf.NewRasterizer(logger)
	}
	if p.preprocessor == nil {
		p.preprocessor = preprocess.ImagePreprocessor{Quality: p.quality}
	}
	if p.renderer == nil {
		p.renderer = render.NewRenderer(logger, render.WithJPEGQuality(p.quality))
	}
	p.preview = render.NewRenderer(logger)
	p.parser = grounding.NewParser(logger)
	return p
}

// Model returns the engine's model id.
func (p *Pipeline) Model() string {
	return p.engine.Model()
}

// NewRequestID returns an id of the form pdfocr-xxxxxxxx.
func NewRequestID() string {
	return "pdfocr-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ProcessDocument runs a PDF to completion and persists its artifacts.
func (p *Pipeline) ProcessDocument(ctx context.Context, pdfBytes []byte, prompt string, sampling domain.SamplingConfig) (*domain.OutputBundle, error) {
	key := cache.ResultKey(pdfBytes, prompt, sampling, p.engine.Model())
	if cached, err := p.cache.Get(ctx, key); err == nil {
		p.logger.Info().Str("request_id", cached.RequestID).Msg("Serving document from cache")
		return cached, nil
	}

	requestID := NewRequestID()
	pages, err := p.rasterize(ctx, requestID, pdfBytes)
	if err != nil {
		return nil, err
	}

	out, err := p.run(ctx, requestID, pages, prompt, sampling, nil)
	if err != nil {
		return out, err
	}
	p.cache.Set(ctx, key, out)
	return out, nil
}

// ProcessDocumentStreaming rasterizes the PDF, then generates in the
// background. The channel carries deltas tagged with their page and ends with
// a complete event, sent after the artifacts are persisted, or an error
// event. It is closed when the run ends. A page dropped by repeat-skip is
// followed by a page_discarded event; its deltas were already sent.
func (p *Pipeline) ProcessDocumentStreaming(ctx context.Context, pdfBytes []byte, prompt string, sampling domain.SamplingConfig) (<-chan domain.StreamEvent, error) {
	requestID := NewRequestID()
	pages, err := p.rasterize(ctx, requestID, pdfBytes)
	if err != nil {
		return nil, err
	}

	key := cache.ResultKey(pdfBytes, prompt, sampling, p.engine.Model())
	events := make(chan domain.StreamEvent, eventBuffer)

	go func() {
		defer close(events)
		emit := func(ev domain.StreamEvent) { emitEvent(ctx, events, ev) }

		out, err := p.run(ctx, requestID, pages, prompt, sampling, emit)
		if err != nil {
			emitError(ctx, events, err)
			return
		}
		p.cache.Set(ctx, key, out)
		emit(domain.StreamEvent{Type: domain.EventComplete, PageIndex: domain.NoPage, Payload: out})
	}()

	return events, nil
}

func (p *Pipeline) rasterize(ctx context.Context, requestID string, pdfBytes []byte) ([]domain.Page, error) {
	start := time.Now()
	pages, err := p.rasterizer.Rasterize(ctx, pdfBytes)
	if err != nil {
		var de *domain.DomainError
		if errors.As(err, &de) {
			return nil, de.WithRequest(requestID)
		}
		return nil, err
	}
	p.logger.Info().
		Str("request_id", requestID).
		Int("pages", len(pages)).
		Dur("elapsed", time.Since(start)).
		Msg("Document rasterized")
	return pages, nil
}

// run preprocesses in parallel, then generates page by page in order. All
// artifacts go to the request's own directory, which is removed again if the
// run fails before persisting or is cancelled. A persistence failure keeps
// what was written and reports it in the returned bundle.
func (p *Pipeline) run(ctx context.Context, requestID string, pages []domain.Page, prompt string, sampling domain.SamplingConfig, emit func(domain.StreamEvent)) (out *domain.OutputBundle, err error) {
	if emit == nil {
		emit = func(domain.StreamEvent) {}
	}
	log := p.logger.WithRequest(requestID)
	start := time.Now()

	store, err := p.store.Scope(requestID)
	if err != nil {
		return nil, withRequest(err, requestID)
	}
	defer func() {
		if err == nil || (out != nil && ctx.Err() == nil) {
			return
		}
		if rmErr := store.Remove(); rmErr != nil {
			log.Warn().Err(rmErr).Msg("Failed to remove partial artifacts")
		}
		out = nil
	}()

	emit(domain.StreamEvent{
		Type:      domain.EventStart,
		PageIndex: domain.NoPage,
		Payload:   map[string]interface{}{"request_id": requestID, "pages": len(pages)},
	})

	total := len(pages)
	pool := preprocess.NewPool(p.preprocessor, p.workers, log)
	inputs, errs := pool.Run(ctx, pages, prompt, p.countProgress(StagePreprocess, total))
	inputs, err = preprocess.Apply(p.policy, inputs, errs)
	if err != nil {
		return nil, withRequest(err, requestID)
	}
	if len(inputs) < total {
		log.Warn().Int("kept", len(inputs)).Int("pages", total).Msg("Document truncated at first failed page")
	}

	consumer := generation.NewConsumer(p.engine, p.generation, log)
	bundle := assemble.NewBundle(requestID, total)

	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := pages[in.PageIndex]

		emit(domain.StreamEvent{Type: domain.EventPageProcessing, PageIndex: in.PageIndex})

		outcome, err := consumer.Run(ctx, requestID, in, sampling, func(delta string) {
			emit(domain.StreamEvent{Type: domain.EventDelta, PageIndex: in.PageIndex, Delta: delta})
		})
		if err != nil {
			return nil, withRequest(err, requestID)
		}
		p.report(StageGenerate, i+1, len(inputs))

		if outcome.Discarded {
			bundle.Discard(in.PageIndex)
			emit(domain.StreamEvent{Type: domain.EventPageDiscarded, PageIndex: in.PageIndex})
			continue
		}

		annotated, err := p.renderer.RenderTo(ctx, store, page, grounding.FindSpans(outcome.Text))
		if err != nil {
			log.Warn().Err(err).Int("page", in.PageIndex).Msg("Page kept without annotations")
			annotated = nil
		}
		bundle.AddPage(assemble.PageResult{PageIndex: in.PageIndex, Text: outcome.Text, Annotated: annotated})

		emit(domain.StreamEvent{Type: domain.EventPageComplete, PageIndex: in.PageIndex})
	}

	out, err = assemble.Persist(ctx, store, bundle, p.quality)
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist artifacts")
		return out, err
	}

	log.Info().
		Int("pages", total).
		Int("contributed", out.PageCount).
		Ints("discarded", out.Discarded).
		Dur("elapsed", time.Since(start)).
		Msg("Document processed")
	return out, nil
}

func (p *Pipeline) countProgress(stage Stage, total int) func() {
	if p.progress == nil {
		return nil
	}
	var done atomic.Int64
	return func() {
		p.progress(stage, int(done.Add(1)), total)
	}
}

func (p *Pipeline) report(stage Stage, done, total int) {
	if p.progress != nil {
		p.progress(stage, done, total)
	}
}

func withRequest(err error, requestID string) error {
	var de *domain.DomainError
	if errors.As(err, &de) && de.RequestID == "" {
		return de.WithRequest(requestID)
	}
	return err
}
