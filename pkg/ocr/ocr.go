// Package ocr is the library entry point for document OCR.
package ocr

import (
	"context"
	"os"

	"github.com/joho/godotenv"

	"github.com/spherical/doc-ocr/internal/cache"
	"github.com/spherical/doc-ocr/internal/config"
	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/engine"
	"github.com/spherical/doc-ocr/internal/generation"
	"github.com/spherical/doc-ocr/internal/observability"
	"github.com/spherical/doc-ocr/internal/pdf"
	"github.com/spherical/doc-ocr/internal/pipeline"
	"github.com/spherical/doc-ocr/internal/preprocess"
	"github.com/spherical/doc-ocr/internal/storage"
)

// Re-export types for the public API
type (
	Config         = config.Config
	Engine         = domain.Engine
	Page           = domain.Page
	Detection      = domain.Detection
	AnnotatedPage  = domain.AnnotatedPage
	OutputBundle   = domain.OutputBundle
	SamplingConfig = domain.SamplingConfig
	StreamEvent    = domain.StreamEvent
	EventType      = domain.EventType
	ErrorPayload   = pipeline.ErrorPayload
	ImageResult    = pipeline.ImageResult
)

// Event type constants
const (
	EventStart          = domain.EventStart
	EventPageProcessing = domain.EventPageProcessing
	EventDelta          = domain.EventDelta
	EventPageComplete   = domain.EventPageComplete
	EventPageDiscarded  = domain.EventPageDiscarded
	EventError          = domain.EventError
	EventComplete       = domain.EventComplete
)

// Prompt types accepted by BuildPrompt
const (
	PromptDocument = preprocess.PromptDocument
	PromptFree     = preprocess.PromptFree
	PromptFigure   = preprocess.PromptFigure
	PromptDescribe = preprocess.PromptDescribe
	PromptFind     = preprocess.PromptFind
	PromptFreeform = preprocess.PromptFreeform
)

// BuildPrompt returns the engine prompt for a prompt type.
func BuildPrompt(promptType, customPrompt, findTerm string) string {
	return preprocess.BuildPrompt(promptType, customPrompt, findTerm)
}

// DefaultSampling returns greedy decoding with the model's token budget.
func DefaultSampling() SamplingConfig {
	return domain.DefaultSampling()
}

// DefaultConfig returns the development defaults.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// Client runs documents through one engine. Each document's artifacts go to
// {output}/{request_id}/.
type Client struct {
	pipeline *pipeline.Pipeline
	cache    cache.Client
}

// NewClient loads .env and the config file at path, which may be empty.
func NewClient(path string) (*Client, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewClientWithConfig(cfg)
}

// NewClientWithConfig builds a client from cfg. Logs go to stderr.
func NewClientWithConfig(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		Output:      os.Stderr,
		ServiceName: cfg.Observability.ServiceName,
	})

	var eng Engine
	if cfg.Engine.Driver == "tesseract" {
		eng = engine.NewTesseractClient(cfg.Engine.Languages, cfg.Pipeline.EndMarker, logger)
	} else {
		eng = engine.NewOpenAIClient(engine.OpenAIConfig{
			BaseURL: cfg.Engine.BaseURL,
			APIKey:  cfg.Engine.APIKey,
			Model:   cfg.Engine.Model,
			Timeout: cfg.Engine.Timeout,
		}, logger)
	}

	return newClient(eng, cfg, logger)
}

// NewClientWithEngine builds a client around a caller-supplied engine.
// Nothing is logged.
func NewClientWithEngine(eng Engine, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newClient(eng, cfg, observability.Nop())
}

func newClient(eng Engine, cfg *Config, logger *observability.Logger) (*Client, error) {
	store, err := storage.NewFileStore(cfg.Output.Dir)
	if err != nil {
		return nil, err
	}
	cc, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(eng, store, logger,
		pipeline.WithRasterizer(pdf.NewRasterizer(logger,
			pdf.WithDPI(cfg.Pipeline.DPI),
			pdf.WithMaxPixels(cfg.Pipeline.MaxPixels),
		)),
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithFailurePolicy(preprocess.FailurePolicy(cfg.Pipeline.FailurePolicy)),
		pipeline.WithGeneration(generation.Config{
			EndMarker:  cfg.Pipeline.EndMarker,
			SkipRepeat: cfg.Pipeline.SkipRepeat,
		}),
		pipeline.WithJPEGQuality(cfg.Pipeline.JPEGQuality),
		pipeline.WithCache(cache.NewResultCache(cc, cfg.Cache.TTL, logger)),
	)
	return &Client{pipeline: p, cache: cc}, nil
}

// Model returns the engine's model id.
func (c *Client) Model() string {
	return c.pipeline.Model()
}

// ProcessDocument runs a PDF to completion.
func (c *Client) ProcessDocument(ctx context.Context, pdfBytes []byte, prompt string, sampling SamplingConfig) (*OutputBundle, error) {
	return c.pipeline.ProcessDocument(ctx, pdfBytes, prompt, sampling)
}

// ProcessDocumentStreaming returns a channel of events that ends with a
// complete or error event and is then closed.
func (c *Client) ProcessDocumentStreaming(ctx context.Context, pdfBytes []byte, prompt string, sampling SamplingConfig) (<-chan StreamEvent, error) {
	return c.pipeline.ProcessDocumentStreaming(ctx, pdfBytes, prompt, sampling)
}

// ProcessImage runs a single image. onDelta may be nil.
func (c *Client) ProcessImage(ctx context.Context, data []byte, prompt string, sampling SamplingConfig, onDelta func(string)) (*ImageResult, error) {
	return c.pipeline.ProcessImage(ctx, data, prompt, sampling, onDelta)
}

// ParseAndRenderSinglePage extracts detections from text produced for page
// and draws them on a copy of it.
func (c *Client) ParseAndRenderSinglePage(ctx context.Context, pageText string, page Page) ([]Detection, *AnnotatedPage, error) {
	return c.pipeline.ParseAndRenderSinglePage(ctx, pageText, page)
}

// Close releases the result cache.
func (c *Client) Close() error {
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}
