package commands

import (
	"fmt"
	"os"

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

// app is the wiring shared by every command.
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	store    *storage.FileStore
	cache    cache.Client
	pipeline *pipeline.Pipeline
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger writes to stderr. Interactive commands log in console format and
// only show warnings unless --verbose is set.
func newLogger(cfg *config.Config, interactive bool) *observability.Logger {
	level, format := cfg.Observability.LogLevel, cfg.Observability.LogFormat
	if interactive {
		level, format = "warn", "console"
	}
	if verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      format,
		Output:      os.Stderr,
		ServiceName: cfg.Observability.ServiceName,
	})
}

func newEngine(cfg *config.Config, logger *observability.Logger) domain.Engine {
	if cfg.Engine.Driver == "tesseract" {
		return engine.NewTesseractClient(cfg.Engine.Languages, cfg.Pipeline.EndMarker, logger)
	}
	return engine.NewOpenAIClient(engine.OpenAIConfig{
		BaseURL: cfg.Engine.BaseURL,
		APIKey:  cfg.Engine.APIKey,
		Model:   cfg.Engine.Model,
		Timeout: cfg.Engine.Timeout,
	}, logger)
}

// newApp builds the pipeline from cfg. extra options are applied last.
func newApp(cfg *config.Config, logger *observability.Logger, extra ...pipeline.Option) (*app, error) {
	store, err := storage.NewFileStore(cfg.Output.Dir)
	if err != nil {
		return nil, err
	}

	client, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	rasterizer := pdf.NewRasterizer(logger,
		pdf.WithDPI(cfg.Pipeline.DPI),
		pdf.WithMaxPixels(cfg.Pipeline.MaxPixels),
	)

	opts := []pipeline.Option{
		pipeline.WithRasterizer(rasterizer),
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithFailurePolicy(preprocess.FailurePolicy(cfg.Pipeline.FailurePolicy)),
		pipeline.WithGeneration(generation.Config{
			EndMarker:  cfg.Pipeline.EndMarker,
			SkipRepeat: cfg.Pipeline.SkipRepeat,
		}),
		pipeline.WithJPEGQuality(cfg.Pipeline.JPEGQuality),
		pipeline.WithCache(cache.NewResultCache(client, cfg.Cache.TTL, logger)),
	}
	opts = append(opts, extra...)

	logger.Info().
		Str("engine", cfg.Engine.Driver).
		Str("model", cfg.Engine.Model).
		Str("output", store.Root()).
		Str("cache", cfg.Cache.Driver).
		Msg("Pipeline configured")

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		cache:    client,
		pipeline: pipeline.New(newEngine(cfg, logger), store, logger, opts...),
	}, nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close cache")
		}
	}
}
