package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/spherical/doc-ocr/internal/config"
	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
	"github.com/spherical/doc-ocr/internal/source"
)

// DocumentProcessor runs one document to completion.
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, pdfBytes []byte, prompt string, sampling domain.SamplingConfig) (*domain.OutputBundle, error)
}

// JobLedger records job progress.
type JobLedger interface {
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, bundle *domain.OutputBundle) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

// Handler processes document:ocr tasks.
type Handler struct {
	processor DocumentProcessor
	jobs      JobLedger
	fetcher   *source.Fetcher
	logger    *observability.Logger
}

// NewHandler creates a task handler.
func NewHandler(processor DocumentProcessor, jobs JobLedger, fetcher *source.Fetcher, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.Nop()
	}
	if fetcher == nil {
		fetcher = source.NewFetcher(0, 0)
	}
	return &Handler{
		processor: processor,
		jobs:      jobs,
		fetcher:   fetcher,
		logger:    logger.WithComponent("queue"),
	}
}

// ProcessTask implements asynq.Handler. Input errors are not retried.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	start := time.Now()

	var p DocumentPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal document payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", p.JobID, asynq.SkipRetry)
	}

	log := h.logger.With().Str("job_id", p.JobID).Logger()
	if err := h.jobs.MarkRunning(ctx, jobID); err != nil {
		log.Warn().Err(err).Msg("Failed to mark job running")
	}

	doc, err := h.load(ctx, p)
	if err == nil && doc.Kind != source.KindPDF {
		err = domain.ValidationError("job source is not a PDF", nil)
	}
	if err != nil {
		return h.fail(ctx, log, jobID, err)
	}

	bundle, err := h.processor.ProcessDocument(ctx, doc.Data, p.Prompt, p.Sampling)
	if err != nil {
		return h.fail(ctx, log, jobID, err)
	}

	if err := h.jobs.MarkCompleted(ctx, jobID, bundle); err != nil {
		log.Error().Err(err).Msg("Failed to mark job completed")
		return err
	}

	log.Info().
		Str("request_id", bundle.RequestID).
		Int("pages", bundle.PageCount).
		Dur("elapsed", time.Since(start)).
		Msg("Job completed")
	return nil
}

func (h *Handler) load(ctx context.Context, p DocumentPayload) (source.Document, error) {
	if p.PDFURL != "" {
		return h.fetcher.Fetch(ctx, p.PDFURL)
	}
	return source.ReadFile(p.PDFPath)
}

func (h *Handler) fail(ctx context.Context, log *observability.Logger, jobID uuid.UUID, cause error) error {
	log.Error().Err(cause).Msg("Job failed")
	if err := h.jobs.MarkFailed(ctx, jobID, cause); err != nil {
		log.Warn().Err(err).Msg("Failed to mark job failed")
	}
	if domain.IsType(cause, domain.ErrorTypeValidation) || domain.IsType(cause, domain.ErrorTypeDocumentParse) {
		return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
	}
	return cause
}

// Worker serves the document queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *observability.Logger
}

// NewWorker creates a worker bound to cfg's Redis and queue.
func NewWorker(cfg config.QueueConfig, handler *Handler, logger *observability.Logger) (*Worker, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, domain.ConfigError("parse queue redis url", err)
	}

	log := logger.WithComponent("worker")
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{queueName(cfg): 10},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(5*(1<<uint(n))) * time.Second
			if delay > time.Minute {
				delay = time.Minute
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("task", task.Type()).Msg("Task failed")
		}),
		Logger: asynqLogger{log},
	})

	mux := asynq.NewServeMux()
	mux.Handle(TypeDocumentOCR, handler)

	return &Worker{server: server, mux: mux, logger: log}, nil
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	w.logger.Info().Msg("Starting queue worker")
	return w.server.Start(w.mux)
}

// Shutdown waits for in-flight tasks and stops the worker.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	w.logger.Info().Msg("Queue worker stopped")
}

// asynqLogger adapts the service logger to asynq.Logger.
type asynqLogger struct {
	l *observability.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
