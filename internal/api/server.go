// Package api serves the OCR pipeline over HTTP: an OpenAI-style chat
// endpoint, a multipart OCR endpoint and asynchronous document jobs.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
	"github.com/spherical/doc-ocr/internal/pipeline"
	"github.com/spherical/doc-ocr/internal/queue"
	"github.com/spherical/doc-ocr/internal/source"
	"github.com/spherical/doc-ocr/internal/storage"
)

// Processor is the pipeline surface the handlers use.
type Processor interface {
	Model() string
	ProcessDocument(ctx context.Context, pdfBytes []byte, prompt string, sampling domain.SamplingConfig) (*domain.OutputBundle, error)
	ProcessDocumentStreaming(ctx context.Context, pdfBytes []byte, prompt string, sampling domain.SamplingConfig) (<-chan domain.StreamEvent, error)
	ProcessImage(ctx context.Context, data []byte, prompt string, sampling domain.SamplingConfig, onDelta func(string)) (*pipeline.ImageResult, error)
	GenerateText(ctx context.Context, prompt string, sampling domain.SamplingConfig, onDelta func(string)) (string, error)
}

// JobStore is the job ledger.
type JobStore interface {
	Create(ctx context.Context, job *storage.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Job, error)
}

// Enqueuer submits document jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.DocumentPayload) error
}

// Config holds HTTP-layer settings.
type Config struct {
	RequestTimeout time.Duration
	MaxUploadBytes int64
	AllowedOrigins []string
	// UploadDir receives uploaded job documents until a worker picks them up.
	UploadDir string
}

// Server holds handler dependencies.
type Server struct {
	processor Processor
	jobs      JobStore
	queue     Enqueuer
	fetcher   *source.Fetcher
	cfg       Config
	logger    *observability.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithJobs enables the /v1/jobs endpoints.
func WithJobs(jobs JobStore, q Enqueuer) Option {
	return func(s *Server) {
		s.jobs = jobs
		s.queue = q
	}
}

// WithFetcher replaces the remote document fetcher.
func WithFetcher(f *source.Fetcher) Option {
	return func(s *Server) { s.fetcher = f }
}

// NewServer creates the HTTP server state.
func NewServer(processor Processor, cfg Config, logger *observability.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = observability.Nop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = source.DefaultMaxBytes
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		processor: processor,
		cfg:       cfg,
		logger:    logger.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetcher == nil {
		s.fetcher = source.NewFetcher(30*time.Second, cfg.MaxUploadBytes)
	}
	return s
}

// Router returns the configured routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS(s.cfg.AllowedOrigins))
	if s.cfg.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/ocr", s.handleOCR)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Post("/chat/completions", s.handleChat)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/{id}", s.handleGetJob)
		})
	})

	return r
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// ModelCard describes one served model.
type ModelCard struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelList{
		Object: "list",
		Data:   []ModelCard{{ID: s.processor.Model(), Object: "model"}},
	})
}
