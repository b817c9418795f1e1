package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical/doc-ocr/internal/api"
	"github.com/spherical/doc-ocr/internal/queue"
	"github.com/spherical/doc-ocr/internal/source"
	"github.com/spherical/doc-ocr/internal/storage"
)

var (
	serveHost       string
	servePort       int
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the OCR HTTP API",
	Long: `Serve /v1/chat/completions, /v1/models, /ocr and /health. When the queue
is enabled, /v1/jobs accepts documents for background processing.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also process queued jobs in this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger := newLogger(cfg, false)
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	fetcher := source.NewFetcher(cfg.Engine.Timeout, cfg.Server.MaxUploadBytes)
	opts := []api.Option{api.WithFetcher(fetcher)}

	var worker *queue.Worker
	if cfg.Queue.Enabled {
		db, jobs, err := openJobs(context.Background(), a)
		if err != nil {
			return err
		}
		defer db.Close()

		client, err := queue.NewClient(cfg.Queue)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, api.WithJobs(jobs, client))

		if serveWithWorker {
			worker, err = startWorker(a, jobs, fetcher)
			if err != nil {
				return err
			}
			defer worker.Shutdown()
		}
	} else if serveWithWorker {
		return fmt.Errorf("--with-worker requires queue.enabled")
	}

	server := api.NewServer(a.pipeline, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		UploadDir:      filepath.Join(cfg.Output.Dir, "uploads"),
	}, logger, opts...)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("model", a.pipeline.Model()).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
	return nil
}

func startWorker(a *app, jobs *storage.JobRepository, fetcher *source.Fetcher) (*queue.Worker, error) {
	handler := queue.NewHandler(a.pipeline, jobs, fetcher, a.logger)
	worker, err := queue.NewWorker(a.cfg.Queue, handler, a.logger)
	if err != nil {
		return nil, err
	}
	if err := worker.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return worker, nil
}

func openJobs(ctx context.Context, a *app) (*sql.DB, *storage.JobRepository, error) {
	db, err := storage.Open(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db, storage.NewJobRepository(db), nil
}
