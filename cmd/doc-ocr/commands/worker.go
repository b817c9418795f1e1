package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical/doc-ocr/internal/source"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued document jobs",
	Long:  "Consume document:ocr tasks from the Redis queue and record results in the job ledger.",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Queue.Enabled {
		return fmt.Errorf("queue is disabled; set queue.enabled in the config")
	}

	logger := newLogger(cfg, false)
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	db, jobs, err := openJobs(context.Background(), a)
	if err != nil {
		return err
	}
	defer db.Close()

	worker, err := startWorker(a, jobs, source.NewFetcher(cfg.Engine.Timeout, cfg.Server.MaxUploadBytes))
	if err != nil {
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	worker.Shutdown()
	return nil
}
