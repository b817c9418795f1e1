package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical/doc-ocr/cmd/doc-ocr/ui"
	"github.com/spherical/doc-ocr/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the result cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every cached document result",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := cache.New(cfg.Cache)
		if err != nil {
			return fmt.Errorf("create cache: %w", err)
		}
		if client == nil {
			ui.Info("Cache is disabled")
			return nil
		}
		defer client.Close()

		rc := cache.NewResultCache(client, cfg.Cache.TTL, newLogger(cfg, true))
		if err := rc.Purge(context.Background()); err != nil {
			return fmt.Errorf("purge cache: %w", err)
		}
		ui.Success("Purged %s cache", cfg.Cache.Driver)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
