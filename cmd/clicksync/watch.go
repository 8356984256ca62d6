package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nettsmed/clicksync/internal/backfill"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a drop directory for backfill dumps (foreground)",
	Long: `Watch the configured backfill directory for JSON record dumps.

A dump is a JSON array of raw source records named {entity}-*.json, for
example time_entries-2026-01.json. Each dump runs through the normal
transform, dedup and stage path and is merged additively into the
warehouse; dumps can never delete existing history. Processed files move
to a processed/ subdirectory.

Requires CLICKSYNC_BACKFILL_DIR.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.BackfillDir == "" {
			fmt.Fprintf(os.Stderr, "Error: backfill_dir is not configured\n")
			os.Exit(1)
		}

		runner, wh, err := buildRunner(cfg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wh.Close()

		w, err := backfill.New(cfg.BackfillDir, runner, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating watcher: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Watching %s for backfill dumps\n", cfg.BackfillDir)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := w.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Watcher stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
