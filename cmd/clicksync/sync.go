package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nettsmed/clicksync/internal/pipeline"
	"github.com/nettsmed/clicksync/internal/schema"
)

var (
	syncEntity string
	syncMode   string
	syncDays   int
	syncJSON   bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync synchronously",
	Long: `Run one sync pipeline to completion and print its summary.

Examples:
  clicksync sync                                     # refresh recent time entries
  clicksync sync --days 7                            # refresh the last week only
  clicksync sync --mode full_reindex                 # merge the complete history
  clicksync sync --entity lists                      # sync the hierarchy
  clicksync sync --entity accounts                   # sync the accounts CRM list`,
	Run: func(cmd *cobra.Command, args []string) {
		entity, err := schema.ParseEntityType(syncEntity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cfg := loadConfig()
		runner, wh, err := buildRunner(cfg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wh.Close()

		summary, err := runner.Run(context.Background(), pipeline.RunRequest{
			Entity:       entity,
			Mode:         pipeline.Mode(syncMode),
			LookbackDays: syncDays,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			if summary != nil && syncJSON {
				printSummaryJSON(summary)
			}
			os.Exit(1)
		}

		if syncJSON {
			printSummaryJSON(summary)
			return
		}
		fmt.Printf("Sync complete in %v\n", summary.Duration.Round(time.Millisecond))
		fmt.Printf("   Entity: %s (%s)\n", summary.Entity, summary.Mode)
		if summary.WindowsAttempted > 1 {
			fmt.Printf("   Windows: %d ok, %d failed\n", summary.WindowsSucceeded, summary.WindowsFailed)
		}
		fmt.Printf("   Fetched: %d (%d requests, %d retries)\n", summary.RecordsFetched, summary.Requests, summary.Retries)
		fmt.Printf("   Dropped: %d\n", summary.RecordsDropped)
		fmt.Printf("   Committed: %d\n", summary.RecordsCommitted)
		if summary.RowsDeleted > 0 {
			fmt.Printf("   Replaced: %d rows in the refresh range\n", summary.RowsDeleted)
		}
		if summary.PageCapHit {
			fmt.Printf("   Warning: task pagination cap hit, results may be incomplete\n")
		}
	},
}

func printSummaryJSON(s *pipeline.Summary) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding summary: %v\n", err)
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncEntity, "entity", "time_entries", "entity to sync: time_entries, lists, tasks, accounts, apps")
	syncCmd.Flags().StringVar(&syncMode, "mode", "refresh", "commit mode for time entries: refresh or full_reindex")
	syncCmd.Flags().IntVar(&syncDays, "days", 0, "override the refresh lookback in days")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the run summary as JSON")
	rootCmd.AddCommand(syncCmd)
}
