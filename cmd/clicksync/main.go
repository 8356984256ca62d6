// Command clicksync syncs ClickUp time tracking and CRM data into a
// local SQLite analytical warehouse.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nettsmed/clicksync/internal/clickup"
	"github.com/nettsmed/clicksync/internal/config"
	"github.com/nettsmed/clicksync/internal/pipeline"
	"github.com/nettsmed/clicksync/internal/transform"
	"github.com/nettsmed/clicksync/internal/warehouse"
)

var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "clicksync",
	Short:   "ClickUp to warehouse sync",
	Version: Version,
	Long: `clicksync pulls time entries, the space/folder/list hierarchy, tasks
and CRM lists from ClickUp and loads them into a local SQLite warehouse.

Configuration comes from CLICKSYNC_* environment variables, optionally
layered over a YAML file passed with --config. CLICKSYNC_API_TOKEN and
CLICKSYNC_TEAM_ID are always required.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
}

// loadConfig reads and validates configuration, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// buildRunner wires a pipeline runner from configuration. The caller owns
// the returned warehouse handle and must Close it.
func buildRunner(cfg *config.Config, events pipeline.EventSink) (*pipeline.Runner, *warehouse.DB, error) {
	client, err := clickup.New(clickup.Options{
		BaseURL:           cfg.BaseURL,
		Token:             cfg.APIToken,
		TeamID:            cfg.TeamID,
		Assignees:         cfg.Assignees,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create source client: %w", err)
	}

	wh, err := warehouse.Open(cfg.WarehousePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	if err := wh.InitSchema(); err != nil {
		wh.Close()
		return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	mapping := transform.DefaultMapping()
	if cfg.MappingFile != "" {
		mapping, err = transform.LoadMapping(cfg.MappingFile)
		if err != nil {
			wh.Close()
			return nil, nil, fmt.Errorf("failed to load field mapping: %w", err)
		}
	}
	tf, err := transform.New(mapping, nil)
	if err != nil {
		wh.Close()
		return nil, nil, fmt.Errorf("failed to create transformer: %w", err)
	}

	reindexSince, err := time.Parse("2006-01-02", cfg.ReindexSince)
	if err != nil {
		wh.Close()
		return nil, nil, &config.ConfigurationError{Param: "reindex_since", Reason: "must be YYYY-MM-DD"}
	}

	runner := pipeline.NewRunner(client, wh, tf, pipeline.Options{
		LookbackDays:     cfg.LookbackDays,
		ReindexSince:     reindexSince,
		FetchParallelism: cfg.FetchParallelism,
		AuditDir:         cfg.AuditDir,
		AccountsListID:   cfg.AccountsListID,
		AppsListID:       cfg.AppsListID,
	}, nil, events)
	return runner, wh, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
