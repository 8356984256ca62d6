package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nettsmed/clicksync/internal/dashboard"
	"github.com/nettsmed/clicksync/internal/pipeline"
	"github.com/nettsmed/clicksync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long: `Start the HTTP server that schedulers POST to trigger syncs.

Endpoints:
  POST /sync/refresh       windowed refresh of recent time entries
  POST /sync/full_reindex  additive reindex of the complete history
  POST /sync/{entity}      sync one entity type
  GET  /health             health check

When CLICKSYNC_DASHBOARD_PORT is set, a WebSocket feed of run events is
served on that port at /ws.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		var events pipeline.EventSink
		var dash *dashboard.Server
		if cfg.DashboardPort > 0 {
			dash = dashboard.NewServer(&dashboard.Config{Port: cfg.DashboardPort})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			events = dash
		}

		runner, wh, err := buildRunner(cfg, events)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer wh.Close()

		srv := server.New(runner, server.Config{
			Port:    cfg.ServerPort,
			LogFile: cfg.LogFile,
		})

		// Serve until interrupted, then drain in-flight runs.
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		case sig := <-sigCh:
			fmt.Printf("\nReceived %v, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			}
			if dash != nil {
				if err := dash.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
