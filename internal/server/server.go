// Package server exposes the HTTP trigger surface for sync runs.
//
// The endpoints mirror the Cloud Run deployment contract: a scheduler
// POSTs /sync/refresh every few hours and /sync/full_reindex quarterly.
// Entity runs other than time entries are triggered via /sync/{entity}.
// Every response is a JSON envelope carrying the run summary, even on
// failure; a run rejected by single-flight returns 409.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nettsmed/clicksync/internal/config"
	"github.com/nettsmed/clicksync/internal/pipeline"
	"github.com/nettsmed/clicksync/internal/schema"
)

// Trigger runs sync pipelines. *pipeline.Runner implements it; tests
// substitute a fake.
type Trigger interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.Summary, error)
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080).
	Port int

	// LogFile, when set, routes request logging through a rotating file.
	LogFile string

	// Logger overrides the default logger; LogFile is ignored when set.
	Logger *log.Logger

	// RunTimeout bounds each triggered run (default: 30m).
	RunTimeout time.Duration
}

// Server is the HTTP trigger server.
type Server struct {
	trigger  Trigger
	logger   *log.Logger
	server   *http.Server
	listener net.Listener
	timeout  time.Duration
}

// New creates a trigger server.
func New(trigger Trigger, cfg Config) *Server {
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		var out io.Writer = os.Stderr
		if cfg.LogFile != "" {
			out = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    50, // megabytes
				MaxBackups: 5,
				MaxAge:     30, // days
				Compress:   true,
			}
		}
		logger = log.New(out, "[server] ", log.LstdFlags)
	}

	s := &Server{
		trigger: trigger,
		logger:  logger,
		timeout: cfg.RunTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/refresh", s.handleRefresh)
	mux.HandleFunc("POST /sync/full_reindex", s.handleFullReindex)
	mux.HandleFunc("POST /sync/{entity}", s.handleEntity)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RunTimeout + 10*time.Second,
	}
	return s
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Printf("Trigger server listening on %s", ln.Addr())

	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("days must be a positive integer (got %q)", raw))
			return
		}
		days = parsed
	}
	s.runAndRespond(w, r, pipeline.RunRequest{
		Entity:       schema.EntityTimeEntries,
		Mode:         pipeline.ModeRefresh,
		LookbackDays: days,
	})
}

func (s *Server) handleFullReindex(w http.ResponseWriter, r *http.Request) {
	s.runAndRespond(w, r, pipeline.RunRequest{
		Entity: schema.EntityTimeEntries,
		Mode:   pipeline.ModeFullReindex,
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := schema.ParseEntityType(r.PathValue("entity"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	req := pipeline.RunRequest{Entity: entity, Mode: pipeline.ModeFullReindex}
	if entity == schema.EntityTimeEntries {
		if mode := r.URL.Query().Get("mode"); mode != "" {
			req.Mode = pipeline.Mode(mode)
		}
	}
	s.runAndRespond(w, r, req)
}

func (s *Server) runAndRespond(w http.ResponseWriter, r *http.Request, req pipeline.RunRequest) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	s.logger.Printf("Triggered %s sync (mode=%s) from %s", req.Entity, req.Mode, r.RemoteAddr)
	summary, err := s.trigger.Run(ctx, req)

	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":  "success",
			"summary": summary,
		})
	case errors.Is(err, pipeline.ErrRunInFlight):
		s.writeError(w, http.StatusConflict, err)
	case isConfigurationError(err):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		body := map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
		if summary != nil {
			body["summary"] = summary
		}
		s.writeJSON(w, http.StatusInternalServerError, body)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "clicksync",
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	entities := make([]string, 0, len(schema.AllEntities))
	for _, e := range schema.AllEntities {
		entities = append(entities, string(e))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "ClickUp warehouse sync",
		"endpoints": map[string]string{
			"POST /sync/refresh":      "windowed refresh of recent time entries (?days=N overrides the lookback)",
			"POST /sync/full_reindex": "additive reindex of the complete time-entry history",
			"POST /sync/{entity}":     "sync one entity: " + strings.Join(entities, ", "),
			"GET /health":             "health check",
		},
	})
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]any{
		"status": "error",
		"error":  err.Error(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
	}
}

func isConfigurationError(err error) bool {
	var ce *config.ConfigurationError
	return errors.As(err, &ce)
}
