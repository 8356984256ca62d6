// Package backfill watches a drop directory for manually exported record
// dumps and loads them into the warehouse.
//
// The watcher:
//  1. Processes any dumps already present when it starts
//  2. Watches the directory for new *.json files
//  3. Debounces rapid writes so a file is read only once it is stable
//  4. Moves processed files into a processed/ subdirectory
//
// A dump file is a JSON array of raw source records named
// {entity}-{anything}.json, for example time_entries-2026-01.json. A file
// that fails to parse or load is logged and skipped; it never stops the
// watcher.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nettsmed/clicksync/internal/pipeline"
	"github.com/nettsmed/clicksync/internal/schema"
)

// BatchLoader loads one raw batch; *pipeline.Runner implements it.
type BatchLoader interface {
	LoadBatch(ctx context.Context, entity schema.EntityType, raw []map[string]any) (*pipeline.Summary, error)
}

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long a file must stay quiet before it is
	// processed; this batches rapid partial writes together.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[backfill] ", log.LstdFlags),
	}
}

// Watcher ingests dump files dropped into a directory.
type Watcher struct {
	dir    string
	loader BatchLoader
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher over dir. Use Start to begin watching.
func New(dir string, loader BatchLoader, config *Config) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dir:         dir,
		loader:      loader,
		config:      config,
		watcher:     fsw,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start processes existing dumps, then blocks handling filesystem events
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create drop directory: %w", err)
	}

	w.config.Logger.Printf("Watching %s for backfill dumps", w.dir)
	w.processExisting()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.wg.Add(1)
	go w.flushLoop()

	for {
		select {
		case <-ctx.Done():
			return w.Stop()
		case <-w.ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			w.changeQueueMu.Lock()
			w.changeQueue[event.Name] = time.Now()
			w.changeQueueMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.config.Logger.Printf("WARNING: watcher error: %v", err)
		}
	}
}

// Stop shuts the watcher down and waits for in-flight processing.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// flushLoop processes queued files once they have been quiet for the
// debounce interval.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var ready []string

			w.changeQueueMu.Lock()
			for path, last := range w.changeQueue {
				if now.Sub(last) >= w.config.DebounceInterval {
					ready = append(ready, path)
					delete(w.changeQueue, path)
				}
			}
			w.changeQueueMu.Unlock()

			for _, path := range ready {
				w.processFile(path)
			}
		}
	}
}

// processExisting handles dumps already in the directory at startup.
func (w *Watcher) processExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.config.Logger.Printf("WARNING: failed to read drop directory: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.processFile(filepath.Join(w.dir, entry.Name()))
	}
}

// processFile loads one dump and moves it to processed/ on success.
// Failures are logged and the file is left in place for inspection.
func (w *Watcher) processFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return // removed or renamed before we got to it
	}

	entity, err := entityFromFilename(path)
	if err != nil {
		w.config.Logger.Printf("WARNING: skipping %s: %v", filepath.Base(path), err)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.config.Logger.Printf("WARNING: failed to read %s: %v", filepath.Base(path), err)
		return
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		w.config.Logger.Printf("WARNING: skipping %s: not a JSON record array: %v", filepath.Base(path), err)
		return
	}

	summary, err := w.loader.LoadBatch(w.ctx, entity, raw)
	if err != nil {
		w.config.Logger.Printf("WARNING: backfill of %s failed: %v", filepath.Base(path), err)
		return
	}
	w.config.Logger.Printf("Backfilled %s: %d records, %d unique, %d committed",
		filepath.Base(path), summary.RecordsFetched, summary.RecordsUnique, summary.RecordsCommitted)

	processedDir := filepath.Join(w.dir, "processed")
	if err := os.MkdirAll(processedDir, 0755); err != nil {
		w.config.Logger.Printf("WARNING: failed to create processed directory: %v", err)
		return
	}
	dest := filepath.Join(processedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.config.Logger.Printf("WARNING: failed to archive %s: %v", filepath.Base(path), err)
	}
}

// entityFromFilename extracts the entity type from a dump filename of the
// form {entity}-{anything}.json.
func entityFromFilename(path string) (schema.EntityType, error) {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	for _, e := range schema.AllEntities {
		if base == string(e) || strings.HasPrefix(base, string(e)+"-") {
			return e, nil
		}
	}
	return "", fmt.Errorf("filename does not start with a known entity type")
}
