package backfill

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nettsmed/clicksync/internal/pipeline"
	"github.com/nettsmed/clicksync/internal/schema"
)

type fakeLoader struct {
	mu      sync.Mutex
	batches []loadedBatch
	notify  chan struct{}
}

type loadedBatch struct {
	entity schema.EntityType
	n      int
}

func (f *fakeLoader) LoadBatch(_ context.Context, entity schema.EntityType, raw []map[string]any) (*pipeline.Summary, error) {
	f.mu.Lock()
	f.batches = append(f.batches, loadedBatch{entity: entity, n: len(raw)})
	f.mu.Unlock()
	if f.notify != nil {
		f.notify <- struct{}{}
	}
	return &pipeline.Summary{RecordsFetched: len(raw), RecordsUnique: len(raw), RecordsCommitted: int64(len(raw))}, nil
}

func (f *fakeLoader) loaded() []loadedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loadedBatch(nil), f.batches...)
}

func quietConfig() *Config {
	return &Config{
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func TestEntityFromFilename(t *testing.T) {
	cases := []struct {
		name   string
		entity schema.EntityType
		ok     bool
	}{
		{"time_entries-2026-01.json", schema.EntityTimeEntries, true},
		{"time_entries.json", schema.EntityTimeEntries, true},
		{"lists-full.json", schema.EntityLists, true},
		{"accounts-export.json", schema.EntityAccounts, true},
		{"notes.json", "", false},
		{"time_entriesX.json", "", false},
	}
	for _, tc := range cases {
		got, err := entityFromFilename("/drop/" + tc.name)
		if tc.ok && (err != nil || got != tc.entity) {
			t.Errorf("%s: got %q, %v", tc.name, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestWatcher_ProcessesExistingDumps(t *testing.T) {
	dir := t.TempDir()
	dump := filepath.Join(dir, "tasks-march.json")
	if err := os.WriteFile(dump, []byte(`[{"id":"t1"},{"id":"t2"}]`), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	loader := &fakeLoader{}
	w, err := New(dir, loader, quietConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	w.processExisting()

	got := loader.loaded()
	if len(got) != 1 || got[0].entity != schema.EntityTasks || got[0].n != 2 {
		t.Fatalf("loaded = %+v, want one tasks batch of 2", got)
	}
	if _, err := os.Stat(dump); !os.IsNotExist(err) {
		t.Error("processed dump still in the drop directory")
	}
	if _, err := os.Stat(filepath.Join(dir, "processed", "tasks-march.json")); err != nil {
		t.Errorf("dump not archived: %v", err)
	}
}

func TestWatcher_SkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	writeFile("garbage.json", `[{"id":"x"}]`)          // unknown entity prefix
	writeFile("lists-bad.json", `{"not":"an array"}`)  // wrong shape
	writeFile("tasks-ok.json", `[{"id":"t1"}]`)

	loader := &fakeLoader{}
	w, err := New(dir, loader, quietConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	w.processExisting()

	got := loader.loaded()
	if len(got) != 1 || got[0].entity != schema.EntityTasks {
		t.Fatalf("loaded = %+v, want only the valid tasks dump", got)
	}
	// Bad files stay in place for inspection.
	if _, err := os.Stat(filepath.Join(dir, "garbage.json")); err != nil {
		t.Error("unparseable file was moved or deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "lists-bad.json")); err != nil {
		t.Error("malformed file was moved or deleted")
	}
}

func TestWatcher_PicksUpNewDump(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{notify: make(chan struct{}, 1)}
	w, err := New(dir, loader, quietConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Give the watch a moment to attach before dropping the file.
	time.Sleep(50 * time.Millisecond)
	dump := filepath.Join(dir, "accounts-q3.json")
	if err := os.WriteFile(dump, []byte(`[{"id":"a1"}]`), 0644); err != nil {
		t.Fatalf("failed to drop dump: %v", err)
	}

	select {
	case <-loader.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("dump was never loaded")
	}

	got := loader.loaded()
	if len(got) != 1 || got[0].entity != schema.EntityAccounts {
		t.Errorf("loaded = %+v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", &fakeLoader{}, nil); err == nil {
		t.Error("expected an error for an empty directory")
	}
	if _, err := New(t.TempDir(), nil, nil); err == nil {
		t.Error("expected an error for a nil loader")
	}
}
