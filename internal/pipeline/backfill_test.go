package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nettsmed/clicksync/internal/schema"
)

func rawEntryBatch(prefix string, n int) []map[string]any {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		s := start.Add(time.Duration(i) * time.Hour)
		out = append(out, map[string]any{
			"id":       fmt.Sprintf("%s-%d", prefix, i),
			"start":    float64(s.UnixMilli()),
			"end":      float64(s.Add(30 * time.Minute).UnixMilli()),
			"duration": float64(1800000),
			"at":       float64(s.UnixMilli()),
		})
	}
	return out
}

func TestLoadBatch_MergesAdditively(t *testing.T) {
	r, wh := newTestRunner(t, "http://127.0.0.1:0", nil)
	ctx := context.Background()

	first, err := r.LoadBatch(ctx, schema.EntityTimeEntries, rawEntryBatch("jan", 4))
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if first.Mode != ModeFullReindex {
		t.Errorf("backfill mode = %s, want full_reindex", first.Mode)
	}
	if first.RecordsCommitted != 4 {
		t.Errorf("committed = %d, want 4", first.RecordsCommitted)
	}

	// A second, disjoint dump must add to history, never replace it.
	if _, err := r.LoadBatch(ctx, schema.EntityTimeEntries, rawEntryBatch("feb", 3)); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	count, err := wh.FactCount(ctx, schema.EntityTimeEntries)
	if err != nil {
		t.Fatalf("FactCount failed: %v", err)
	}
	if count != 7 {
		t.Errorf("fact table holds %d rows, want 7 (4 + 3)", count)
	}
}

func TestLoadBatch_DedupsWithinTheDump(t *testing.T) {
	r, _ := newTestRunner(t, "http://127.0.0.1:0", nil)

	batch := rawEntryBatch("dup", 2)
	batch = append(batch, batch[0]) // same id observed twice

	summary, err := r.LoadBatch(context.Background(), schema.EntityTimeEntries, batch)
	if err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if summary.RecordsFetched != 3 || summary.RecordsUnique != 2 {
		t.Errorf("fetched=%d unique=%d, want 3/2", summary.RecordsFetched, summary.RecordsUnique)
	}
}

func TestLoadBatch_HierarchyDumpPartitionsByKind(t *testing.T) {
	r, wh := newTestRunner(t, "http://127.0.0.1:0", nil)

	raw := []map[string]any{
		{"id": "s1", "name": "Delivery", "kind": "space"},
		{"id": "f1", "name": "Clients", "kind": "folder", "space": map[string]any{"id": "s1"}},
		{"id": "l1", "name": "Acme", "space": map[string]any{"id": "s1"}, "folder": map[string]any{"id": "f1"}},
	}
	summary, err := r.LoadBatch(context.Background(), schema.EntityLists, raw)
	if err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if summary.RecordsCommitted != 3 {
		t.Errorf("committed = %d, want 3", summary.RecordsCommitted)
	}

	count, _ := wh.FactCount(context.Background(), schema.EntityLists)
	if count != 3 {
		t.Errorf("fact_lists holds %d rows, want 3", count)
	}
}

func TestLoadBatch_BadRecordsDroppedNotFatal(t *testing.T) {
	r, _ := newTestRunner(t, "http://127.0.0.1:0", nil)

	batch := rawEntryBatch("ok", 2)
	batch = append(batch, map[string]any{"id": "broken"}) // no start/end

	summary, err := r.LoadBatch(context.Background(), schema.EntityTimeEntries, batch)
	if err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if summary.RecordsDropped != 1 || summary.RecordsCommitted != 2 {
		t.Errorf("dropped=%d committed=%d, want 1/2", summary.RecordsDropped, summary.RecordsCommitted)
	}
}

func TestLoadBatch_UnknownEntity(t *testing.T) {
	r, _ := newTestRunner(t, "http://127.0.0.1:0", nil)
	if _, err := r.LoadBatch(context.Background(), schema.EntityType("bogus"), nil); err == nil {
		t.Error("expected an error for an unknown entity type")
	}
}
