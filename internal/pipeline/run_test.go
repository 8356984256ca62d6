package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nettsmed/clicksync/internal/clickup"
	"github.com/nettsmed/clicksync/internal/config"
	"github.com/nettsmed/clicksync/internal/schema"
	"github.com/nettsmed/clicksync/internal/transform"
	"github.com/nettsmed/clicksync/internal/warehouse"
	"github.com/nettsmed/clicksync/internal/window"
)

// fixedNow pins window planning so tests see a deterministic split: a
// 60-day lookback from here yields exactly two fetch windows.
var fixedNow = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T, srvURL string, mutate func(*Options)) (*Runner, *warehouse.DB) {
	t.Helper()

	client, err := clickup.New(clickup.Options{
		BaseURL:           srvURL,
		Token:             "tok",
		TeamID:            "team1",
		BackoffBase:       time.Millisecond,
		RequestsPerMinute: 600000,
		MaxAttempts:       2,
	})
	if err != nil {
		t.Fatalf("client setup failed: %v", err)
	}

	wh, err := warehouse.Open(filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatalf("warehouse setup failed: %v", err)
	}
	t.Cleanup(func() { wh.Close() })
	if err := wh.InitSchema(); err != nil {
		t.Fatalf("schema setup failed: %v", err)
	}

	tf, err := transform.New(transform.DefaultMapping(), nil)
	if err != nil {
		t.Fatalf("transformer setup failed: %v", err)
	}

	opts := Options{
		LookbackDays:     60,
		ReindexSince:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		FetchParallelism: 2,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewRunner(client, wh, tf, opts, nil, nil), wh
}

// entriesJSON renders n raw time entries starting inside the window.
func entriesJSON(prefix string, startMS int64, n int) string {
	var b strings.Builder
	b.WriteString(`{"data":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		s := startMS + int64(i)*60000
		fmt.Fprintf(&b, `{"id":"%s-%d","start":%d,"end":%d,"duration":1800000,"at":%d}`,
			prefix, i, s, s+1800000, s+1800000)
	}
	b.WriteString(`]}`)
	return b.String()
}

// timeEntryHandler serves a distinct batch per fetch window, keyed by the
// window's position in the planned sequence.
func timeEntryHandler(t *testing.T, perWindow []int) http.HandlerFunc {
	var mu sync.Mutex
	seen := make(map[string]int)
	return func(w http.ResponseWriter, r *http.Request) {
		startStr := r.URL.Query().Get("start_date")
		startMS, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			t.Errorf("bad start_date %q", startStr)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		mu.Lock()
		idx, ok := seen[startStr]
		if !ok {
			idx = len(seen)
			seen[startStr] = idx
		}
		mu.Unlock()

		if idx >= len(perWindow) {
			t.Errorf("unexpected extra window starting at %s", startStr)
			idx = len(perWindow) - 1
		}
		fmt.Fprint(w, entriesJSON(fmt.Sprintf("w%d", idx), startMS, perWindow[idx]))
	}
}

func TestRun_RefreshEndToEnd(t *testing.T) {
	srv := httptest.NewServer(timeEntryHandler(t, []int{104, 129}))
	defer srv.Close()

	r, wh := newTestRunner(t, srv.URL, nil)
	summary, err := r.Run(context.Background(), RunRequest{
		Entity: schema.EntityTimeEntries,
		Mode:   ModeRefresh,
		Now:    fixedNow,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.State != StateDone {
		t.Errorf("state = %s, want DONE", summary.State)
	}
	if summary.WindowsAttempted != 2 || summary.WindowsSucceeded != 2 {
		t.Errorf("windows = %d/%d, want 2 attempted 2 ok", summary.WindowsSucceeded, summary.WindowsAttempted)
	}
	if summary.RecordsFetched != 233 {
		t.Errorf("records_fetched = %d, want 233 (104 + 129)", summary.RecordsFetched)
	}
	if summary.RecordsUnique != 233 || summary.RecordsCommitted != 233 {
		t.Errorf("unique=%d committed=%d, want 233/233", summary.RecordsUnique, summary.RecordsCommitted)
	}
	if summary.RunID == "" {
		t.Error("run id missing")
	}

	count, err := wh.FactCount(context.Background(), schema.EntityTimeEntries)
	if err != nil {
		t.Fatalf("FactCount failed: %v", err)
	}
	if count != 233 {
		t.Errorf("fact table holds %d rows, want 233", count)
	}
}

func TestRun_RefreshIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(timeEntryHandler(t, []int{10, 5}))
	defer srv.Close()

	r, wh := newTestRunner(t, srv.URL, nil)
	req := RunRequest{Entity: schema.EntityTimeEntries, Mode: ModeRefresh, Now: fixedNow}

	if _, err := r.Run(context.Background(), req); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.RowsDeleted != 15 {
		t.Errorf("second refresh replaced %d rows, want 15", second.RowsDeleted)
	}

	count, _ := wh.FactCount(context.Background(), schema.EntityTimeEntries)
	if count != 15 {
		t.Errorf("fact table holds %d rows after rerun, want 15", count)
	}
}

func TestRun_PartialWindowFailureAbsorbed(t *testing.T) {
	// The first window the server sees fails outright; the run must still
	// succeed on the surviving window.
	var mu sync.Mutex
	failed := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start_date")
		mu.Lock()
		if failed == "" || failed == start {
			failed = start
			mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		mu.Unlock()
		startMS, _ := strconv.ParseInt(start, 10, 64)
		fmt.Fprint(w, entriesJSON("ok", startMS, 7))
	}))
	defer srv.Close()

	r, wh := newTestRunner(t, srv.URL, func(o *Options) { o.FetchParallelism = 1 })
	summary, err := r.Run(context.Background(), RunRequest{
		Entity: schema.EntityTimeEntries,
		Mode:   ModeRefresh,
		Now:    fixedNow,
	})
	if err != nil {
		t.Fatalf("run should absorb a single window failure: %v", err)
	}
	if summary.WindowsFailed != 1 || summary.WindowsSucceeded != 1 {
		t.Errorf("windows = %d ok %d failed, want 1/1", summary.WindowsSucceeded, summary.WindowsFailed)
	}
	if summary.RecordsFetched != 7 {
		t.Errorf("records_fetched = %d, want 7", summary.RecordsFetched)
	}
	if summary.Retries == 0 {
		t.Error("expected retries against the failing window")
	}

	count, _ := wh.FactCount(context.Background(), schema.EntityTimeEntries)
	if count != 7 {
		t.Errorf("fact table holds %d rows, want 7", count)
	}
}

func TestRun_AllWindowsFailedFailsTheRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r, wh := newTestRunner(t, srv.URL, nil)

	// Seed existing history that a wrongly-committed empty refresh would
	// destroy.
	seedWarehouse(t, wh, 3)

	summary, err := r.Run(context.Background(), RunRequest{
		Entity: schema.EntityTimeEntries,
		Mode:   ModeRefresh,
		Now:    fixedNow,
	})
	if err == nil {
		t.Fatal("expected the run to fail when every window fails")
	}
	if summary == nil || summary.State != StateFailed {
		t.Fatalf("expected a FAILED summary, got %+v", summary)
	}
	if summary.Error == "" {
		t.Error("failed summary carries no error text")
	}

	count, _ := wh.FactCount(context.Background(), schema.EntityTimeEntries)
	if count != 3 {
		t.Errorf("existing history was touched by a failed run: %d rows", count)
	}
}

func TestRun_SingleFlightConflict(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		startMS, _ := strconv.ParseInt(r.URL.Query().Get("start_date"), 10, 64)
		fmt.Fprint(w, entriesJSON("x", startMS, 1))
	}))
	defer srv.Close()

	r, _ := newTestRunner(t, srv.URL, nil)
	req := RunRequest{Entity: schema.EntityTimeEntries, Mode: ModeRefresh, Now: fixedNow}

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), req)
		errCh <- err
	}()

	<-started
	if _, err := r.Run(context.Background(), req); !errors.Is(err, ErrRunInFlight) {
		t.Errorf("concurrent run got %v, want ErrRunInFlight", err)
	}
	// A different entity type must not be blocked; it fails on its own
	// merits (no accounts list configured), not on the flight guard.
	if _, err := r.Run(context.Background(), RunRequest{Entity: schema.EntityAccounts}); errors.Is(err, ErrRunInFlight) {
		t.Error("disjoint entity type blocked by the flight guard")
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// The slot frees after the run; a new request proceeds.
	if _, err := r.Run(context.Background(), req); err != nil {
		t.Errorf("run after release failed: %v", err)
	}
}

func TestRun_ValidatesRequest(t *testing.T) {
	r, _ := newTestRunner(t, "http://127.0.0.1:0", nil)

	cases := []struct {
		name string
		req  RunRequest
	}{
		{"unknown entity", RunRequest{Entity: "bogus", Mode: ModeRefresh}},
		{"bad mode", RunRequest{Entity: schema.EntityTimeEntries, Mode: "weekly"}},
		{"negative lookback", RunRequest{Entity: schema.EntityTimeEntries, Mode: ModeRefresh, LookbackDays: -1}},
		{"accounts without list", RunRequest{Entity: schema.EntityAccounts}},
		{"apps without list", RunRequest{Entity: schema.EntityApps}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Run(context.Background(), tc.req)
			var ce *config.ConfigurationError
			if !errors.As(err, &ce) {
				t.Errorf("got %v, want a configuration error", err)
			}
		})
	}
}

func TestRun_HierarchyEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/team/team1/space"):
			fmt.Fprint(w, `{"spaces":[{"id":"s1","name":"Delivery"}]}`)
		case strings.HasSuffix(r.URL.Path, "/space/s1/folder"):
			fmt.Fprint(w, `{"folders":[{"id":"f1","name":"Clients","space":{"id":"s1"}}]}`)
		case strings.HasSuffix(r.URL.Path, "/folder/f1/list"):
			fmt.Fprint(w, `{"lists":[{"id":"l1","name":"Acme","folder":{"id":"f1"},"space":{"id":"s1"}}]}`)
		case strings.HasSuffix(r.URL.Path, "/space/s1/list"):
			fmt.Fprint(w, `{"lists":[{"id":"l2","name":"Inbox","space":{"id":"s1"}}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r, wh := newTestRunner(t, srv.URL, nil)
	summary, err := r.Run(context.Background(), RunRequest{Entity: schema.EntityLists})
	if err != nil {
		t.Fatalf("hierarchy run failed: %v", err)
	}
	if summary.RecordsFetched != 4 || summary.RecordsCommitted != 4 {
		t.Errorf("fetched=%d committed=%d, want 4/4", summary.RecordsFetched, summary.RecordsCommitted)
	}
	if summary.Mode != ModeFullReindex {
		t.Errorf("hierarchy run mode = %s, want full_reindex", summary.Mode)
	}

	count, _ := wh.FactCount(context.Background(), schema.EntityLists)
	if count != 4 {
		t.Errorf("fact_lists holds %d rows, want 4", count)
	}
}

func TestRun_AccountsEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/list/crm1/task") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"tasks":[
			{"id":"a1","name":"Acme","custom_fields":[
				{"name":"Discount","value":10},
				{"name":"MRR","value":"5000"},
				{"name":"Delivery Lists","value":[{"id":"l1"}]}
			]},
			{"id":"a2","name":"Umbrella","custom_fields":[]}
		],"last_page":true}`)
	}))
	defer srv.Close()

	r, wh := newTestRunner(t, srv.URL, func(o *Options) { o.AccountsListID = "crm1" })
	summary, err := r.Run(context.Background(), RunRequest{Entity: schema.EntityAccounts})
	if err != nil {
		t.Fatalf("accounts run failed: %v", err)
	}
	if summary.RecordsCommitted != 2 {
		t.Errorf("committed = %d, want 2", summary.RecordsCommitted)
	}

	count, _ := wh.FactCount(context.Background(), schema.EntityAccounts)
	if count != 2 {
		t.Errorf("fact_accounts holds %d rows, want 2", count)
	}
}

func TestRun_EventsDelivered(t *testing.T) {
	srv := httptest.NewServer(timeEntryHandler(t, []int{2, 3}))
	defer srv.Close()

	sink := &recordingSink{}
	r, _ := newTestRunner(t, srv.URL, nil)
	r.events = sink

	if _, err := r.Run(context.Background(), RunRequest{
		Entity: schema.EntityTimeEntries, Mode: ModeRefresh, Now: fixedNow,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.started != 1 || sink.finished != 1 {
		t.Errorf("lifecycle events = %d started %d finished, want 1/1", sink.started, sink.finished)
	}
	if sink.windows != 2 {
		t.Errorf("window events = %d, want 2", sink.windows)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	started  int
	windows  int
	finished int
}

func (s *recordingSink) RunStarted(*Summary) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

func (s *recordingSink) WindowDone(*Summary, window.Window, error) {
	s.mu.Lock()
	s.windows++
	s.mu.Unlock()
}

func (s *recordingSink) RunFinished(*Summary) {
	s.mu.Lock()
	s.finished++
	s.mu.Unlock()
}

// seedWarehouse commits n time entries dated well before any test window.
func seedWarehouse(t *testing.T, wh *warehouse.DB, n int) {
	t.Helper()
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	var entries []*schema.TimeEntry
	for i := 0; i < n; i++ {
		entries = append(entries, &schema.TimeEntry{
			ID:             fmt.Sprintf("seed-%d", i),
			StartUTC:       start,
			EndUTC:         start.Add(time.Hour),
			DurationMS:     3600000,
			DurationHours:  1,
			StartLocal:     start,
			StartDateLocal: "2025-01-01",
			At:             start,
		})
	}
	if _, err := wh.StageTimeEntries(context.Background(), entries); err != nil {
		t.Fatalf("seed stage failed: %v", err)
	}
	if _, err := wh.CommitReindex(context.Background(), schema.EntityTimeEntries); err != nil {
		t.Fatalf("seed commit failed: %v", err)
	}
}
