package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nettsmed/clicksync/internal/config"
	"github.com/nettsmed/clicksync/internal/pipeline"
	"github.com/nettsmed/clicksync/internal/schema"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeTrigger records the requests it receives and returns a canned
// result.
type fakeTrigger struct {
	mu      sync.Mutex
	reqs    []pipeline.RunRequest
	summary *pipeline.Summary
	err     error
}

func (f *fakeTrigger) Run(_ context.Context, req pipeline.RunRequest) (*pipeline.Summary, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.summary, f.err
}

func (f *fakeTrigger) last(t *testing.T) pipeline.RunRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("trigger never called")
	}
	return f.reqs[len(f.reqs)-1]
}

func doRequest(t *testing.T, trigger Trigger, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	srv := New(trigger, Config{Logger: testLogger()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return rec, body
}

func okSummary() *pipeline.Summary {
	return &pipeline.Summary{
		RunID:  "run-1",
		Entity: schema.EntityTimeEntries,
		State:  pipeline.StateDone,
	}
}

func TestHandleRefresh_Success(t *testing.T) {
	ft := &fakeTrigger{summary: okSummary()}
	rec, body := doRequest(t, ft, http.MethodPost, "/sync/refresh")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "success" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["summary"]; !ok {
		t.Error("response lacks the run summary")
	}

	req := ft.last(t)
	if req.Entity != schema.EntityTimeEntries || req.Mode != pipeline.ModeRefresh {
		t.Errorf("trigger got %+v", req)
	}
	if req.LookbackDays != 0 {
		t.Errorf("days override leaked: %d", req.LookbackDays)
	}
}

func TestHandleRefresh_DaysOverride(t *testing.T) {
	ft := &fakeTrigger{summary: okSummary()}
	rec, _ := doRequest(t, ft, http.MethodPost, "/sync/refresh?days=7")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := ft.last(t).LookbackDays; got != 7 {
		t.Errorf("lookback = %d, want 7", got)
	}
}

func TestHandleRefresh_BadDays(t *testing.T) {
	for _, days := range []string{"abc", "0", "-3"} {
		ft := &fakeTrigger{summary: okSummary()}
		rec, body := doRequest(t, ft, http.MethodPost, "/sync/refresh?days="+days)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("days=%s: status = %d, want 400", days, rec.Code)
		}
		if body["status"] != "error" {
			t.Errorf("days=%s: body = %v", days, body)
		}
	}
}

func TestHandleFullReindex(t *testing.T) {
	ft := &fakeTrigger{summary: okSummary()}
	rec, _ := doRequest(t, ft, http.MethodPost, "/sync/full_reindex")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := ft.last(t).Mode; got != pipeline.ModeFullReindex {
		t.Errorf("mode = %s, want full_reindex", got)
	}
}

func TestHandleEntity(t *testing.T) {
	ft := &fakeTrigger{summary: okSummary()}
	rec, _ := doRequest(t, ft, http.MethodPost, "/sync/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	req := ft.last(t)
	if req.Entity != schema.EntityAccounts || req.Mode != pipeline.ModeFullReindex {
		t.Errorf("trigger got %+v", req)
	}
}

func TestHandleEntity_Unknown(t *testing.T) {
	ft := &fakeTrigger{}
	rec, _ := doRequest(t, ft, http.MethodPost, "/sync/bogus")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.reqs) != 0 {
		t.Error("trigger called for an unknown entity")
	}
}

func TestHandleEntity_TimeEntriesModeOverride(t *testing.T) {
	ft := &fakeTrigger{summary: okSummary()}
	rec, _ := doRequest(t, ft, http.MethodPost, "/sync/time_entries?mode=refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := ft.last(t).Mode; got != pipeline.ModeRefresh {
		t.Errorf("mode = %s, want refresh", got)
	}
}

func TestRunConflict_Returns409(t *testing.T) {
	ft := &fakeTrigger{err: pipeline.ErrRunInFlight}
	rec, body := doRequest(t, ft, http.MethodPost, "/sync/refresh")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if body["status"] != "error" {
		t.Errorf("body = %v", body)
	}
}

func TestConfigurationError_Returns400(t *testing.T) {
	ft := &fakeTrigger{err: &config.ConfigurationError{Param: "accounts_list_id", Reason: "is required"}}
	rec, _ := doRequest(t, ft, http.MethodPost, "/sync/accounts")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRunFailure_Returns500WithSummary(t *testing.T) {
	failed := okSummary()
	failed.State = pipeline.StateFailed
	failed.Error = "all 2 fetch windows failed"
	ft := &fakeTrigger{summary: failed, err: errors.New("all 2 fetch windows failed")}

	rec, body := doRequest(t, ft, http.MethodPost, "/sync/refresh")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if _, ok := body["summary"]; !ok {
		t.Error("failed response should still carry the summary")
	}
}

func TestHealth(t *testing.T) {
	rec, body := doRequest(t, &fakeTrigger{}, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestRoot_ListsEndpoints(t *testing.T) {
	rec, body := doRequest(t, &fakeTrigger{}, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if _, ok := body["endpoints"]; !ok {
		t.Errorf("body = %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := New(&fakeTrigger{}, Config{Logger: testLogger()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync/refresh", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
