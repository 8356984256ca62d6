// Package pipeline orchestrates a sync run end to end.
//
// A run moves through INIT, PLAN, FETCH, TRANSFORM, DEDUP, STAGE and
// COMMIT before reaching DONE or FAILED. The fetch stage tolerates
// per-window failures — a window whose retries exhaust is counted and the
// other windows proceed — while a staging or commit failure fails the
// whole run. Staging always fully overwrites and both commit modes are
// single atomic statements, so a FAILED run leaves no partial state and
// can be retried from INIT safely.
//
// Runs are synchronous from the caller's viewpoint and serialized per
// entity type; runs for disjoint entity types may execute concurrently.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nettsmed/clicksync/internal/clickup"
	"github.com/nettsmed/clicksync/internal/config"
	"github.com/nettsmed/clicksync/internal/dedup"
	"github.com/nettsmed/clicksync/internal/schema"
	"github.com/nettsmed/clicksync/internal/transform"
	"github.com/nettsmed/clicksync/internal/warehouse"
	"github.com/nettsmed/clicksync/internal/window"
)

// Options configures run behavior that is independent of a single request.
type Options struct {
	// LookbackDays is the default trailing range for refresh runs.
	LookbackDays int

	// ReindexSince is the start of history for full-reindex runs.
	ReindexSince time.Time

	// MaxSpan caps each fetch window; zero means window.MaxSourceSpan.
	MaxSpan time.Duration

	// FetchParallelism bounds concurrent window fetches.
	FetchParallelism int

	// AuditDir, when set, receives a CSV snapshot of each run's
	// transformed batch.
	AuditDir string

	// CRM lists backing the accounts and apps entities.
	AccountsListID string
	AppsListID     string
}

// Runner executes sync runs against one source client and one warehouse.
type Runner struct {
	client *clickup.Client
	wh     *warehouse.DB
	tf     *transform.Transformer
	opts   Options
	logger *log.Logger
	events EventSink
	flight *flightTable
}

// NewRunner wires a Runner. logger and events may be nil.
func NewRunner(client *clickup.Client, wh *warehouse.DB, tf *transform.Transformer, opts Options, logger *log.Logger, events EventSink) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[pipeline] ", log.LstdFlags)
	}
	if events == nil {
		events = NopSink{}
	}
	if opts.MaxSpan <= 0 {
		opts.MaxSpan = window.MaxSourceSpan
	}
	if opts.FetchParallelism <= 0 {
		opts.FetchParallelism = 3
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 60
	}
	return &Runner{
		client: client,
		wh:     wh,
		tf:     tf,
		opts:   opts,
		logger: logger,
		events: events,
		flight: newFlightTable(),
	}
}

// RunRequest describes one requested sync run.
type RunRequest struct {
	Entity schema.EntityType

	// Mode applies to time entries only; other entities always commit
	// with the additive merge.
	Mode Mode

	// LookbackDays overrides the configured default for refresh runs.
	LookbackDays int

	// Now is the injected clock for window planning; zero means
	// time.Now().
	Now time.Time
}

func (req *RunRequest) validate(opts Options) error {
	if _, err := schema.ParseEntityType(string(req.Entity)); err != nil {
		return &config.ConfigurationError{Param: "entity", Reason: err.Error()}
	}
	if req.Entity == schema.EntityTimeEntries {
		switch req.Mode {
		case ModeRefresh, ModeFullReindex:
		default:
			return &config.ConfigurationError{Param: "mode", Reason: fmt.Sprintf("must be %q or %q (got %q)", ModeRefresh, ModeFullReindex, req.Mode)}
		}
		if req.LookbackDays < 0 {
			return &config.ConfigurationError{Param: "lookback_days", Reason: "must not be negative"}
		}
	}
	if req.Entity == schema.EntityAccounts && opts.AccountsListID == "" {
		return &config.ConfigurationError{Param: "accounts_list_id", Reason: "is required for accounts runs"}
	}
	if req.Entity == schema.EntityApps && opts.AppsListID == "" {
		return &config.ConfigurationError{Param: "apps_list_id", Reason: "is required for apps runs"}
	}
	return nil
}

// Run executes one sync run synchronously and returns its summary. The
// summary is populated even when the run fails; ErrRunInFlight is returned
// without a summary when another run for the same entity type is
// executing.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Summary, error) {
	if err := req.validate(r.opts); err != nil {
		return nil, err
	}
	if err := r.flight.acquire(req.Entity); err != nil {
		return nil, err
	}
	defer r.flight.release(req.Entity)

	s := &Summary{
		RunID:     uuid.NewString(),
		Entity:    req.Entity,
		Mode:      req.Mode,
		State:     StateInit,
		StartedAt: time.Now(),
	}
	if req.Entity != schema.EntityTimeEntries {
		s.Mode = ModeFullReindex
	}
	r.logger.Printf("run %s started: entity=%s mode=%s", s.RunID, s.Entity, s.Mode)
	r.events.RunStarted(s)

	var err error
	switch req.Entity {
	case schema.EntityTimeEntries:
		err = r.runTimeEntries(ctx, s, req)
	case schema.EntityLists:
		err = r.runHierarchy(ctx, s)
	case schema.EntityTasks:
		err = r.runTasks(ctx, s)
	case schema.EntityAccounts:
		err = r.runAccounts(ctx, s)
	case schema.EntityApps:
		err = r.runApps(ctx, s)
	}
	return r.finish(s, err)
}

func (r *Runner) finish(s *Summary, err error) (*Summary, error) {
	s.Duration = time.Since(s.StartedAt)
	if err != nil {
		s.State = StateFailed
		s.Error = err.Error()
		r.logger.Printf("run %s FAILED after %s: %v", s.RunID, s.Duration.Round(time.Millisecond), err)
	} else {
		s.State = StateDone
		r.logger.Printf("run %s done in %s: windows=%d/%d fetched=%d dropped=%d unique=%d committed=%d",
			s.RunID, s.Duration.Round(time.Millisecond), s.WindowsSucceeded, s.WindowsAttempted,
			s.RecordsFetched, s.RecordsDropped, s.RecordsUnique, s.RecordsCommitted)
	}
	r.events.RunFinished(s)
	return s, err
}

// runTimeEntries is the windowed fetch-transform-load path.
func (r *Runner) runTimeEntries(ctx context.Context, s *Summary, req RunRequest) error {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.State = StatePlan
	var start, end time.Time
	if s.Mode == ModeRefresh {
		days := req.LookbackDays
		if days == 0 {
			days = r.opts.LookbackDays
		}
		start, end = window.Lookback(now, days)
	} else {
		start, end = r.opts.ReindexSince, now
	}
	windows, err := window.Plan(start, end, r.opts.MaxSpan)
	if err != nil {
		return fmt.Errorf("failed to plan windows: %w", err)
	}
	s.WindowStart, s.WindowEnd = start, end
	s.WindowsAttempted = len(windows)
	r.logger.Printf("run %s: planned %d windows over %s..%s", s.RunID, len(windows),
		start.Format("2006-01-02"), end.Format("2006-01-02"))

	// Fan out the per-window fetches with bounded parallelism. A failed
	// window is recorded and absorbed; only context cancellation stops
	// the group.
	s.State = StateFetch
	raws := make([][]map[string]any, len(windows))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.FetchParallelism)
	for i, w := range windows {
		g.Go(func() error {
			records, meta, ferr := r.client.TimeEntries(gctx, w)

			mu.Lock()
			s.Requests += meta.Requests
			s.Retries += meta.Retries
			if ferr != nil {
				s.WindowsFailed++
				r.logger.Printf("WARNING: run %s: window %s failed: %v", s.RunID, w, ferr)
			} else {
				s.WindowsSucceeded++
				raws[i] = records
			}
			mu.Unlock()

			r.events.WindowDone(s, w, ferr)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch cancelled: %w", err)
	}

	// With every window failed there is nothing trustworthy to commit; a
	// refresh would wipe the whole lookback range with an empty batch.
	if s.WindowsAttempted > 0 && s.WindowsSucceeded == 0 {
		return fmt.Errorf("all %d fetch windows failed", s.WindowsAttempted)
	}

	var raw []map[string]any
	for _, batch := range raws {
		raw = append(raw, batch...)
	}
	s.RecordsFetched = len(raw)

	s.State = StateTransform
	entries, dropped := r.tf.TimeEntries(raw)
	s.RecordsDropped = dropped

	s.State = StateDedup
	deduped := dedup.Collapse(entries)
	s.RecordsUnique = len(deduped)

	r.snapshot(s, timeEntryHeader, timeEntryRows(deduped))

	s.State = StateStage
	staged, err := r.wh.StageTimeEntries(ctx, deduped)
	if err != nil {
		return fmt.Errorf("staging failed: %w", err)
	}
	s.RecordsStaged = staged

	s.State = StateCommit
	if s.Mode == ModeRefresh {
		deleted, inserted, err := r.wh.CommitRefresh(ctx, start, end)
		if err != nil {
			return fmt.Errorf("refresh commit failed: %w", err)
		}
		s.RowsDeleted = deleted
		s.RecordsCommitted = inserted
	} else {
		merged, err := r.wh.CommitReindex(ctx, schema.EntityTimeEntries)
		if err != nil {
			return fmt.Errorf("reindex commit failed: %w", err)
		}
		s.RecordsCommitted = merged
	}
	return nil
}

// runHierarchy syncs the space/folder/list hierarchy as one batch.
func (r *Runner) runHierarchy(ctx context.Context, s *Summary) error {
	s.State = StateFetch
	s.WindowsAttempted = 1

	var meta clickup.FetchMeta
	spaces, folders, lists, err := r.fetchHierarchy(ctx, &meta)
	s.Requests += meta.Requests
	s.Retries += meta.Retries
	if err != nil {
		s.WindowsFailed = 1
		return fmt.Errorf("hierarchy fetch failed: %w", err)
	}
	s.WindowsSucceeded = 1
	s.RecordsFetched = len(spaces) + len(folders) + len(lists)

	s.State = StateTransform
	nodes, dropped := r.tf.Hierarchy(spaces, folders, lists)
	s.RecordsDropped = dropped

	s.State = StateDedup
	deduped := dedup.Collapse(nodes)
	s.RecordsUnique = len(deduped)

	r.snapshot(s, hierarchyHeader, hierarchyRows(deduped))

	s.State = StateStage
	staged, err := r.wh.StageHierarchy(ctx, deduped)
	if err != nil {
		return fmt.Errorf("staging failed: %w", err)
	}
	s.RecordsStaged = staged

	s.State = StateCommit
	merged, err := r.wh.CommitReindex(ctx, schema.EntityLists)
	if err != nil {
		return fmt.Errorf("reindex commit failed: %w", err)
	}
	s.RecordsCommitted = merged
	return nil
}

// fetchHierarchy walks spaces, their folders, and all lists (foldered and
// folderless).
func (r *Runner) fetchHierarchy(ctx context.Context, meta *clickup.FetchMeta) (spaces, folders, lists []map[string]any, err error) {
	spaces, err = r.client.Spaces(ctx, meta)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, sp := range spaces {
		id, _ := sp["id"].(string)
		if id == "" {
			continue
		}
		fs, err := r.client.Folders(ctx, id, meta)
		if err != nil {
			return nil, nil, nil, err
		}
		folders = append(folders, fs...)
		for _, f := range fs {
			fid, _ := f["id"].(string)
			if fid == "" {
				continue
			}
			ls, err := r.client.Lists(ctx, fid, meta)
			if err != nil {
				return nil, nil, nil, err
			}
			lists = append(lists, ls...)
		}
		ls, err := r.client.FolderlessLists(ctx, id, meta)
		if err != nil {
			return nil, nil, nil, err
		}
		lists = append(lists, ls...)
	}
	return spaces, folders, lists, nil
}

// runTasks syncs every task reachable through the hierarchy.
func (r *Runner) runTasks(ctx context.Context, s *Summary) error {
	s.State = StateFetch
	s.WindowsAttempted = 1

	var meta clickup.FetchMeta
	_, _, lists, err := r.fetchHierarchy(ctx, &meta)
	if err != nil {
		s.Requests += meta.Requests
		s.Retries += meta.Retries
		s.WindowsFailed = 1
		return fmt.Errorf("hierarchy fetch failed: %w", err)
	}

	var raw []map[string]any
	for _, l := range lists {
		id, _ := l["id"].(string)
		if id == "" {
			continue
		}
		tasks, err := r.client.Tasks(ctx, id, true, true, &meta)
		if err != nil {
			s.Requests += meta.Requests
			s.Retries += meta.Retries
			s.WindowsFailed = 1
			return fmt.Errorf("task fetch for list %s failed: %w", id, err)
		}
		raw = append(raw, tasks...)
	}
	s.Requests += meta.Requests
	s.Retries += meta.Retries
	s.PageCapHit = meta.PageCapHit
	s.WindowsSucceeded = 1
	s.RecordsFetched = len(raw)

	s.State = StateTransform
	tasks, dropped := r.tf.Tasks(raw)
	s.RecordsDropped = dropped

	s.State = StateDedup
	deduped := dedup.Collapse(tasks)
	s.RecordsUnique = len(deduped)

	r.snapshot(s, taskHeader, taskRows(deduped))

	s.State = StateStage
	staged, err := r.wh.StageTasks(ctx, deduped)
	if err != nil {
		return fmt.Errorf("staging failed: %w", err)
	}
	s.RecordsStaged = staged

	s.State = StateCommit
	merged, err := r.wh.CommitReindex(ctx, schema.EntityTasks)
	if err != nil {
		return fmt.Errorf("reindex commit failed: %w", err)
	}
	s.RecordsCommitted = merged
	return nil
}

// runAccounts syncs the accounts CRM list.
func (r *Runner) runAccounts(ctx context.Context, s *Summary) error {
	raw, err := r.fetchCRMList(ctx, s, r.opts.AccountsListID)
	if err != nil {
		return err
	}

	s.State = StateTransform
	accounts, dropped := r.tf.Accounts(raw)
	s.RecordsDropped = dropped

	s.State = StateDedup
	deduped := dedup.Collapse(accounts)
	s.RecordsUnique = len(deduped)

	r.snapshot(s, accountHeader, accountRows(deduped))

	s.State = StateStage
	staged, err := r.wh.StageAccounts(ctx, deduped)
	if err != nil {
		return fmt.Errorf("staging failed: %w", err)
	}
	s.RecordsStaged = staged

	s.State = StateCommit
	merged, err := r.wh.CommitReindex(ctx, schema.EntityAccounts)
	if err != nil {
		return fmt.Errorf("reindex commit failed: %w", err)
	}
	s.RecordsCommitted = merged
	return nil
}

// runApps syncs the apps CRM list.
func (r *Runner) runApps(ctx context.Context, s *Summary) error {
	raw, err := r.fetchCRMList(ctx, s, r.opts.AppsListID)
	if err != nil {
		return err
	}

	s.State = StateTransform
	apps, dropped := r.tf.Apps(raw)
	s.RecordsDropped = dropped

	s.State = StateDedup
	deduped := dedup.Collapse(apps)
	s.RecordsUnique = len(deduped)

	r.snapshot(s, appHeader, appRows(deduped))

	s.State = StateStage
	staged, err := r.wh.StageApps(ctx, deduped)
	if err != nil {
		return fmt.Errorf("staging failed: %w", err)
	}
	s.RecordsStaged = staged

	s.State = StateCommit
	merged, err := r.wh.CommitReindex(ctx, schema.EntityApps)
	if err != nil {
		return fmt.Errorf("reindex commit failed: %w", err)
	}
	s.RecordsCommitted = merged
	return nil
}

func (r *Runner) fetchCRMList(ctx context.Context, s *Summary, listID string) ([]map[string]any, error) {
	s.State = StateFetch
	s.WindowsAttempted = 1

	var meta clickup.FetchMeta
	raw, err := r.client.Tasks(ctx, listID, true, false, &meta)
	s.Requests += meta.Requests
	s.Retries += meta.Retries
	s.PageCapHit = meta.PageCapHit
	if err != nil {
		s.WindowsFailed = 1
		return nil, fmt.Errorf("CRM list %s fetch failed: %w", listID, err)
	}
	s.WindowsSucceeded = 1
	s.RecordsFetched = len(raw)
	return raw, nil
}

// snapshot writes the audit CSV when configured. Failures are absorbed.
func (r *Runner) snapshot(s *Summary, header []string, rows [][]string) {
	if r.opts.AuditDir == "" {
		return
	}
	path, err := writeSnapshot(r.opts.AuditDir, s.Entity, s.RunID, header, rows)
	if err != nil {
		r.logger.Printf("WARNING: run %s: audit snapshot failed: %v", s.RunID, err)
		return
	}
	r.logger.Printf("run %s: audit snapshot written to %s", s.RunID, path)
}
