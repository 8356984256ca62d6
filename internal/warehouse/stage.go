package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nettsmed/clicksync/internal/schema"
)

// stageRows replaces the staging table contents for an entity with n rows
// in a single transaction. bind returns the column values (in tables[...]
// order, without staged_at) for row i. Restaging simply overwrites, so a
// failed run can always retry from scratch.
func (db *DB) stageRows(ctx context.Context, entity schema.EntityType, n int, bind func(i int) []any) (int64, error) {
	spec := tables[entity]

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+spec.staging); err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", spec.staging, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(spec.cols)+1), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s, staged_at) VALUES (%s)",
		spec.staging, quoteJoin(spec.cols), placeholders)

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare staging insert: %w", err)
	}
	defer stmt.Close()

	stagedAt := timeToString(time.Now())
	for i := 0; i < n; i++ {
		args := append(bind(i), stagedAt)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to stage row %d into %s: %w", i, spec.staging, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit staging load: %w", err)
	}
	return int64(n), nil
}

func quoteJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

// StageTimeEntries bulk-writes a deduplicated time-entry batch into
// staging, overwriting any prior contents.
func (db *DB) StageTimeEntries(ctx context.Context, entries []*schema.TimeEntry) (int64, error) {
	return db.stageRows(ctx, schema.EntityTimeEntries, len(entries), func(i int) []any {
		e := entries[i]
		return []any{
			e.ID,
			timeToString(e.StartUTC),
			timeToString(e.EndUTC),
			e.DurationMS,
			e.DurationHours,
			e.StartLocal.Format(time.RFC3339),
			e.StartDateLocal,
			boolToInt(e.Billable),
			e.Description,
			e.Source,
			boolToInt(e.IsLocked),
			e.ApprovalID,
			e.TaskID,
			e.TaskName,
			e.TaskURL,
			e.TaskStatus,
			e.TaskStatusType,
			e.ListID,
			e.FolderID,
			e.SpaceID,
			e.UserID,
			e.UserName,
			e.UserEmailSHA256,
			timeToString(e.At),
		}
	})
}

// StageHierarchy bulk-writes a hierarchy node batch into staging.
func (db *DB) StageHierarchy(ctx context.Context, nodes []*schema.HierarchyNode) (int64, error) {
	return db.stageRows(ctx, schema.EntityLists, len(nodes), func(i int) []any {
		n := nodes[i]
		return []any{
			n.ID, string(n.Kind), n.Name, n.FolderID, n.SpaceID,
			boolToInt(n.Archived), timeToString(n.At),
		}
	})
}

// StageTasks bulk-writes a task batch into staging.
func (db *DB) StageTasks(ctx context.Context, tasks []*schema.TaskRecord) (int64, error) {
	return db.stageRows(ctx, schema.EntityTasks, len(tasks), func(i int) []any {
		t := tasks[i]
		return []any{
			t.ID, t.ListID, t.Name, t.Status, t.StatusType,
			t.TimeEstimateMS, boolToInt(t.Closed), boolToInt(t.Archived),
			timeToString(t.At),
		}
	})
}

// StageAccounts bulk-writes an account batch into staging. Cross-reference
// ID slices are stored as JSON arrays.
func (db *DB) StageAccounts(ctx context.Context, accounts []*schema.AccountRecord) (int64, error) {
	return db.stageRows(ctx, schema.EntityAccounts, len(accounts), func(i int) []any {
		a := accounts[i]
		return []any{
			a.ID, a.Name, a.DiscountRate, a.MonthlyRevenue,
			jsonArray(a.ListIDs), timeToString(a.At),
		}
	})
}

// StageApps bulk-writes an app batch into staging.
func (db *DB) StageApps(ctx context.Context, apps []*schema.AppRecord) (int64, error) {
	return db.stageRows(ctx, schema.EntityApps, len(apps), func(i int) []any {
		a := apps[i]
		return []any{a.ID, a.Name, jsonArray(a.AccountIDs), timeToString(a.At)}
	})
}

func jsonArray(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}
