package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nettsmed/clicksync/internal/schema"
)

// CommitRefresh commits a refresh-mode run for time entries: inside one
// transaction it deletes every fact row whose start instant falls inside
// [start, end) and inserts the full staged batch. Rows outside the window
// are untouched. The delete and insert share the transaction, so there is
// no visible gap and no column-level change tracking.
func (db *DB) CommitRefresh(ctx context.Context, start, end time.Time) (deleted, inserted int64, err error) {
	spec := tables[schema.EntityTimeEntries]

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE start_utc >= ? AND start_utc < ?`, spec.fact),
		timeToString(start), timeToString(end))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete window rows: %w", err)
	}
	deleted, _ = res.RowsAffected()

	cols := quoteJoin(spec.cols)
	res, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s, loaded_at) SELECT %s, ? FROM %s`,
			spec.fact, cols, cols, spec.staging),
		timeToString(time.Now()))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert staged batch: %w", err)
	}
	inserted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit refresh: %w", err)
	}
	return deleted, inserted, nil
}

// CommitReindex merges the staged batch into the fact table by identity
// key: matching keys are updated to the staged values, keys absent from
// the fact table are inserted, and fact rows whose key is not staged are
// left untouched. Nothing is ever deleted — a full reindex's staged batch
// already spans the complete history being revalidated.
//
// The merge is one upsert statement, so every staged key is guaranteed to
// exist in the fact table afterwards.
func (db *DB) CommitReindex(ctx context.Context, entity schema.EntityType) (merged int64, err error) {
	spec, ok := tables[entity]
	if !ok {
		return 0, fmt.Errorf("unknown entity type %q", entity)
	}

	var updates []string
	for _, col := range spec.cols {
		if col == "id" {
			continue
		}
		updates = append(updates, fmt.Sprintf(`"%s" = excluded."%s"`, col, col))
	}
	updates = append(updates, "loaded_at = excluded.loaded_at")

	cols := quoteJoin(spec.cols)
	query := fmt.Sprintf(`
	INSERT INTO %s (%s, loaded_at)
	SELECT %s, ? FROM %s
	WHERE true
	ON CONFLICT(id) DO UPDATE SET %s`,
		spec.fact, cols, cols, spec.staging, strings.Join(updates, ", "))

	res, err := db.conn.ExecContext(ctx, query, timeToString(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to merge %s into %s: %w", spec.staging, spec.fact, err)
	}
	merged, _ = res.RowsAffected()
	return merged, nil
}
