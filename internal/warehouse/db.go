// Package warehouse implements the analytical store the pipeline loads
// into.
//
// The store is an embedded SQLite database opened in WAL mode. Every
// entity type owns a fact table (the permanent store) and a staging table
// (an ephemeral, run-scoped landing area). A run bulk-writes its
// deduplicated batch into staging — fully overwriting any prior contents —
// and then commits with one of two merge modes:
//
//   - Refresh: within a single transaction, delete all fact rows whose
//     start instant falls inside the fetched date window, then insert the
//     full staged batch. Rows outside the window are untouched.
//   - Full reindex: merge staging into the fact table by identity key.
//     Matching keys are updated, missing keys are inserted, and fact rows
//     absent from staging are left alone. The merge never deletes.
//
// Both commits are atomic, so a failed run leaves no partial state and is
// safe to retry from the start.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/nettsmed/clicksync/internal/schema"
)

// DB wraps the warehouse database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a warehouse connection at the given path, creating parent
// directories as needed. The caller must Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create warehouse directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close warehouse: %w", err)
	}
	db.conn = nil
	return nil
}

// tableSpec describes one entity's fact/staging table pair. cols excludes
// the fact-only loaded_at column.
type tableSpec struct {
	fact    string
	staging string
	cols    []string
}

var tables = map[schema.EntityType]tableSpec{
	schema.EntityTimeEntries: {
		fact:    "fact_time_entries",
		staging: "staging_time_entries",
		cols: []string{
			"id", "start_utc", "end_utc", "duration_ms", "duration_hours",
			"start_local", "start_date_local", "billable", "description",
			"source", "is_locked", "approval_id", "task_id", "task_name",
			"task_url", "task_status", "task_status_type", "list_id",
			"folder_id", "space_id", "user_id", "user_name",
			"user_email_sha256", "at",
		},
	},
	schema.EntityLists: {
		fact:    "fact_lists",
		staging: "staging_lists",
		cols:    []string{"id", "kind", "name", "folder_id", "space_id", "archived", "at"},
	},
	schema.EntityTasks: {
		fact:    "fact_tasks",
		staging: "staging_tasks",
		cols: []string{
			"id", "list_id", "name", "status", "status_type",
			"time_estimate_ms", "closed", "archived", "at",
		},
	},
	schema.EntityAccounts: {
		fact:    "fact_accounts",
		staging: "staging_accounts",
		cols:    []string{"id", "name", "discount_rate", "monthly_revenue", "list_ids", "at"},
	},
	schema.EntityApps: {
		fact:    "fact_apps",
		staging: "staging_apps",
		cols:    []string{"id", "name", "account_ids", "at"},
	},
}

// columnTypes maps canonical column names to their SQLite declarations.
// Anything not listed is TEXT.
var columnTypes = map[string]string{
	"duration_ms":      "INTEGER",
	"duration_hours":   "REAL",
	"billable":         "INTEGER",
	"is_locked":        "INTEGER",
	"time_estimate_ms": "INTEGER",
	"closed":           "INTEGER",
	"archived":         "INTEGER",
	"discount_rate":    "REAL",
	"monthly_revenue":  "REAL",
}

// InitSchema creates every fact and staging table if absent, along with
// the indexes the commit paths rely on. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	var b strings.Builder
	for _, entity := range schema.AllEntities {
		spec := tables[entity]
		b.WriteString(createTableSQL(spec.fact, spec.cols, true))
		b.WriteString(createTableSQL(spec.staging, spec.cols, false))
	}
	b.WriteString("CREATE INDEX IF NOT EXISTS idx_fact_time_entries_start ON fact_time_entries(start_utc);\n")
	b.WriteString("CREATE INDEX IF NOT EXISTS idx_fact_time_entries_date ON fact_time_entries(start_date_local);\n")
	b.WriteString("CREATE INDEX IF NOT EXISTS idx_fact_tasks_list ON fact_tasks(list_id);\n")

	if _, err := db.conn.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func createTableSQL(name string, cols []string, fact bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", name)
	for _, col := range cols {
		typ := columnTypes[col]
		if typ == "" {
			typ = "TEXT"
		}
		if col == "id" {
			fmt.Fprintf(&b, "\t%s TEXT PRIMARY KEY,\n", col)
			continue
		}
		fmt.Fprintf(&b, "\t\"%s\" %s,\n", col, typ)
	}
	if fact {
		b.WriteString("\tloaded_at TEXT NOT NULL\n")
	} else {
		// Staging carries no load timestamp; it is overwritten whole.
		b.WriteString("\tstaged_at TEXT NOT NULL\n")
	}
	b.WriteString(");\n")
	return b.String()
}

// FactCount returns the permanent row count for an entity type.
func (db *DB) FactCount(ctx context.Context, entity schema.EntityType) (int64, error) {
	return db.count(ctx, tables[entity].fact)
}

// StagingCount returns the staged row count for an entity type.
func (db *DB) StagingCount(ctx context.Context, entity schema.EntityType) (int64, error) {
	return db.count(ctx, tables[entity].staging)
}

func (db *DB) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
