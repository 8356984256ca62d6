package pipeline

import (
	"time"

	"github.com/nettsmed/clicksync/internal/schema"
)

// Summary is the structured result of one run. A caller always receives a
// summary, even when the run fails; per-record and per-window failures are
// absorbed into its counters, and only configuration or destination
// failures mark the run FAILED.
type Summary struct {
	RunID  string            `json:"run_id"`
	Entity schema.EntityType `json:"entity"`
	Mode   Mode              `json:"mode"`
	State  State             `json:"state"`

	// Date range the run covered (time entries only).
	WindowStart time.Time `json:"window_start,omitempty"`
	WindowEnd   time.Time `json:"window_end,omitempty"`

	// Window counters.
	WindowsAttempted int `json:"windows_attempted"`
	WindowsSucceeded int `json:"windows_succeeded"`
	WindowsFailed    int `json:"windows_failed"`

	// Record counters.
	RecordsFetched   int   `json:"records_fetched"`
	RecordsDropped   int   `json:"records_dropped"`
	RecordsUnique    int   `json:"records_unique"`
	RecordsStaged    int64 `json:"records_staged"`
	RecordsCommitted int64 `json:"records_committed"`
	RowsDeleted      int64 `json:"rows_deleted"`

	// Request counters.
	Requests   int  `json:"requests"`
	Retries    int  `json:"retries"`
	PageCapHit bool `json:"page_cap_hit,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}
