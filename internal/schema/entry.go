package schema

import (
	"fmt"
	"time"
)

// TimeEntry is a normalized ClickUp time entry, flattened to the warehouse
// column layout. The raw user email never appears here; only its SHA-256
// digest survives transformation.
type TimeEntry struct {
	// ===== Identity =====
	ID string `json:"id"`

	// ===== Time range & derived durations =====
	StartUTC      time.Time `json:"start_utc"`
	EndUTC        time.Time `json:"end_utc"`
	DurationMS    int64     `json:"duration_ms"`
	DurationHours float64   `json:"duration_hours"`

	// Local calendar attributes derived from StartUTC in the target
	// timezone (Europe/Oslo for the production warehouse).
	StartLocal     time.Time `json:"start_local"`
	StartDateLocal string    `json:"start_date_local"` // YYYY-MM-DD

	// ===== Entry content =====
	Billable    bool   `json:"billable"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	IsLocked    bool   `json:"is_locked"`
	ApprovalID  string `json:"approval_id,omitempty"`

	// ===== Task references =====
	TaskID         string `json:"task_id,omitempty"`
	TaskName       string `json:"task_name,omitempty"`
	TaskURL        string `json:"task_url,omitempty"`
	TaskStatus     string `json:"task_status,omitempty"`
	TaskStatusType string `json:"task_status_type,omitempty"`

	// ===== Location references =====
	ListID   string `json:"list_id,omitempty"`
	FolderID string `json:"folder_id,omitempty"`
	SpaceID  string `json:"space_id,omitempty"`

	// ===== User (hashed) =====
	UserID          string `json:"user_id,omitempty"`
	UserName        string `json:"user_name,omitempty"`
	UserEmailSHA256 string `json:"user_email_sha256,omitempty"`

	// ===== Last modification (dedup conflict resolution) =====
	At time.Time `json:"at"`
}

// Key implements Record.
func (e *TimeEntry) Key() string { return e.ID }

// ModifiedAt implements Record.
func (e *TimeEntry) ModifiedAt() time.Time { return e.At }

// Validate checks the invariants a time entry must hold before staging.
func (e *TimeEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.StartUTC.IsZero() || e.EndUTC.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if e.EndUTC.Before(e.StartUTC) {
		return fmt.Errorf("start must not be after end (start=%s end=%s)", e.StartUTC, e.EndUTC)
	}
	if e.DurationMS < 0 {
		return fmt.Errorf("duration must be non-negative (got %d)", e.DurationMS)
	}
	return nil
}
