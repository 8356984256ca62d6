package schema

import (
	"fmt"
	"time"
)

// TaskRecord is a normalized ClickUp task.
type TaskRecord struct {
	ID             string    `json:"id"`
	ListID         string    `json:"list_id"`
	Name           string    `json:"name"`
	Status         string    `json:"status,omitempty"`
	StatusType     string    `json:"status_type,omitempty"`
	TimeEstimateMS int64     `json:"time_estimate_ms"`
	Closed         bool      `json:"closed"`
	Archived       bool      `json:"archived"`
	At             time.Time `json:"at"`
}

// Key implements Record.
func (t *TaskRecord) Key() string { return t.ID }

// ModifiedAt implements Record.
func (t *TaskRecord) ModifiedAt() time.Time { return t.At }

// Validate checks the invariants a task must hold before staging.
func (t *TaskRecord) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.ListID == "" {
		return fmt.Errorf("task %s has no containing list", t.ID)
	}
	if t.TimeEstimateMS < 0 {
		return fmt.Errorf("time estimate must be non-negative (got %d)", t.TimeEstimateMS)
	}
	return nil
}
