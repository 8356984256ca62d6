package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nettsmed/clicksync/internal/schema"
)

// writeSnapshot writes a timestamped CSV snapshot of a run's transformed
// batch for human inspection. The snapshot is write-only: no pipeline
// component reads it back, so a snapshot failure is logged and absorbed,
// never fatal.
func writeSnapshot(dir string, entity schema.EntityType, runID string, header []string, rows [][]string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create audit directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.csv", entity, time.Now().UTC().Format("20060102T150405Z"), runID)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("failed to write snapshot header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("failed to write snapshot row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return path, nil
}

var timeEntryHeader = []string{
	"id", "start_utc", "end_utc", "duration_ms", "duration_hours",
	"start_date_local", "billable", "description", "source", "task_id",
	"task_name", "list_id", "folder_id", "space_id", "user_id",
	"user_email_sha256", "at",
}

func timeEntryRows(entries []*schema.TimeEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID,
			e.StartUTC.Format(time.RFC3339),
			e.EndUTC.Format(time.RFC3339),
			strconv.FormatInt(e.DurationMS, 10),
			strconv.FormatFloat(e.DurationHours, 'f', 4, 64),
			e.StartDateLocal,
			strconv.FormatBool(e.Billable),
			e.Description,
			e.Source,
			e.TaskID,
			e.TaskName,
			e.ListID,
			e.FolderID,
			e.SpaceID,
			e.UserID,
			e.UserEmailSHA256,
			e.At.Format(time.RFC3339),
		})
	}
	return rows
}

var hierarchyHeader = []string{"id", "kind", "name", "folder_id", "space_id", "archived", "at"}

func hierarchyRows(nodes []*schema.HierarchyNode) [][]string {
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, []string{
			n.ID, string(n.Kind), n.Name, n.FolderID, n.SpaceID,
			strconv.FormatBool(n.Archived), n.At.Format(time.RFC3339),
		})
	}
	return rows
}

var taskHeader = []string{"id", "list_id", "name", "status", "status_type", "time_estimate_ms", "closed", "archived", "at"}

func taskRows(tasks []*schema.TaskRecord) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID, t.ListID, t.Name, t.Status, t.StatusType,
			strconv.FormatInt(t.TimeEstimateMS, 10),
			strconv.FormatBool(t.Closed),
			strconv.FormatBool(t.Archived),
			t.At.Format(time.RFC3339),
		})
	}
	return rows
}

var accountHeader = []string{"id", "name", "discount_rate", "monthly_revenue", "list_ids", "at"}

func accountRows(accounts []*schema.AccountRecord) [][]string {
	rows := make([][]string, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, []string{
			a.ID, a.Name,
			strconv.FormatFloat(a.DiscountRate, 'f', 4, 64),
			strconv.FormatFloat(a.MonthlyRevenue, 'f', 2, 64),
			strings.Join(a.ListIDs, ";"),
			a.At.Format(time.RFC3339),
		})
	}
	return rows
}

var appHeader = []string{"id", "name", "account_ids", "at"}

func appRows(apps []*schema.AppRecord) [][]string {
	rows := make([][]string, 0, len(apps))
	for _, a := range apps {
		rows = append(rows, []string{
			a.ID, a.Name, strings.Join(a.AccountIDs, ";"), a.At.Format(time.RFC3339),
		})
	}
	return rows
}
