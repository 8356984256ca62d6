// Package transform normalizes raw ClickUp records to the canonical
// warehouse schema.
//
// Each entity type runs through a declarative field table (see Table):
// every canonical field names its source path, target kind and a fallback
// used when coercion fails. Transformation never raises for a single bad
// record; records missing a mandatory field are dropped and counted, so
// len(output) + dropped == len(input) always holds.
package transform

import (
	"log"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/nettsmed/clicksync/internal/schema"
)

// TargetTimezone is the fixed timezone local calendar fields are derived
// in. The warehouse reports in Norwegian business time.
const TargetTimezone = "Europe/Oslo"

// timeEntryTable is the field table for ClickUp time entries, mirroring
// the flattened warehouse columns.
var timeEntryTable = Table{
	Fields: []Field{
		{Target: "id", Source: "id", Kind: KindString, Fallback: ""},
		{Target: "start", Source: "start", Kind: KindMillis, Fallback: time.Time{}},
		{Target: "end", Source: "end", Kind: KindMillis, Fallback: time.Time{}},
		{Target: "duration_ms", Source: "duration", Kind: KindInt, Fallback: int64(0)},
		{Target: "billable", Source: "billable", Kind: KindBool, Fallback: false},
		{Target: "description", Source: "description", Kind: KindString, Fallback: ""},
		{Target: "source", Source: "source", Kind: KindString, Fallback: ""},
		{Target: "at", Source: "at", Kind: KindMillis, Fallback: time.Time{}},
		{Target: "is_locked", Source: "is_locked", Kind: KindBool, Fallback: false},
		{Target: "approval_id", Source: "approval_id", Kind: KindString, Fallback: ""},
		{Target: "task_id", Source: "task.id", Kind: KindString, Fallback: ""},
		{Target: "task_name", Source: "task.name", Kind: KindString, Fallback: ""},
		{Target: "task_url", Source: "task_url", Kind: KindString, Fallback: ""},
		{Target: "task_status", Source: "task.status.status", Kind: KindString, Fallback: ""},
		{Target: "task_status_type", Source: "task.status.type", Kind: KindString, Fallback: ""},
		{Target: "list_id", Source: "task_location.list_id", Kind: KindString, Fallback: ""},
		{Target: "folder_id", Source: "task_location.folder_id", Kind: KindString, Fallback: ""},
		{Target: "space_id", Source: "task_location.space_id", Kind: KindString, Fallback: ""},
		{Target: "user_id", Source: "user.id", Kind: KindString, Fallback: ""},
		{Target: "user_name", Source: "user.username", Kind: KindString, Fallback: ""},
		{Target: "user_email", Source: "user.email", Kind: KindString, Fallback: ""},
	},
	Mandatory: []string{"id", "start", "end"},
}

// taskTable is the field table for ClickUp tasks.
var taskTable = Table{
	Fields: []Field{
		{Target: "id", Source: "id", Kind: KindString, Fallback: ""},
		{Target: "list_id", Source: "list.id", Kind: KindString, Fallback: ""},
		{Target: "name", Source: "name", Kind: KindString, Fallback: ""},
		{Target: "status", Source: "status.status", Kind: KindString, Fallback: ""},
		{Target: "status_type", Source: "status.type", Kind: KindString, Fallback: ""},
		{Target: "time_estimate_ms", Source: "time_estimate", Kind: KindInt, Fallback: int64(0)},
		{Target: "archived", Source: "archived", Kind: KindBool, Fallback: false},
		{Target: "at", Source: "date_updated", Kind: KindMillis, Fallback: time.Time{}},
	},
	Mandatory: []string{"id", "list_id"},
}

// Transformer normalizes raw records for all entity types.
type Transformer struct {
	loc     *time.Location
	mapping Mapping
	logger  *log.Logger
}

// New creates a Transformer. If logger is nil a default stderr logger is
// used. The target timezone is resolved from the embedded tzdata, so the
// result is identical inside a scratch container.
func New(mapping Mapping, logger *log.Logger) (*Transformer, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[transform] ", log.LstdFlags)
	}
	loc, err := time.LoadLocation(TargetTimezone)
	if err != nil {
		return nil, err
	}
	return &Transformer{loc: loc, mapping: mapping, logger: logger}, nil
}

// TimeEntries normalizes raw time entries. Records missing a mandatory
// field (identity key, start, end) are dropped and counted.
func (t *Transformer) TimeEntries(raw []map[string]any) ([]*schema.TimeEntry, int) {
	out := make([]*schema.TimeEntry, 0, len(raw))
	dropped := 0

	for _, r := range raw {
		flat, err := timeEntryTable.Apply(r)
		if err != nil {
			t.logger.Printf("WARNING: dropping time entry: %v", err)
			dropped++
			continue
		}

		start := flat["start"].(time.Time)
		end := flat["end"].(time.Time)

		// Prefer the explicit duration; recompute from the range when it
		// is absent or inconsistent with start <= end.
		durationMS := flat["duration_ms"].(int64)
		if durationMS <= 0 {
			durationMS = end.Sub(start).Milliseconds()
		}
		if durationMS < 0 {
			durationMS = 0
		}

		startLocal := start.In(t.loc)
		entry := &schema.TimeEntry{
			ID:              flat["id"].(string),
			StartUTC:        start,
			EndUTC:          end,
			DurationMS:      durationMS,
			DurationHours:   float64(durationMS) / 3_600_000,
			StartLocal:      startLocal,
			StartDateLocal:  startLocal.Format("2006-01-02"),
			Billable:        flat["billable"].(bool),
			Description:     flat["description"].(string),
			Source:          flat["source"].(string),
			IsLocked:        flat["is_locked"].(bool),
			ApprovalID:      flat["approval_id"].(string),
			TaskID:          flat["task_id"].(string),
			TaskName:        flat["task_name"].(string),
			TaskURL:         flat["task_url"].(string),
			TaskStatus:      flat["task_status"].(string),
			TaskStatusType:  flat["task_status_type"].(string),
			ListID:          flat["list_id"].(string),
			FolderID:        flat["folder_id"].(string),
			SpaceID:         flat["space_id"].(string),
			UserID:          flat["user_id"].(string),
			UserName:        flat["user_name"].(string),
			UserEmailSHA256: HashPII(flat["user_email"].(string)),
			At:              flat["at"].(time.Time),
		}
		if entry.At.IsZero() {
			entry.At = entry.EndUTC
		}

		if err := entry.Validate(); err != nil {
			t.logger.Printf("WARNING: dropping time entry %s: %v", entry.ID, err)
			dropped++
			continue
		}
		out = append(out, entry)
	}
	return out, dropped
}

// Hierarchy normalizes spaces, folders and lists into one node batch.
// Lists whose space reference does not resolve inside the batch are
// dropped and counted, preserving the batch invariant.
func (t *Transformer) Hierarchy(spaces, folders, lists []map[string]any) ([]*schema.HierarchyNode, int) {
	nodes := make([]*schema.HierarchyNode, 0, len(spaces)+len(folders)+len(lists))
	dropped := 0

	add := func(raw map[string]any, kind schema.NodeKind) {
		n := &schema.HierarchyNode{
			Kind:     kind,
			ID:       coerce(raw["id"], KindString, "").(string),
			Name:     coerce(raw["name"], KindString, "").(string),
			Archived: coerce(raw["archived"], KindBool, false).(bool),
			At:       coerce(raw["date_updated"], KindMillis, time.Time{}).(time.Time),
		}
		switch kind {
		case schema.NodeFolder:
			n.SpaceID = coerce(lookup(raw, "space.id"), KindString, "").(string)
		case schema.NodeList:
			n.SpaceID = coerce(lookup(raw, "space.id"), KindString, "").(string)
			n.FolderID = coerce(lookup(raw, "folder.id"), KindString, "").(string)
		}
		if err := n.Validate(); err != nil {
			t.logger.Printf("WARNING: dropping %s node: %v", kind, err)
			dropped++
			return
		}
		nodes = append(nodes, n)
	}

	for _, r := range spaces {
		add(r, schema.NodeSpace)
	}
	for _, r := range folders {
		add(r, schema.NodeFolder)
	}
	for _, r := range lists {
		add(r, schema.NodeList)
	}

	if dangling := schema.ResolveBatch(nodes); len(dangling) > 0 {
		keep := nodes[:0]
		bad := make(map[string]bool, len(dangling))
		for _, id := range dangling {
			bad[id] = true
			t.logger.Printf("WARNING: dropping list %s: space reference not in batch", id)
		}
		for _, n := range nodes {
			if n.Kind == schema.NodeList && bad[n.ID] {
				dropped++
				continue
			}
			keep = append(keep, n)
		}
		nodes = keep
	}
	return nodes, dropped
}

// Tasks normalizes raw tasks.
func (t *Transformer) Tasks(raw []map[string]any) ([]*schema.TaskRecord, int) {
	out := make([]*schema.TaskRecord, 0, len(raw))
	dropped := 0

	for _, r := range raw {
		flat, err := taskTable.Apply(r)
		if err != nil {
			t.logger.Printf("WARNING: dropping task: %v", err)
			dropped++
			continue
		}

		estimate := flat["time_estimate_ms"].(int64)
		if estimate < 0 {
			estimate = 0
		}
		statusType := flat["status_type"].(string)
		task := &schema.TaskRecord{
			ID:             flat["id"].(string),
			ListID:         flat["list_id"].(string),
			Name:           flat["name"].(string),
			Status:         flat["status"].(string),
			StatusType:     statusType,
			TimeEstimateMS: estimate,
			Closed:         statusType == "closed" || statusType == "done",
			Archived:       flat["archived"].(bool),
			At:             flat["at"].(time.Time),
		}
		if err := task.Validate(); err != nil {
			t.logger.Printf("WARNING: dropping task %s: %v", task.ID, err)
			dropped++
			continue
		}
		out = append(out, task)
	}
	return out, dropped
}

// Accounts normalizes CRM account rows. The commercial attributes live in
// custom fields named by the mapping; a discount arriving as "15%" or a
// revenue figure arriving as a string coerce with fallback 0.
func (t *Transformer) Accounts(raw []map[string]any) ([]*schema.AccountRecord, int) {
	out := make([]*schema.AccountRecord, 0, len(raw))
	dropped := 0

	for _, r := range raw {
		acct := &schema.AccountRecord{
			ID:             coerce(r["id"], KindString, "").(string),
			Name:           coerce(r["name"], KindString, "").(string),
			DiscountRate:   coerce(customField(r, t.mapping.Accounts.DiscountField), KindFloat, float64(0)).(float64),
			MonthlyRevenue: coerce(customField(r, t.mapping.Accounts.RevenueField), KindFloat, float64(0)).(float64),
			ListIDs:        refList(customField(r, t.mapping.Accounts.ListRefsField)),
			At:             coerce(r["date_updated"], KindMillis, time.Time{}).(time.Time),
		}
		if acct.DiscountRate > 1 {
			// The CRM field stores whole percentages.
			acct.DiscountRate /= 100
		}
		if err := acct.Validate(); err != nil {
			t.logger.Printf("WARNING: dropping account: %v", err)
			dropped++
			continue
		}
		out = append(out, acct)
	}
	return out, dropped
}

// Apps normalizes CRM app rows.
func (t *Transformer) Apps(raw []map[string]any) ([]*schema.AppRecord, int) {
	out := make([]*schema.AppRecord, 0, len(raw))
	dropped := 0

	for _, r := range raw {
		app := &schema.AppRecord{
			ID:         coerce(r["id"], KindString, "").(string),
			Name:       coerce(r["name"], KindString, "").(string),
			AccountIDs: refList(customField(r, t.mapping.Apps.AccountRefsField)),
			At:         coerce(r["date_updated"], KindMillis, time.Time{}).(time.Time),
		}
		if err := app.Validate(); err != nil {
			t.logger.Printf("WARNING: dropping app: %v", err)
			dropped++
			continue
		}
		out = append(out, app)
	}
	return out, dropped
}

// customField finds a named entry in a raw record's custom_fields array
// and returns its value, or nil when absent.
func customField(raw map[string]any, name string) any {
	fields, ok := raw["custom_fields"].([]any)
	if !ok || name == "" {
		return nil
	}
	for _, f := range fields {
		m, ok := f.(map[string]any)
		if !ok {
			continue
		}
		if n, _ := m["name"].(string); n == name {
			return m["value"]
		}
	}
	return nil
}

// refList coerces a cross-reference custom field value to an ID slice.
// The API returns relationship fields either as an array of objects with
// an id, an array of plain strings, or a single string.
func refList(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			switch e := item.(type) {
			case string:
				out = append(out, e)
			case map[string]any:
				if id := coerce(e["id"], KindString, "").(string); id != "" {
					out = append(out, id)
				}
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
