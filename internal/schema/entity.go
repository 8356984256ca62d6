package schema

import (
	"fmt"
	"time"
)

// EntityType selects which record family a run synchronizes.
type EntityType string

const (
	EntityTimeEntries EntityType = "time_entries"
	EntityLists       EntityType = "lists"
	EntityTasks       EntityType = "tasks"
	EntityAccounts    EntityType = "accounts"
	EntityApps        EntityType = "apps"
)

// AllEntities lists every entity type in sync order.
var AllEntities = []EntityType{
	EntityTimeEntries,
	EntityLists,
	EntityTasks,
	EntityAccounts,
	EntityApps,
}

// ParseEntityType validates a user-supplied entity selector.
func ParseEntityType(s string) (EntityType, error) {
	for _, e := range AllEntities {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q (want one of %v)", s, AllEntities)
}

// Record is the common shape shared by all canonical record types.
//
// Key returns the source-assigned identity key; ModifiedAt returns the
// last-modified instant used for latest-wins deduplication.
type Record interface {
	Key() string
	ModifiedAt() time.Time
}
