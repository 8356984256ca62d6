package pipeline

import (
	"errors"
	"sync"

	"github.com/nettsmed/clicksync/internal/schema"
)

// ErrRunInFlight is returned when a run is requested for an entity type
// that already has one executing. Concurrent staging overwrites or
// concurrent commits for the same entity would be unobservable races, so
// runs are serialized per entity type; disjoint entity types proceed
// independently.
var ErrRunInFlight = errors.New("a run for this entity type is already in flight")

// flightTable is the in-process single-flight guard, one slot per entity.
type flightTable struct {
	mu   sync.Mutex
	busy map[schema.EntityType]bool
}

func newFlightTable() *flightTable {
	return &flightTable{busy: make(map[schema.EntityType]bool)}
}

func (f *flightTable) acquire(entity schema.EntityType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[entity] {
		return ErrRunInFlight
	}
	f.busy[entity] = true
	return nil
}

func (f *flightTable) release(entity schema.EntityType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.busy, entity)
}
