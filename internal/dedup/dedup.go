// Package dedup collapses records sharing an identity key to the single
// most recent observation.
//
// Duplicates are expected: adjacent fetch windows can overlap at a
// boundary instant, and the source returns an edited record once per
// observation. The collapse is latest-wins by last-modified instant, with
// ties broken deterministically, so the result is insensitive to the
// input's original ordering and applying it twice yields the same set.
package dedup

import (
	"sort"

	"github.com/nettsmed/clicksync/internal/schema"
)

// Collapse returns at most one record per identity key: the member with
// the latest last-modified instant. Ties on the instant are broken by the
// stable order after sorting last-modified descending, key ascending.
//
// Collapse is idempotent and never returns more records than it was given.
func Collapse[R schema.Record](in []R) []R {
	if len(in) <= 1 {
		return in
	}

	sorted := make([]R, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := sorted[i].ModifiedAt(), sorted[j].ModifiedAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return sorted[i].Key() < sorted[j].Key()
	})

	seen := make(map[string]bool, len(sorted))
	out := sorted[:0]
	for _, r := range sorted {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		out = append(out, r)
	}
	return out
}
