// Package window plans the date sub-ranges a sync run fetches.
//
// The ClickUp time-entries endpoint refuses ranges wider than roughly one
// month, so a requested range is split into an ordered, contiguous,
// non-overlapping sequence of sub-windows whose union equals the request
// exactly. Planning is a pure computation: no I/O, no clock reads beyond
// the caller-supplied instants.
package window

import (
	"fmt"
	"time"
)

// MaxSourceSpan is the widest range one time-entries request may cover.
// The production pipeline fetched calendar months; 31 days covers the
// worst month and stays under the API's observed ceiling.
const MaxSourceSpan = 31 * 24 * time.Hour

// Window is one half-open fetch range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Span returns the window's width.
func (w Window) Span() time.Duration { return w.End.Sub(w.Start) }

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Plan splits [start, end) into consecutive windows of at most maxSpan.
//
// The returned windows are ordered, pairwise non-overlapping, contiguous,
// and their union equals the input range exactly; the final window is
// clipped to end. An empty range yields no windows.
func Plan(start, end time.Time, maxSpan time.Duration) ([]Window, error) {
	if maxSpan <= 0 {
		return nil, fmt.Errorf("max span must be positive (got %s)", maxSpan)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("range end %s precedes start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	var windows []Window
	for cursor := start; cursor.Before(end); {
		next := cursor.Add(maxSpan)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cursor, End: next})
		cursor = next
	}
	return windows, nil
}

// Lookback returns the refresh-mode range covering the trailing number of
// days up to now.
func Lookback(now time.Time, days int) (time.Time, time.Time) {
	return now.AddDate(0, 0, -days), now
}
