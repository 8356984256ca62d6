package pipeline

// Mode selects the commit protocol for a time-entries run.
type Mode string

const (
	// ModeRefresh fetches a trailing lookback range and commits with a
	// windowed delete-then-insert.
	ModeRefresh Mode = "refresh"

	// ModeFullReindex fetches the complete history and commits with an
	// additive merge that never deletes.
	ModeFullReindex Mode = "full_reindex"
)

// State is a run's position in its lifecycle.
type State string

const (
	StateInit      State = "INIT"
	StatePlan      State = "PLAN"
	StateFetch     State = "FETCH"
	StateTransform State = "TRANSFORM"
	StateDedup     State = "DEDUP"
	StateStage     State = "STAGE"
	StateCommit    State = "COMMIT"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)
