package engine

import (
	"errors"
	"fmt"
)

// ErrDataGap marks insufficient history to fit a model or compute a
// baseline. Handled per entity/channel: the affected output degrades to
// null/low-confidence, the run continues.
var ErrDataGap = errors.New("insufficient history")

// ErrModelDivergence marks a regression that failed to converge or produced
// a degenerate fit. The affected channel's coefficient is marked
// unavailable; other channels proceed.
var ErrModelDivergence = errors.New("model divergence")

// ErrInvalidTransition marks a rejected lifecycle status change. No
// mutation is applied.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrDuplicateWrite marks an insight_hash collision on insert. Callers
// resolve it with upsert semantics rather than surfacing it.
var ErrDuplicateWrite = errors.New("duplicate insight hash")

// ErrUpstreamTimeout marks a warehouse read that exceeded its deadline
// after bounded retries. The run fails with a clear run-level status.
var ErrUpstreamTimeout = errors.New("upstream timeout")

// ErrNotFound is the shared repository sentinel for missing rows.
var ErrNotFound = errors.New("not found")

// DataGapError carries the entity and channel a gap was detected for.
type DataGapError struct {
	Channel Channel
	Need    int
	Have    int
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("insufficient history for channel %q: need %d rows, have %d", e.Channel, e.Need, e.Have)
}

func (e *DataGapError) Unwrap() error { return ErrDataGap }

// TransitionError reports the rejected from/to pair.
type TransitionError struct {
	From DecisionStatus
	To   DecisionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// RunError wraps a stage failure with enough context to resume or
// re-trigger the run.
type RunError struct {
	RunID     string
	Stage     string
	Processed int
	Total     int
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed at stage %q (%d/%d entities): %v",
		e.RunID, e.Stage, e.Processed, e.Total, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
