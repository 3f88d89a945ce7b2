package engine

import (
	"fmt"
	"time"
)

var statusRank = map[DecisionStatus]int{
	DecisionNew:      0,
	DecisionReviewed: 1,
	DecisionApplied:  2,
	DecisionVerified: 3,
}

// ValidTransition reports whether a decision may move from one status to
// another. The lifecycle only moves forward: NEW→REVIEWED→APPLIED→VERIFIED,
// skipping allowed except into VERIFIED, which requires an applied
// decision to verify. REJECTED is a terminal branch available before a
// decision is acted on; nothing leaves it.
func ValidTransition(from, to DecisionStatus) bool {
	if from == to {
		return false
	}
	if from == DecisionRejected || from == DecisionVerified {
		return false
	}
	if to == DecisionRejected {
		return from == DecisionNew || from == DecisionReviewed
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	if to == DecisionVerified {
		return from == DecisionApplied
	}
	return toRank > fromRank
}

// Transition applies a status change to a decision, stamping actor and
// timestamps. Returns ErrInvalidTransition (wrapped with the attempted
// states) when the move is not allowed.
func Transition(d *DecisionHistory, to DecisionStatus, actor string, now time.Time) error {
	if !ValidTransition(d.Status, to) {
		return &TransitionError{From: d.Status, To: to}
	}
	d.Status = to
	d.UpdatedAt = now
	if to == DecisionApplied {
		d.AppliedBy = actor
		t := now
		d.AppliedAt = &t
	}
	return nil
}

// NewDecision opens a lifecycle row for a freshly surfaced insight.
func NewDecision(historyID string, in Insight, now time.Time) DecisionHistory {
	return DecisionHistory{
		HistoryID:         historyID,
		InsightID:         in.InsightID,
		EntityType:        in.EntityType,
		EntityID:          in.EntityID,
		RecommendedAction: in.Recommendation,
		Status:            DecisionNew,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// EligibleForOutcome reports whether a decision should be picked up by the
// outcome evaluator: applied (or verified, for the 30d pass), with a known
// application time.
func EligibleForOutcome(d DecisionHistory) bool {
	if d.AppliedAt == nil {
		return false
	}
	return d.Status == DecisionApplied || d.Status == DecisionVerified
}

// InsightStatusFor maps a decision status onto the operator-facing insight
// status so both records stay in step.
func InsightStatusFor(s DecisionStatus) (InsightStatus, error) {
	switch s {
	case DecisionNew:
		return InsightNew, nil
	case DecisionReviewed:
		return InsightReviewed, nil
	case DecisionApplied, DecisionVerified:
		return InsightApplied, nil
	case DecisionRejected:
		return InsightRejected, nil
	}
	return "", fmt.Errorf("unknown decision status %q", s)
}
