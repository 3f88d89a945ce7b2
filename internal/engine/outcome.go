package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// OutcomeMetrics is the measured change over a post-application window.
// Deltas compare the window after application to the equal-length window
// before it.
type OutcomeMetrics struct {
	WindowDays      int      `json:"window_days"`
	RevenueBefore   float64  `json:"revenue_before"`
	RevenueAfter    float64  `json:"revenue_after"`
	RevenueLift     float64  `json:"revenue_lift"`
	SpendBefore     float64  `json:"spend_before"`
	SpendAfter      float64  `json:"spend_after"`
	Savings         float64  `json:"savings"`
	ROASBefore      *float64 `json:"roas_before,omitempty"`
	ROASAfter       *float64 `json:"roas_after,omitempty"`
	ROASImprovement bool     `json:"roas_improvement"`
}

// MetricsLoader returns an entity's aggregated rows over [start, end).
// The outcome evaluator is the only engine component that reads metrics
// after the pipeline run that surfaced the insight.
type MetricsLoader interface {
	MetricsBetween(ctx context.Context, entityType EntityType, entityID string, start, end time.Time) ([]MetricRow, error)
}

// OutcomeEvaluator closes the loop on applied decisions: at +7d and +30d
// after application it measures what actually happened and scores the
// decision. Evaluation is idempotent; a window already recorded is never
// recomputed.
type OutcomeEvaluator struct {
	loader MetricsLoader
}

func NewOutcomeEvaluator(loader MetricsLoader) *OutcomeEvaluator {
	return &OutcomeEvaluator{loader: loader}
}

// Evaluate fills in whichever outcome windows have matured for the
// decision. Returns true when the row changed and needs persisting.
func (e *OutcomeEvaluator) Evaluate(ctx context.Context, d *DecisionHistory, now time.Time) (bool, error) {
	if !EligibleForOutcome(*d) {
		return false, nil
	}
	applied := *d.AppliedAt
	changed := false

	if d.OutcomeAfter7d == nil && now.Sub(applied) >= 7*24*time.Hour {
		m, err := e.measure(ctx, d, applied, 7)
		if err != nil {
			return changed, err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return changed, fmt.Errorf("encode 7d outcome: %w", err)
		}
		d.OutcomeAfter7d = raw
		changed = true
	}

	if d.OutcomeAfter30d == nil && now.Sub(applied) >= 30*24*time.Hour {
		m, err := e.measure(ctx, d, applied, 30)
		if err != nil {
			return changed, err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return changed, fmt.Errorf("encode 30d outcome: %w", err)
		}
		d.OutcomeAfter30d = raw
		changed = true
	}

	if changed {
		score := SuccessScore(d.OutcomeAfter7d, d.OutcomeAfter30d)
		d.SuccessScore = &score
		d.UpdatedAt = now
	}
	return changed, nil
}

func (e *OutcomeEvaluator) measure(ctx context.Context, d *DecisionHistory, applied time.Time, windowDays int) (*OutcomeMetrics, error) {
	window := time.Duration(windowDays) * 24 * time.Hour
	before, err := e.loader.MetricsBetween(ctx, d.EntityType, d.EntityID, applied.Add(-window), applied)
	if err != nil {
		return nil, fmt.Errorf("load pre-application metrics: %w", err)
	}
	after, err := e.loader.MetricsBetween(ctx, d.EntityType, d.EntityID, applied, applied.Add(window))
	if err != nil {
		return nil, fmt.Errorf("load post-application metrics: %w", err)
	}

	m := &OutcomeMetrics{WindowDays: windowDays}
	m.SpendBefore, m.RevenueBefore = sumSpendRevenue(before)
	m.SpendAfter, m.RevenueAfter = sumSpendRevenue(after)
	m.RevenueLift = m.RevenueAfter - m.RevenueBefore
	m.Savings = m.SpendBefore - m.SpendAfter
	m.ROASBefore = SafeDiv(m.RevenueBefore, m.SpendBefore)
	m.ROASAfter = SafeDiv(m.RevenueAfter, m.SpendAfter)
	if m.ROASBefore != nil && m.ROASAfter != nil {
		m.ROASImprovement = *m.ROASAfter > *m.ROASBefore
	}
	return m, nil
}

// SuccessScore folds recorded outcome payloads into a 0-1 score. The
// baseline is 0.5 (no evidence either way); each window with a revenue
// lift or ROAS improvement adds 0.25, each window that declined on both
// counts subtracts 0.25, and realized savings add 0.1. A recommendation
// that promised improvement and delivered decline in both windows lands
// at 0. Malformed payloads contribute nothing.
func SuccessScore(outcome7d, outcome30d json.RawMessage) float64 {
	score := 0.5
	for _, payload := range []json.RawMessage{outcome7d, outcome30d} {
		if payload == nil {
			continue
		}
		var m OutcomeMetrics
		if err := json.Unmarshal(payload, &m); err != nil {
			continue
		}
		switch {
		case m.RevenueLift > 0 || m.ROASImprovement:
			score += 0.25
		case m.RevenueLift < 0:
			score -= 0.25
		}
		if m.Savings > 0 {
			score += 0.1
		}
	}
	return math.Round(clamp01(score)*100) / 100
}

func sumSpendRevenue(rows []MetricRow) (spend, revenue float64) {
	for _, r := range rows {
		spend += r.Spend
		revenue += r.Revenue
	}
	return spend, revenue
}
