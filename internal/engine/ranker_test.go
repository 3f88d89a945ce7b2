package engine

import (
	"math"
	"testing"
	"time"
)

func rankedInsight(id string, estimate, confidence float64, sev Severity, age time.Duration, now time.Time) Insight {
	return Insight{
		InsightID:      id,
		EntityID:       id,
		ExpectedImpact: ExpectedImpact{Metric: "potential_savings", Estimate: estimate, Units: "usd"},
		Confidence:     confidence,
		Severity:       sev,
		Status:         InsightNew,
		CreatedAt:      now.Add(-age),
	}
}

func TestPriorityFormula(t *testing.T) {
	now := time.Now().UTC()
	r := NewRanker(DefaultRankerConfig())

	in := rankedInsight("a", 500, 0.8, SeverityHigh, 0, now)
	// impact 500/1000=0.5, confidence 0.8, recency 1.0, severity 1.5/2.0.
	want := 0.5 * 0.8 * 1.0 * 0.75
	if got := r.Priority(in, now); math.Abs(got-want) > 1e-9 {
		t.Errorf("priority = %v, want %v", got, want)
	}
}

func TestPriorityBounded(t *testing.T) {
	now := time.Now().UTC()
	r := NewRanker(DefaultRankerConfig())
	in := rankedInsight("a", 1e9, 5.0, SeverityCritical, 0, now)
	if got := r.Priority(in, now); got > 1.0 {
		t.Errorf("priority %v escaped [0,1]", got)
	}
	low := rankedInsight("b", 0, 0, SeverityLow, 60*24*time.Hour, now)
	if got := r.Priority(low, now); got <= 0 || got > 1 {
		t.Errorf("floored priority = %v, want (0,1]", got)
	}
}

func TestPriorityRecencyDecay(t *testing.T) {
	now := time.Now().UTC()
	r := NewRanker(DefaultRankerConfig())
	fresh := r.Priority(rankedInsight("a", 500, 0.8, SeverityHigh, 0, now), now)
	weekOld := r.Priority(rankedInsight("a", 500, 0.8, SeverityHigh, 5*24*time.Hour, now), now)
	monthOld := r.Priority(rankedInsight("a", 500, 0.8, SeverityHigh, 60*24*time.Hour, now), now)
	if !(fresh > weekOld && weekOld > monthOld) {
		t.Errorf("recency should decay: %v, %v, %v", fresh, weekOld, monthOld)
	}
}

func TestRankOrdersAndNumbers(t *testing.T) {
	now := time.Now().UTC()
	insights := []Insight{
		rankedInsight("low", 50, 0.5, SeverityLow, 48*time.Hour, now),
		rankedInsight("high", 900, 0.9, SeverityCritical, 0, now),
		rankedInsight("mid", 300, 0.7, SeverityMedium, 12*time.Hour, now),
	}
	ranked := NewRanker(DefaultRankerConfig()).Rank(insights, now)

	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if ranked[i].InsightID != id {
			t.Fatalf("rank %d = %q, want %q", i+1, ranked[i].InsightID, id)
		}
		if ranked[i].Rank != i+1 {
			t.Errorf("rank field = %d, want %d", ranked[i].Rank, i+1)
		}
		if ranked[i].PriorityScore <= 0 {
			t.Errorf("insight %q has no priority score", id)
		}
	}
}

func TestRankDerivedNotHandSet(t *testing.T) {
	now := time.Now().UTC()
	in := rankedInsight("a", 500, 0.8, SeverityHigh, 0, now)
	in.PriorityScore = 0.99999 // hand-set value must be overwritten
	ranked := NewRanker(DefaultRankerConfig()).Rank([]Insight{in}, now)
	if ranked[0].PriorityScore == 0.99999 {
		t.Error("priority score must be recomputed from evidence, never trusted")
	}
}

func TestTopDecisionsUrgencyAndStatus(t *testing.T) {
	now := time.Now().UTC()
	applied := rankedInsight("applied", 900, 0.9, SeverityCritical, 0, now)
	applied.Status = InsightApplied

	insights := []Insight{
		applied,
		rankedInsight("critical", 400, 0.8, SeverityCritical, 0, now),
		rankedInsight("low", 420, 0.8, SeverityLow, 0, now),
		rankedInsight("mid", 400, 0.8, SeverityMedium, 0, now),
		rankedInsight("extra", 10, 0.2, SeverityLow, 72*time.Hour, now),
	}
	top := NewRanker(DefaultRankerConfig()).TopDecisions(insights, 3, InsightNew, now)

	if len(top) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(top))
	}
	for _, in := range top {
		if in.InsightID == "applied" {
			t.Error("non-new insight leaked into top decisions")
		}
	}
	// Urgency boost: critical at 400 beats low at 420.
	if top[0].InsightID != "critical" {
		t.Errorf("top decision = %q, want critical", top[0].InsightID)
	}
	if top[0].Rank != 1 || top[1].Rank != 2 {
		t.Errorf("ranks not renumbered: %d, %d", top[0].Rank, top[1].Rank)
	}
}
