package engine

import (
	"testing"
	"time"
)

func TestReasonerMergesSignalsPerEntity(t *testing.T) {
	signals := []Signal{
		{Source: SourceRule, RuleID: "roas_decline", SignalType: "roas_decline", EntityType: EntityCampaign, EntityID: "c1", Metric: "roas_pct_delta_28d", Observed: -0.4, Period: "2026-06-10"},
		{Source: SourceRule, RuleID: "funnel_leak", SignalType: "funnel_leak", EntityType: EntityCampaign, EntityID: "c1", Metric: "conversion_rate", Observed: 0.001, Period: "2026-06-10"},
		{Source: SourceRule, RuleID: "waste_zero_revenue", SignalType: "waste_zero_revenue", EntityType: EntityCampaign, EntityID: "c2", Metric: "revenue", Observed: 0, Period: "2026-06-10"},
	}
	now := time.Now().UTC()
	insights := NewReasoner(nil).Reason("run1", signals, nil, "2026-06-10", 0.1, now)

	if len(insights) != 2 {
		t.Fatalf("expected 2 insights (one per entity), got %d", len(insights))
	}

	c1 := insights[0]
	if c1.EntityID != "c1" {
		t.Fatalf("insights out of order: %v", insights)
	}
	// roas_decline + funnel_leak is the combined traffic-quality pattern.
	if c1.RootCause != "Traffic quality degradation" {
		t.Errorf("root cause = %q", c1.RootCause)
	}
	if c1.Confidence != 0.88 {
		t.Errorf("confidence = %v, want 0.88", c1.Confidence)
	}
	if len(c1.Evidence) != 2 {
		t.Errorf("evidence = %+v, want both signals", c1.Evidence)
	}
	if len(c1.DetectedBy) != 2 {
		t.Errorf("detected_by = %v", c1.DetectedBy)
	}
	if c1.Disagreement != 0.1 {
		t.Errorf("disagreement = %v, want run's score", c1.Disagreement)
	}

	c2 := insights[1]
	if c2.RootCause != "Spend with zero revenue" || c2.Severity != SeverityHigh {
		t.Errorf("c2 = root_cause %q severity %q", c2.RootCause, c2.Severity)
	}
}

func TestReasonerIdempotentHashes(t *testing.T) {
	signals := []Signal{
		{Source: SourceRule, RuleID: "waste_zero_revenue", SignalType: "waste_zero_revenue", EntityType: EntityCampaign, EntityID: "c1", Metric: "revenue", Period: "2026-06-10"},
	}
	r := NewReasoner(nil)
	now := time.Now().UTC()
	a := r.Reason("run1", signals, nil, "2026-06-10", 0, now)
	b := r.Reason("run2", signals, nil, "2026-06-10", 0, now.Add(time.Hour))
	if a[0].InsightHash != b[0].InsightHash {
		t.Error("identical inputs must produce identical insight hashes across runs")
	}
	c := r.Reason("run3", signals, nil, "2026-06-11", 0, now)
	if a[0].InsightHash == c[0].InsightHash {
		t.Error("different periods must produce different hashes")
	}
}

func TestReasonerImpactFromMetrics(t *testing.T) {
	signals := []Signal{
		{Source: SourceRule, RuleID: "waste_zero_revenue", SignalType: "waste_zero_revenue", EntityType: EntityCampaign, EntityID: "c1", Metric: "revenue", Period: "2026-06-10"},
	}
	rows := []MetricRow{{
		EntityType: EntityCampaign, EntityID: "c1", Date: day(10), Channel: "meta",
		Spend: 200, Revenue: 0,
	}}
	insights := NewReasoner(nil).Reason("run1", signals, rows, "2026-06-10", 0, time.Now().UTC())

	impact := insights[0].ExpectedImpact
	if impact.Metric != "potential_savings" {
		t.Errorf("impact metric = %q", impact.Metric)
	}
	// Waste savings = 7d of the current daily spend.
	if impact.Estimate != 1400 {
		t.Errorf("estimate = %v, want 1400", impact.Estimate)
	}
}

func TestInferRootCauseSpecificity(t *testing.T) {
	tests := []struct {
		signals []string
		cause   string
	}{
		{[]string{"roas_decline"}, "ROAS decline vs baseline"},
		{[]string{"roas_decline", "funnel_leak"}, "Traffic quality degradation"},
		{[]string{"scale_opportunity"}, "Scaling opportunity"},
		{[]string{"never_seen", "also_unknown"}, "Multiple signals"},
		{[]string{"never_seen"}, "Unclassified signal"},
		{nil, "Unknown"},
	}
	for _, tt := range tests {
		cause, _ := inferRootCause(tt.signals)
		if cause != tt.cause {
			t.Errorf("inferRootCause(%v) = %q, want %q", tt.signals, cause, tt.cause)
		}
	}
}

func TestRecommendations(t *testing.T) {
	if got := recommend([]string{"waste_zero_revenue"}, "high"); got != "Reduce spend by 25% and review targeting." {
		t.Errorf("waste recommendation = %q", got)
	}
	if got := recommend([]string{"scale_opportunity"}, "low"); got != "Increase budget by 15-20% on top performers." {
		t.Errorf("scale recommendation = %q", got)
	}
	if got := recommend([]string{"anything"}, "medium"); got != "Monitor and reassess in 7 days." {
		t.Errorf("default recommendation = %q", got)
	}
}
