package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// rootCause maps a signal combination to a diagnosis and a base confidence.
type rootCause struct {
	signals    []string
	cause      string
	confidence float64
}

// rootCauseTable is checked longest-pattern-first: a combined pattern like
// roas_decline + funnel_leak outranks either signal on its own.
var rootCauseTable = []rootCause{
	{[]string{"roas_decline", "funnel_leak"}, "Traffic quality degradation", 0.88},
	{[]string{"roas_decline", "anomaly_conversion_rate_drop"}, "Traffic quality degradation", 0.85},
	{[]string{"waste_zero_revenue"}, "Spend with zero revenue", 0.90},
	{[]string{"roas_decline"}, "ROAS decline vs baseline", 0.82},
	{[]string{"scale_opportunity"}, "Scaling opportunity", 0.80},
	{[]string{"funnel_leak"}, "Funnel leakage", 0.77},
	{[]string{"anomaly_revenue_drop"}, "Revenue anomaly", 0.74},
	{[]string{"anomaly_spend_spike"}, "Spend anomaly", 0.72},
}

const (
	multiSignalConfidence = 0.70
	unknownConfidence     = 0.50
	maxEvidence           = 10
)

// Reasoner merges raw signals into one canonical insight per
// (entity, root cause). Signals are evidence; the insight is the reasoned
// conclusion an operator acts on.
type Reasoner struct {
	estimator *ImpactEstimator
}

func NewReasoner(estimator *ImpactEstimator) *Reasoner {
	if estimator == nil {
		estimator = NewImpactEstimator()
	}
	return &Reasoner{estimator: estimator}
}

// Reason groups signals by entity, infers a root cause and confidence per
// group, attaches an impact estimate from the entity's latest metrics, and
// returns insights carrying the run's disagreement score. Output order is
// deterministic: entity type, then entity id.
func (r *Reasoner) Reason(runID string, signals []Signal, rows []MetricRow, period string, disagreement float64, now time.Time) []Insight {
	type entityKey struct {
		entityType EntityType
		entityID   string
	}
	groups := map[entityKey][]Signal{}
	for _, sig := range signals {
		k := entityKey{sig.EntityType, sig.EntityID}
		groups[k] = append(groups[k], sig)
	}
	keys := make([]entityKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entityType != keys[j].entityType {
			return keys[i].entityType < keys[j].entityType
		}
		return keys[i].entityID < keys[j].entityID
	})

	latest := latestRowByEntity(rows)

	out := make([]Insight, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		types := signalTypes(group)
		cause, confidence := inferRootCause(types)

		primary := types[0]
		row, hasRow := latest[k.entityID]
		impact := r.estimator.Estimate(primary, row)

		insight := Insight{
			EntityType:     k.entityType,
			EntityID:       k.entityID,
			InsightType:    primary,
			RootCause:      cause,
			Summary:        fmt.Sprintf("%s: %s", cause, strings.Join(capStrings(types, 5), ", ")),
			Explanation:    explain(types, cause, impact),
			Recommendation: recommend(types, impact.RiskLevel),
			ExpectedImpact: impact.Expected(),
			Confidence:     confidence,
			Evidence:       evidenceFrom(group, row, hasRow),
			DetectedBy:     detectorIDs(group),
			Severity:       r.estimator.SeverityFor(primary),
			Status:         InsightNew,
			Period:         period,
			RunID:          runID,
			Disagreement:   disagreement,
			CreatedAt:      now,
		}
		insight.InsightHash = InsightHash(primary, k.entityType, k.entityID, period)
		insight.InsightID = insight.InsightHash
		out = append(out, insight)
	}
	return out
}

// inferRootCause returns the diagnosis for the most specific matching
// pattern. Multiple unmatched signals still get a generic diagnosis rather
// than being dropped.
func inferRootCause(types []string) (string, float64) {
	have := map[string]bool{}
	for _, t := range types {
		have[t] = true
	}
	for _, rc := range rootCauseTable {
		matched := true
		for _, s := range rc.signals {
			if !have[s] {
				matched = false
				break
			}
		}
		if matched {
			return rc.cause, rc.confidence
		}
	}
	if len(types) > 1 {
		return "Multiple signals", multiSignalConfidence
	}
	if len(types) == 1 {
		return "Unclassified signal", multiSignalConfidence
	}
	return "Unknown", unknownConfidence
}

func recommend(types []string, risk string) string {
	has := map[string]bool{}
	for _, t := range types {
		has[t] = true
	}
	switch {
	case has["waste_zero_revenue"] || has["roas_decline"]:
		return "Reduce spend by 25% and review targeting."
	case has["scale_opportunity"]:
		return "Increase budget by 15-20% on top performers."
	case has["funnel_leak"]:
		return "Audit landing pages and audience overlap."
	case risk == "high":
		return "Review campaign and pause or reallocate budget."
	}
	return "Monitor and reassess in 7 days."
}

func explain(types []string, cause string, impact ImpactEstimate) string {
	return fmt.Sprintf("Signals (%s) indicate %s. Risk: %s.",
		strings.Join(types, ", "), cause, impact.RiskLevel)
}

// signalTypes returns the deduplicated signal types of a group, rule
// signals before anomaly signals, otherwise in arrival order.
func signalTypes(group []Signal) []string {
	var types []string
	seen := map[string]bool{}
	for _, pass := range []SignalSource{SourceRule, SourceAnomaly} {
		for _, sig := range group {
			if sig.Source != pass || seen[sig.SignalType] {
				continue
			}
			seen[sig.SignalType] = true
			types = append(types, sig.SignalType)
		}
	}
	return types
}

func detectorIDs(group []Signal) []string {
	var ids []string
	seen := map[string]bool{}
	for _, sig := range group {
		if sig.RuleID == "" || seen[sig.RuleID] {
			continue
		}
		seen[sig.RuleID] = true
		ids = append(ids, sig.RuleID)
	}
	sort.Strings(ids)
	return ids
}

func evidenceFrom(group []Signal, row MetricRow, hasRow bool) []Evidence {
	var out []Evidence
	seen := map[string]bool{}
	for _, sig := range group {
		key := sig.Metric + "|" + sig.Period
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Evidence{
			Metric:   sig.Metric,
			Value:    sig.Observed,
			Baseline: sig.Baseline,
			Period:   sig.Period,
		})
		if len(out) == maxEvidence {
			return out
		}
	}
	if hasRow && !seen["spend|"+row.Date.Format("2006-01-02")] && len(out) < maxEvidence {
		out = append(out, Evidence{
			Metric: "spend",
			Value:  row.Spend,
			Period: row.Date.Format("2006-01-02"),
		})
	}
	return out
}

// latestRowByEntity indexes the most recent metric row per entity,
// preferring the aggregate (empty device) row when present.
func latestRowByEntity(rows []MetricRow) map[string]MetricRow {
	out := map[string]MetricRow{}
	for _, row := range rows {
		cur, ok := out[row.EntityID]
		if !ok || row.Date.After(cur.Date) || (row.Date.Equal(cur.Date) && row.Device == "") {
			out[row.EntityID] = row
		}
	}
	return out
}

func capStrings(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
