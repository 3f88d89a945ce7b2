package engine

import "math"

// ImpactEstimate quantifies what acting on an insight is worth: dollars
// saved by cutting waste, dollars gained by fixing or scaling, and how
// risky inaction is.
type ImpactEstimate struct {
	PotentialSavings     float64 `json:"potential_savings"`
	PotentialRevenueGain float64 `json:"potential_revenue_gain"`
	RiskLevel            string  `json:"risk_level"`
}

// Expected collapses an estimate into the single ExpectedImpact carried on
// an insight: whichever lever is larger.
func (e ImpactEstimate) Expected() ExpectedImpact {
	if e.PotentialSavings >= e.PotentialRevenueGain {
		return ExpectedImpact{Metric: "potential_savings", Estimate: round2(e.PotentialSavings), Units: "usd"}
	}
	return ExpectedImpact{Metric: "potential_revenue_gain", Estimate: round2(e.PotentialRevenueGain), Units: "usd"}
}

// severityMap assigns a default severity per insight type. Unknown types
// are medium.
var severityMap = map[string]Severity{
	"waste_zero_revenue": SeverityHigh,
	"roas_decline":       SeverityHigh,
	"funnel_leak":        SeverityMedium,
	"scale_opportunity":  SeverityLow,
}

// ImpactEstimator derives dollar impact from an entity's recent metrics.
// Estimates are deliberately conservative: a roas_decline gain assumes the
// gap to the 28d baseline fully closes, a scale gain only half materializes.
type ImpactEstimator struct{}

func NewImpactEstimator() *ImpactEstimator { return &ImpactEstimator{} }

// SeverityFor returns the severity class for an insight type; anomaly
// types and anything unmapped are medium.
func (e *ImpactEstimator) SeverityFor(insightType string) Severity {
	if s, ok := severityMap[insightType]; ok {
		return s
	}
	return SeverityMedium
}

// Estimate computes the impact for one insight type from the entity's
// latest aggregated row. Uses the 7d revenue/roas baselines when present,
// otherwise the row's point values.
func (e *ImpactEstimator) Estimate(insightType string, row MetricRow) ImpactEstimate {
	spend7 := row.Spend * 7
	revenue7 := row.Revenue * 7
	if row.Revenue7dAvg != nil {
		revenue7 = *row.Revenue7dAvg * 7
	}
	roas := 0.0
	if row.ROAS != nil {
		roas = *row.ROAS
	}
	roas28 := 0.0
	if row.ROAS28dAvg != nil {
		roas28 = *row.ROAS28dAvg
	}

	var est ImpactEstimate
	switch insightType {
	case "waste_zero_revenue":
		est.PotentialSavings = spend7
		est.RiskLevel = "high"
	case "roas_decline":
		if roas28 > 0 && spend7 > 0 {
			est.PotentialRevenueGain = math.Max(0, (roas28-roas)*spend7)
		}
		est.PotentialSavings = spend7 * 0.2
		est.RiskLevel = "high"
	case "scale_opportunity":
		if roas > 0 && spend7 > 0 {
			est.PotentialRevenueGain = math.Max(0, (roas-roas28)*spend7*0.5)
		}
		est.RiskLevel = "low"
	case "funnel_leak":
		est.PotentialRevenueGain = revenue7 * 0.1
		est.RiskLevel = "medium"
	default:
		est.RiskLevel = "medium"
	}
	return est
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
