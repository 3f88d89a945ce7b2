package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImpactEstimateWasteIsFullWeekSpend(t *testing.T) {
	e := NewImpactEstimator()
	row := MetricRow{Spend: 300}

	est := e.Estimate("waste_zero_revenue", row)
	assert.Equal(t, 2100.0, est.PotentialSavings)
	assert.Equal(t, "high", est.RiskLevel)

	impact := est.Expected()
	assert.Equal(t, "potential_savings", impact.Metric)
	assert.Equal(t, 2100.0, impact.Estimate)
	assert.Equal(t, "usd", impact.Units)
}

func TestImpactEstimateROASDeclineClosesGap(t *testing.T) {
	e := NewImpactEstimator()
	roas, roas28 := 1.5, 2.5
	row := MetricRow{Spend: 100, ROAS: &roas, ROAS28dAvg: &roas28}

	est := e.Estimate("roas_decline", row)
	// Gap of 1.0 ROAS over a week of spend.
	assert.InDelta(t, 700.0, est.PotentialRevenueGain, 1e-9)
	assert.InDelta(t, 140.0, est.PotentialSavings, 1e-9)

	impact := est.Expected()
	assert.Equal(t, "potential_revenue_gain", impact.Metric)
}

func TestImpactEstimateScaleIsConservative(t *testing.T) {
	e := NewImpactEstimator()
	roas, roas28 := 3.0, 2.0
	row := MetricRow{Spend: 100, ROAS: &roas, ROAS28dAvg: &roas28}

	est := e.Estimate("scale_opportunity", row)
	// Only half the above-baseline performance is credited.
	assert.InDelta(t, 350.0, est.PotentialRevenueGain, 1e-9)
	assert.Equal(t, "low", est.RiskLevel)
}

func TestImpactSeverityMapping(t *testing.T) {
	e := NewImpactEstimator()
	assert.Equal(t, SeverityHigh, e.SeverityFor("waste_zero_revenue"))
	assert.Equal(t, SeverityHigh, e.SeverityFor("roas_decline"))
	assert.Equal(t, SeverityLow, e.SeverityFor("scale_opportunity"))
	assert.Equal(t, SeverityMedium, e.SeverityFor("spend_anomaly"))
}
