package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Operator is a comparison in a rule condition.
type Operator string

const (
	OpEq  Operator = "eq"
	OpLt  Operator = "lt"
	OpGt  Operator = "gt"
	OpLte Operator = "lte"
	OpGte Operator = "gte"
)

func (op Operator) apply(observed, threshold float64) bool {
	switch op {
	case OpEq:
		return observed == threshold
	case OpLt:
		return observed < threshold
	case OpGt:
		return observed > threshold
	case OpLte:
		return observed <= threshold
	case OpGte:
		return observed >= threshold
	}
	return false
}

// Condition is one metric comparison inside a rule. All conditions of a
// rule must hold for the rule to fire.
type Condition struct {
	Metric    string   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
}

// Rule is a declarative insight detector loaded from config. Guards keep
// rules from firing on entities too small to matter: a zero-revenue rule
// on $3 of spend is noise, not waste.
type Rule struct {
	RuleID      string      `json:"rule_id"`
	InsightType string      `json:"insight_type"`
	Metric      string      `json:"metric"`
	Conditions  []Condition `json:"conditions"`
	MinSpend    float64     `json:"min_spend,omitempty"`
	MinSessions float64     `json:"min_sessions,omitempty"`
	Severity    Severity    `json:"severity"`
	Enabled     *bool       `json:"enabled,omitempty"`
}

func (r Rule) enabled() bool { return r.Enabled == nil || *r.Enabled }

// Validate rejects rules that could never fire or would fire on everything.
func (r Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("rule missing rule_id")
	}
	if r.InsightType == "" {
		return fmt.Errorf("rule %s: missing insight_type", r.RuleID)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: no conditions", r.RuleID)
	}
	for _, c := range r.Conditions {
		if c.Metric == "" {
			return fmt.Errorf("rule %s: condition missing metric", r.RuleID)
		}
		switch c.Operator {
		case OpEq, OpLt, OpGt, OpLte, OpGte:
		default:
			return fmt.Errorf("rule %s: unknown operator %q", r.RuleID, c.Operator)
		}
	}
	return nil
}

// RuleSet evaluates a fixed collection of rules against metric rows. The
// set is immutable after construction; reload by building a new set.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet validates and wraps the given rules.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return &RuleSet{rules: rules}, nil
}

// LoadRules reads a JSON rule file of the form {"rules": [...]}.
func LoadRules(path string) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer f.Close()
	return ParseRules(f)
}

// ParseRules decodes a rule document from r.
func ParseRules(r io.Reader) (*RuleSet, error) {
	var doc struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return NewRuleSet(doc.Rules)
}

// DefaultRules returns the built-in detector set used when no rule file is
// configured.
func DefaultRules() *RuleSet {
	gt0 := func(metric string) Condition { return Condition{Metric: metric, Operator: OpGt, Threshold: 0} }
	rs, _ := NewRuleSet([]Rule{
		{
			RuleID:      "waste_zero_revenue",
			InsightType: "waste_zero_revenue",
			Metric:      "revenue",
			Conditions:  []Condition{{Metric: "revenue", Operator: OpEq, Threshold: 0}, gt0("spend")},
			MinSpend:    100,
			Severity:    SeverityHigh,
		},
		{
			RuleID:      "roas_decline",
			InsightType: "roas_decline",
			Metric:      "roas_pct_delta_28d",
			Conditions:  []Condition{{Metric: "roas_pct_delta_28d", Operator: OpLte, Threshold: -0.25}},
			MinSpend:    50,
			Severity:    SeverityMedium,
		},
		{
			RuleID:      "scale_opportunity",
			InsightType: "scale_opportunity",
			Metric:      "roas",
			Conditions: []Condition{
				{Metric: "roas", Operator: OpGte, Threshold: 3},
				{Metric: "roas_pct_delta_28d", Operator: OpGte, Threshold: 0},
			},
			MinSpend: 50,
			Severity: SeverityLow,
		},
		{
			RuleID:      "funnel_leak",
			InsightType: "funnel_leak",
			Metric:      "conversion_rate",
			Conditions:  []Condition{{Metric: "conversion_rate", Operator: OpLt, Threshold: 0.005}, gt0("sessions")},
			MinSessions: 500,
			Severity:    SeverityMedium,
		},
	})
	return rs
}

// Evaluate runs every enabled rule against every row and returns the
// matching signals. Rules referencing a null derived metric skip the row
// rather than treating null as zero.
func (rs *RuleSet) Evaluate(rows []MetricRow) []Signal {
	var signals []Signal
	for _, row := range rows {
		for _, rule := range rs.rules {
			if !rule.enabled() {
				continue
			}
			if sig, ok := rule.match(row); ok {
				signals = append(signals, sig)
			}
		}
	}
	return signals
}

func (r Rule) match(row MetricRow) (Signal, bool) {
	if r.MinSpend > 0 && row.Spend < r.MinSpend {
		return Signal{}, false
	}
	if r.MinSessions > 0 && float64(row.Sessions) < r.MinSessions {
		return Signal{}, false
	}
	for _, c := range r.Conditions {
		observed, ok := metricValue(row, c.Metric)
		if !ok || !c.Operator.apply(observed, c.Threshold) {
			return Signal{}, false
		}
	}
	observed, _ := metricValue(row, r.Metric)
	return Signal{
		Source:     SourceRule,
		RuleID:     r.RuleID,
		SignalType: r.InsightType,
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		Channel:    row.Channel,
		Metric:     r.Metric,
		Observed:   observed,
		Baseline:   metricBaseline(row, r.Metric),
		Period:     row.Date.Format("2006-01-02"),
	}, true
}

// metricValue resolves a rule metric name against a row. The bool is false
// for null derived metrics and unknown names.
func metricValue(row MetricRow, metric string) (float64, bool) {
	switch metric {
	case "spend":
		return row.Spend, true
	case "revenue":
		return row.Revenue, true
	case "clicks":
		return float64(row.Clicks), true
	case "impressions":
		return float64(row.Impressions), true
	case "conversions":
		return row.Conversions, true
	case "sessions":
		return float64(row.Sessions), true
	case "roas":
		return deref(row.ROAS)
	case "cpa":
		return deref(row.CPA)
	case "ctr":
		return deref(row.CTR)
	case "conversion_rate":
		return deref(row.ConversionRate)
	case "roas_7d_avg":
		return deref(row.ROAS7dAvg)
	case "roas_28d_avg":
		return deref(row.ROAS28dAvg)
	case "roas_pct_delta_28d":
		return deref(row.ROASPctDelta28d)
	case "revenue_pct_delta_28d":
		return deref(row.RevPctDelta28d)
	}
	return 0, false
}

// metricBaseline returns the 28d baseline paired with a metric, if one
// exists.
func metricBaseline(row MetricRow, metric string) *float64 {
	switch metric {
	case "roas", "roas_pct_delta_28d":
		return row.ROAS28dAvg
	case "revenue", "revenue_pct_delta_28d":
		return row.Revenue28dAvg
	}
	return nil
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}
