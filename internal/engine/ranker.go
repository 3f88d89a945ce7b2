package engine

import (
	"sort"
	"time"
)

// RankerConfig exposes the priority-formula weights as tunables. The
// relative weighting of confidence vs recency vs severity is a product
// decision, not a modeling fact, so it lives in config rather than code.
type RankerConfig struct {
	// ImpactNormalizer is the dollar amount treated as "full impact"; the
	// impact factor is min(1, estimate/normalizer).
	ImpactNormalizer float64 `yaml:"impact_normalizer"`
	// ImpactFloor keeps zero-dollar insights rankable instead of zeroing
	// the whole product.
	ImpactFloor float64 `yaml:"impact_floor"`

	SeverityWeights map[Severity]float64 `yaml:"severity_weights"`

	// Recency tiers: weight by age bucket (<=1d, <=7d, <=28d, older).
	RecencyDay   float64 `yaml:"recency_day"`
	RecencyWeek  float64 `yaml:"recency_week"`
	RecencyMonth float64 `yaml:"recency_month"`
	RecencyOld   float64 `yaml:"recency_old"`
}

// DefaultRankerConfig returns the documented default weights.
func DefaultRankerConfig() RankerConfig {
	return RankerConfig{
		ImpactNormalizer: 1000,
		ImpactFloor:      0.01,
		SeverityWeights: map[Severity]float64{
			SeverityLow:      0.5,
			SeverityMedium:   1.0,
			SeverityHigh:     1.5,
			SeverityCritical: 2.0,
		},
		RecencyDay:   1.0,
		RecencyWeek:  0.9,
		RecencyMonth: 0.7,
		RecencyOld:   0.5,
	}
}

// Ranker assigns priority scores and ranks. Priority is a pure function
// of the insight's own fields: recomputing over the same inputs yields the
// same ordering.
type Ranker struct {
	cfg RankerConfig
}

func NewRanker(cfg RankerConfig) *Ranker {
	d := DefaultRankerConfig()
	if cfg.ImpactNormalizer <= 0 {
		cfg.ImpactNormalizer = d.ImpactNormalizer
	}
	if cfg.ImpactFloor <= 0 {
		cfg.ImpactFloor = d.ImpactFloor
	}
	if len(cfg.SeverityWeights) == 0 {
		cfg.SeverityWeights = d.SeverityWeights
	}
	if cfg.RecencyDay <= 0 {
		cfg.RecencyDay = d.RecencyDay
	}
	if cfg.RecencyWeek <= 0 {
		cfg.RecencyWeek = d.RecencyWeek
	}
	if cfg.RecencyMonth <= 0 {
		cfg.RecencyMonth = d.RecencyMonth
	}
	if cfg.RecencyOld <= 0 {
		cfg.RecencyOld = d.RecencyOld
	}
	return &Ranker{cfg: cfg}
}

// Priority computes impact × confidence × recency × severity, each factor
// clamped to [0,1] before multiplying, so the product is itself in [0,1].
func (r *Ranker) Priority(in Insight, now time.Time) float64 {
	impact := in.ExpectedImpact.Estimate / r.cfg.ImpactNormalizer
	if impact < r.cfg.ImpactFloor {
		impact = r.cfg.ImpactFloor
	}
	impact = clamp01(impact)

	confidence := in.Confidence
	if confidence < 0.01 {
		confidence = 0.01
	}
	confidence = clamp01(confidence)

	recency := r.recencyWeight(in.CreatedAt, now)

	sev, ok := r.cfg.SeverityWeights[in.Severity]
	if !ok {
		sev = 1.0
	}
	sev = clamp01(sev / maxWeight(r.cfg.SeverityWeights))

	return impact * confidence * recency * sev
}

// Rank scores every insight in place, sorts by priority desc (newest first
// on ties), and assigns 1-based ranks.
func (r *Ranker) Rank(insights []Insight, now time.Time) []Insight {
	for i := range insights {
		insights[i].PriorityScore = r.Priority(insights[i], now)
	}
	sort.SliceStable(insights, func(i, j int) bool {
		if insights[i].PriorityScore != insights[j].PriorityScore {
			return insights[i].PriorityScore > insights[j].PriorityScore
		}
		return insights[i].CreatedAt.After(insights[j].CreatedAt)
	})
	for i := range insights {
		insights[i].Rank = i + 1
	}
	return insights
}

func (r *Ranker) recencyWeight(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return r.cfg.RecencyDay
	}
	age := now.Sub(createdAt).Hours() / 24
	switch {
	case age <= 1:
		return r.cfg.RecencyDay
	case age <= 7:
		return r.cfg.RecencyWeek
	case age <= 28:
		return r.cfg.RecencyMonth
	}
	return r.cfg.RecencyOld
}

// urgencyWeights boost actionable severity classes in the top-decisions
// view without touching the stored priority score.
var urgencyWeights = map[Severity]float64{
	SeverityCritical: 1.5,
	SeverityHigh:     1.3,
	SeverityMedium:   1.0,
	SeverityLow:      0.8,
}

// TopDecisions returns the topN actionable insights ordered by
// priority × urgency. Only insights with the given status are considered;
// pass "" to consider any status.
func (r *Ranker) TopDecisions(insights []Insight, topN int, status InsightStatus, now time.Time) []Insight {
	if topN <= 0 {
		topN = 3
	}
	var pool []Insight
	for _, in := range insights {
		if status != "" && in.Status != status {
			continue
		}
		pool = append(pool, in)
	}
	pool = r.Rank(pool, now)

	type scored struct {
		insight Insight
		action  float64
	}
	out := make([]scored, len(pool))
	for i, in := range pool {
		w, ok := urgencyWeights[in.Severity]
		if !ok {
			w = 1.0
		}
		out[i] = scored{insight: in, action: in.PriorityScore * w}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].action != out[j].action {
			return out[i].action > out[j].action
		}
		return out[i].insight.CreatedAt.After(out[j].insight.CreatedAt)
	})
	if len(out) > topN {
		out = out[:topN]
	}
	result := make([]Insight, len(out))
	for i, s := range out {
		result[i] = s.insight
		result[i].Rank = i + 1
	}
	return result
}

func maxWeight(weights map[Severity]float64) float64 {
	max := 1.0
	for _, w := range weights {
		if w > max {
			max = w
		}
	}
	return max
}
