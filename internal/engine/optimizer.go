package engine

import (
	"math"
	"sort"
)

// OptimizerConfig tunes the budget allocator.
type OptimizerConfig struct {
	AdstockHalfLife    float64 `yaml:"adstock_half_life"`
	Step               float64 `yaml:"step"`
	StabilityThreshold float64 `yaml:"stability_threshold"`
}

// DefaultOptimizerConfig returns the standard allocator settings.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{AdstockHalfLife: 7, Step: 10, StabilityThreshold: 0.3}
}

// Allocation is a recommended spend split plus its predicted revenue.
type Allocation struct {
	Stable           bool                `json:"stable"`
	Message          string              `json:"message,omitempty"`
	Spend            map[Channel]float64 `json:"recommended_allocation"`
	PredictedRevenue float64             `json:"predicted_revenue"`
	MarginalROAS     map[Channel]float64 `json:"marginal_roas"`
}

// Simulation is the answer to one "what if" query.
type Simulation struct {
	CurrentRevenue   float64             `json:"current_revenue"`
	ProjectedRevenue float64             `json:"projected_revenue"`
	RevenueDelta     float64             `json:"revenue_delta"`
	NewSpend         map[Channel]float64 `json:"new_spend"`
}

// Optimizer reallocates budget across channels using the fitted response
// curves. The response for a channel at spend s is the saturated adstock
// of 30 days of constant spend s, scaled by the channel's coefficient, so
// marginal return falls as a channel saturates.
type Optimizer struct {
	cfg OptimizerConfig
}

func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	d := DefaultOptimizerConfig()
	if cfg.AdstockHalfLife <= 0 {
		cfg.AdstockHalfLife = d.AdstockHalfLife
	}
	if cfg.Step <= 0 {
		cfg.Step = d.Step
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = d.StabilityThreshold
	}
	return &Optimizer{cfg: cfg}
}

const responseHorizonDays = 30

// channelResponse is the steady-state transformed signal for one channel
// at constant daily spend.
func (o *Optimizer) channelResponse(spend float64) float64 {
	if spend <= 0 {
		return 0
	}
	series := make([]float64, responseHorizonDays)
	for i := range series {
		series[i] = spend
	}
	carried := Adstock(series, o.cfg.AdstockHalfLife)
	return SaturateLog(carried[len(carried)-1])
}

// PredictedRevenue sums coefficient-weighted responses over a spend plan.
func (o *Optimizer) PredictedRevenue(spend map[Channel]float64, coefficients map[Channel]float64) float64 {
	var total float64
	for ch, s := range spend {
		total += coefficients[ch] * o.channelResponse(s)
	}
	return total
}

// MarginalROAS evaluates each channel's incremental return for delta more
// daily spend via finite difference. Non-positive coefficients yield zero;
// spending more on a channel that destroys value is never marginal-best.
func (o *Optimizer) MarginalROAS(spend map[Channel]float64, coefficients map[Channel]float64, delta float64) map[Channel]float64 {
	out := make(map[Channel]float64, len(spend))
	for ch, s := range spend {
		coef := coefficients[ch]
		if coef <= 0 || delta <= 0 {
			out[ch] = 0
			continue
		}
		out[ch] = coef * (o.channelResponse(s+delta) - o.channelResponse(s)) / delta
	}
	return out
}

// Allocate greedily distributes totalBudget: each step goes to the channel
// with the highest marginal ROAS until the budget is spent or no channel
// returns anything. Starting from currentSpend when provided; if current
// spend already exceeds the budget, the plan is scaled down pro rata. The
// fit's stability index guards the whole operation: an unstable model's
// recommendation is worse than no recommendation.
func (o *Optimizer) Allocate(totalBudget float64, fit *MMMFit, currentSpend map[Channel]float64) Allocation {
	if fit.Stability > 0 && fit.Stability < o.cfg.StabilityThreshold {
		return Allocation{
			Stable:  false,
			Message: "model not stable; keeping current allocation",
			Spend:   copySpend(currentSpend),
		}
	}

	spend := map[Channel]float64{}
	for _, ch := range fit.Channels {
		spend[ch] = math.Max(0, currentSpend[ch])
	}
	if len(spend) == 0 {
		return Allocation{Stable: true, Spend: spend}
	}

	var totalCurrent float64
	for _, s := range spend {
		totalCurrent += s
	}
	if totalCurrent >= totalBudget && totalCurrent > 0 {
		scale := totalBudget / totalCurrent
		for ch := range spend {
			spend[ch] *= scale
		}
		return o.finish(spend, fit)
	}

	channels := make([]Channel, 0, len(spend))
	for ch := range spend {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	remaining := totalBudget - totalCurrent
	for remaining > 1e-6 {
		add := math.Min(o.cfg.Step, remaining)
		mroas := o.MarginalROAS(spend, fit.Coefficients, add)
		best := channels[0]
		for _, ch := range channels[1:] {
			if mroas[ch] > mroas[best] {
				best = ch
			}
		}
		if mroas[best] <= 0 {
			break
		}
		spend[best] += add
		remaining -= add
	}
	return o.finish(spend, fit)
}

func (o *Optimizer) finish(spend map[Channel]float64, fit *MMMFit) Allocation {
	return Allocation{
		Stable:           true,
		Spend:            spend,
		PredictedRevenue: o.PredictedRevenue(spend, fit.Coefficients),
		MarginalROAS:     o.MarginalROAS(spend, fit.Coefficients, 1.0),
	}
}

// Simulate answers a what-if: fractional spend changes per channel (0.2
// means +20%) against current spend, returning the projected revenue delta
// on the fitted curves.
func (o *Optimizer) Simulate(currentSpend map[Channel]float64, changes map[Channel]float64, coefficients map[Channel]float64) Simulation {
	newSpend := map[Channel]float64{}
	for ch, s := range currentSpend {
		newSpend[ch] = s * (1 + changes[ch])
	}
	for ch := range changes {
		if _, ok := newSpend[ch]; !ok {
			newSpend[ch] = 0
		}
	}
	for ch := range newSpend {
		if newSpend[ch] < 0 {
			newSpend[ch] = 0
		}
	}

	current := o.PredictedRevenue(currentSpend, coefficients)
	projected := o.PredictedRevenue(newSpend, coefficients)
	return Simulation{
		CurrentRevenue:   current,
		ProjectedRevenue: projected,
		RevenueDelta:     projected - current,
		NewSpend:         newSpend,
	}
}

// copySpend returns an independent copy of a spend plan.
func copySpend(spend map[Channel]float64) map[Channel]float64 {
	out := make(map[Channel]float64, len(spend))
	for ch, s := range spend {
		out[ch] = s
	}
	return out
}
