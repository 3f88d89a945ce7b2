package engine

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"
)

// MMMConfig holds the tunables of the marketing-mix model.
type MMMConfig struct {
	AdstockHalfLife float64 `yaml:"adstock_half_life"`
	RidgeAlpha      float64 `yaml:"ridge_alpha"`
	LookbackDays    int     `yaml:"lookback_days"`
	MinSamples      int     `yaml:"min_samples"`
	LowR2           float64 `yaml:"low_r2"`
	BootstrapRounds int     `yaml:"bootstrap_rounds"`
}

// DefaultMMMConfig returns the standard model settings.
func DefaultMMMConfig() MMMConfig {
	return MMMConfig{
		AdstockHalfLife: 7,
		RidgeAlpha:      1.0,
		LookbackDays:    90,
		MinSamples:      14,
		LowR2:           0.3,
		BootstrapRounds: 100,
	}
}

// MMM fits revenue against adstock-transformed, saturation-transformed
// spend per channel over a rolling lookback window. Each run re-estimates
// from scratch so the model adapts to regime change.
type MMM struct {
	cfg MMMConfig
}

// NewMMM creates a marketing-mix model with the given config; zero-valued
// fields fall back to defaults.
func NewMMM(cfg MMMConfig) *MMM {
	d := DefaultMMMConfig()
	if cfg.AdstockHalfLife <= 0 {
		cfg.AdstockHalfLife = d.AdstockHalfLife
	}
	if cfg.RidgeAlpha < 0 {
		cfg.RidgeAlpha = d.RidgeAlpha
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = d.LookbackDays
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = d.MinSamples
	}
	if cfg.LowR2 <= 0 {
		cfg.LowR2 = d.LowR2
	}
	if cfg.BootstrapRounds <= 0 {
		cfg.BootstrapRounds = d.BootstrapRounds
	}
	return &MMM{cfg: cfg}
}

// Adstock applies geometric carryover to a spend series. The decay per day
// is 0.5^(1/halfLife), so spend loses half its weight every halfLife days.
func Adstock(spend []float64, halfLife float64) []float64 {
	out := make([]float64, len(spend))
	if len(spend) == 0 {
		return out
	}
	if halfLife <= 0 {
		copy(out, spend)
		return out
	}
	decay := math.Pow(0.5, 1.0/halfLife)
	out[0] = spend[0]
	for t := 1; t < len(spend); t++ {
		out[t] = spend[t] + decay*out[t-1]
	}
	return out
}

// SaturateLog is the diminishing-returns transform log(1+x); negative
// inputs clamp to zero.
func SaturateLog(x float64) float64 {
	if x < 0 {
		x = 0
	}
	return math.Log1p(x)
}

// Fit regresses the revenue series on transformed per-channel spend.
// spend maps each channel to its daily series; all series and revenue must
// be date-aligned and equal length. windowEnd anchors the recency term of
// the confidence score.
//
// Channels whose series are degenerate (all-zero or constant) are excluded
// from the regression and reported in Unavailable; the rest proceed. Too
// little history returns ErrDataGap.
func (m *MMM) Fit(runID string, channels []Channel, spend map[Channel][]float64, revenue []float64, windowEnd time.Time) (*MMMFit, error) {
	n := len(revenue)
	if n < m.cfg.MinSamples {
		return nil, &DataGapError{Need: m.cfg.MinSamples, Have: n}
	}

	usable := make([]Channel, 0, len(channels))
	var unavailable []Channel
	for _, ch := range channels {
		s := spend[ch]
		if len(s) != n || isConstant(s) {
			unavailable = append(unavailable, ch)
			continue
		}
		usable = append(usable, ch)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i] < usable[j] })
	if len(usable) == 0 {
		return nil, ErrModelDivergence
	}

	x := m.designMatrix(usable, spend, n)
	coefs, intercept, r2, err := ridgeFit(x, revenue, m.cfg.RidgeAlpha)
	if errors.Is(err, ErrModelDivergence) && len(usable) > 1 {
		// Drop the most collinear-looking channel (lowest spend variance)
		// and retry once before giving up on the whole fit.
		drop := lowestVariance(usable, spend)
		retained := without(usable, drop)
		x = m.designMatrix(retained, spend, n)
		coefs, intercept, r2, err = ridgeFit(x, revenue, m.cfg.RidgeAlpha)
		if err == nil {
			unavailable = append(unavailable, drop)
			usable = retained
		}
	}
	if err != nil {
		return nil, err
	}

	fit := &MMMFit{
		RunID:        runID,
		Channels:     usable,
		Coefficients: make(map[Channel]float64, len(usable)),
		Elasticities: make(map[Channel]float64, len(usable)),
		Intercept:    intercept,
		RSquared:     r2,
		AdjRSquared:  adjustedRSquared(r2, n, len(usable)),
		SampleSize:   n,
		HalfLife:     m.cfg.AdstockHalfLife,
		RidgeAlpha:   m.cfg.RidgeAlpha,
		ModelVersion: MMMVersion,
		Unavailable:  unavailable,
	}
	for j, ch := range usable {
		fit.Coefficients[ch] = coefs[j]
	}

	meanRevenue := mean(revenue)
	for _, ch := range usable {
		fit.Elasticities[ch] = elasticity(fit.Coefficients[ch], mean(spend[ch]), meanRevenue)
	}

	fit.Stability = m.bootstrapStability(x, revenue)
	fit.Confidence = ConfidenceScore(&r2, n, windowEnd, 90)
	fit.LowQuality = r2 < m.cfg.LowR2 || n < 2*m.cfg.MinSamples
	return fit, nil
}

func (m *MMM) designMatrix(channels []Channel, spend map[Channel][]float64, n int) [][]float64 {
	x := make([][]float64, n)
	for i := range x {
		x[i] = make([]float64, len(channels))
	}
	for j, ch := range channels {
		carried := Adstock(spend[ch], m.cfg.AdstockHalfLife)
		for i := 0; i < n; i++ {
			x[i][j] = SaturateLog(carried[i])
		}
	}
	return x
}

// bootstrapStability resamples rows with replacement, refits, and scores
// how much the coefficients move: 1 - min(1, cv), where cv is the spread
// of bootstrap coefficient means across channels. Seeded for determinism.
func (m *MMM) bootstrapStability(x [][]float64, y []float64) float64 {
	n := len(y)
	k := len(x[0])
	rng := rand.New(rand.NewSource(42))

	sums := make([]float64, k)
	rounds := 0
	xb := make([][]float64, n)
	yb := make([]float64, n)
	for b := 0; b < m.cfg.BootstrapRounds; b++ {
		for i := 0; i < n; i++ {
			idx := rng.Intn(n)
			xb[i] = x[idx]
			yb[i] = y[idx]
		}
		coefs, _, _, err := ridgeFit(xb, yb, math.Max(m.cfg.RidgeAlpha, 0.1))
		if err != nil {
			continue
		}
		for j, c := range coefs {
			sums[j] += c
		}
		rounds++
	}
	if rounds == 0 {
		return 0
	}

	means := make([]float64, k)
	var meanAbs float64
	for j := range sums {
		means[j] = sums[j] / float64(rounds)
		meanAbs += math.Abs(means[j])
	}
	meanAbs /= float64(k)
	if meanAbs < 1e-10 {
		return 1
	}
	var variance float64
	grand := mean(means)
	for _, v := range means {
		variance += (v - grand) * (v - grand)
	}
	cv := math.Sqrt(variance/float64(k)) / meanAbs
	return clamp01(1 - math.Min(1, cv))
}

// ConfidenceScore combines model fit, sample size, and data recency into a
// [0,1] score: R² contributes up to 0.5, sample size up to 0.3 on a log
// scale, and recency up to 0.2 with half-life decayDays.
func ConfidenceScore(r2 *float64, sampleSize int, referenceDate time.Time, decayDays int) float64 {
	var score float64
	if r2 != nil && *r2 >= 0 {
		score += 0.5 * math.Min(1, *r2)
	}
	if sampleSize > 0 {
		score += 0.3 * math.Min(1, math.Log1p(float64(sampleSize))/7)
	}
	if !referenceDate.IsZero() {
		if decayDays <= 0 {
			decayDays = 90
		}
		daysAgo := time.Since(referenceDate).Hours() / 24
		if daysAgo < 0 {
			daysAgo = 0
		}
		score += 0.2 * math.Pow(0.5, daysAgo/float64(decayDays))
	}
	return clamp01(score)
}

// Results flattens a fit into per-channel rows for persistence.
func (f *MMMFit) Results(now time.Time) []MMMResult {
	out := make([]MMMResult, 0, len(f.Channels))
	for _, ch := range f.Channels {
		out = append(out, MMMResult{
			RunID:           f.RunID,
			Channel:         ch,
			Coefficient:     f.Coefficients[ch],
			Elasticity:      f.Elasticities[ch],
			AdstockHalfLife: f.HalfLife,
			SaturationParam: "log1p",
			RSquared:        f.RSquared,
			ModelVersion:    f.ModelVersion,
			CreatedAt:       now,
		})
	}
	return out
}

// elasticity evaluates (dY/dX)·(X/Y) at mean spend for the log saturation
// curve, where d/dx log(1+x) = 1/(1+x).
func elasticity(coef, meanSpend, meanRevenue float64) float64 {
	if meanRevenue <= 0 {
		return 0
	}
	if meanSpend < 0 {
		meanSpend = 0
	}
	deriv := 1.0 / (1.0 + meanSpend)
	return coef * deriv * (meanSpend / meanRevenue)
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func isConstant(v []float64) bool {
	if len(v) == 0 {
		return true
	}
	first := v[0]
	for _, x := range v[1:] {
		if x != first {
			return false
		}
	}
	return true
}

func lowestVariance(channels []Channel, spend map[Channel][]float64) Channel {
	best := channels[0]
	bestVar := math.Inf(1)
	for _, ch := range channels {
		s := spend[ch]
		mu := mean(s)
		var v float64
		for _, x := range s {
			v += (x - mu) * (x - mu)
		}
		if v < bestVar {
			bestVar = v
			best = ch
		}
	}
	return best
}

func without(channels []Channel, drop Channel) []Channel {
	out := make([]Channel, 0, len(channels)-1)
	for _, ch := range channels {
		if ch != drop {
			out = append(out, ch)
		}
	}
	return out
}
