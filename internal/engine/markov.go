package engine

import (
	"math"
	"sort"
)

const defaultMinPaths = 10

// MarkovAllocator attributes revenue by removal effect: build a first-order
// transition chain over channel states (plus start and absorbing conversion
// and null states) from observed user paths, then measure how much total
// conversion probability drops when each channel's touchpoints are excluded
// from the paths. The probability drop, normalized across channels, is the
// channel's credit weight.
type MarkovAllocator struct {
	minPaths int
}

// NewMarkovAllocator creates a Markov removal-effect allocator that
// requires at least minPaths touchpoint sequences before it will estimate.
func NewMarkovAllocator(minPaths int) *MarkovAllocator {
	if minPaths <= 0 {
		minPaths = defaultMinPaths
	}
	return &MarkovAllocator{minPaths: minPaths}
}

func (m *MarkovAllocator) Name() string { return ModelMarkov }

// Allocate computes removal-effect weights from the paths and splits every
// order's revenue by those weights. With fewer than minPaths sequences it
// degrades to the weighted-credit allocator rather than estimating from
// noise.
func (m *MarkovAllocator) Allocate(in AttributionInput) ([]AttributionEvent, error) {
	if len(in.Paths) < m.minPaths {
		return NewWeightedCreditAllocator().Allocate(in)
	}

	weights := RemovalEffectWeights(in.Paths)
	if len(weights) == 0 {
		return nil, nil
	}

	channels := make([]Channel, 0, len(weights))
	for ch := range weights {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	var out []AttributionEvent
	for _, o := range in.Orders {
		for _, ch := range channels {
			w := weights[ch]
			if w <= 0 {
				continue
			}
			out = append(out, AttributionEvent{
				OrderID:         o.OrderID,
				Channel:         ch,
				Weight:          w,
				CreditedRevenue: o.Revenue * w,
				EventDate:       o.Date,
				ModelUsed:       ModelMarkov,
			})
		}
	}
	return out, nil
}

// RemovalEffectWeights returns each channel's normalized removal effect.
// A channel that is never pivotal (zero removal effect) receives exactly
// zero. If every channel's effect is zero the credit is split uniformly,
// matching the degenerate-chain fallback.
func RemovalEffectWeights(paths []TouchPath) map[Channel]float64 {
	channels := observedChannels(paths)
	if len(channels) == 0 {
		return nil
	}

	base := conversionProbability(paths, "")
	effects := make(map[Channel]float64, len(channels))
	var total float64
	for _, ch := range channels {
		removed := conversionProbability(paths, ch)
		effect := base - removed
		if effect < 0 {
			effect = 0
		}
		effects[ch] = effect
		total += effect
	}

	weights := make(map[Channel]float64, len(channels))
	if total <= 0 {
		for _, ch := range channels {
			weights[ch] = 1.0 / float64(len(channels))
		}
		return weights
	}
	for ch, e := range effects {
		weights[ch] = e / total
	}
	return weights
}

func observedChannels(paths []TouchPath) []Channel {
	seen := make(map[Channel]bool)
	for _, p := range paths {
		for _, ch := range p.Channels {
			seen[ch] = true
		}
	}
	out := make([]Channel, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// chain state layout: 0..n-1 channels, n start, n+1 conversion, n+2 null.
type markovChain struct {
	states []Channel
	index  map[Channel]int
	trans  [][]float64
}

// conversionProbability builds the chain from paths — excluding every
// touchpoint of `removed` when non-empty — and returns the steady-state
// probability of absorbing in the conversion state starting from start.
func conversionProbability(paths []TouchPath, removed Channel) float64 {
	c := buildChain(paths, removed)
	if c == nil {
		return 0
	}
	n := len(c.states)
	start, conv, null := n, n+1, n+2
	total := n + 3

	// Power iteration over the absorbing chain. Conversion and null are
	// absorbing, so mass monotonically drains into them.
	probs := make([]float64, total)
	probs[start] = 1.0
	next := make([]float64, total)
	for iter := 0; iter < 1000; iter++ {
		for i := range next {
			next[i] = 0
		}
		next[conv] = probs[conv]
		next[null] = probs[null]
		for from := 0; from <= n; from++ {
			p := probs[from]
			if p == 0 {
				continue
			}
			row := c.trans[from]
			for to, w := range row {
				if w > 0 {
					next[to] += p * w
				}
			}
		}
		delta := 0.0
		for i := range next {
			delta += math.Abs(next[i] - probs[i])
		}
		copy(probs, next)
		if delta < 1e-10 {
			break
		}
	}
	return probs[conv]
}

func buildChain(paths []TouchPath, removed Channel) *markovChain {
	channelSet := make(map[Channel]bool)
	for _, p := range paths {
		for _, ch := range p.Channels {
			if ch != removed {
				channelSet[ch] = true
			}
		}
	}
	states := make([]Channel, 0, len(channelSet))
	for ch := range channelSet {
		states = append(states, ch)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	n := len(states)
	index := make(map[Channel]int, n)
	for i, ch := range states {
		index[ch] = i
	}
	start, conv, null := n, n+1, n+2
	total := n + 3

	counts := make([][]float64, total)
	for i := range counts {
		counts[i] = make([]float64, total)
	}

	for _, p := range paths {
		prev := start
		touched := false
		for _, ch := range p.Channels {
			if ch == removed {
				continue
			}
			i := index[ch]
			counts[prev][i]++
			prev = i
			touched = true
		}
		end := null
		if p.Converted && touched {
			end = conv
		}
		// A path whose every touchpoint was removed cannot convert.
		if p.Converted && !touched {
			end = null
		}
		counts[prev][end]++
	}

	c := &markovChain{states: states, index: index, trans: counts}
	for from := range counts {
		var sum float64
		for _, v := range counts[from] {
			sum += v
		}
		if sum == 0 {
			continue
		}
		for to := range counts[from] {
			counts[from][to] /= sum
		}
	}
	return c
}
