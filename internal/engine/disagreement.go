package engine

import (
	"math"
	"sort"
	"time"
)

// DefaultDisagreementThreshold flags channel mixes where the two models
// disagree on more than 30% of revenue share.
const DefaultDisagreementThreshold = 0.3

// DisagreementMonitor compares the channel revenue mix implied by
// touch-level attribution against the mix implied by the marketing-mix
// model. Persistent disagreement means at least one model is wrong about
// where money works, so downstream insights get flagged rather than acted
// on blindly.
type DisagreementMonitor struct {
	threshold float64
}

func NewDisagreementMonitor(threshold float64) *DisagreementMonitor {
	if threshold <= 0 {
		threshold = DefaultDisagreementThreshold
	}
	return &DisagreementMonitor{threshold: threshold}
}

// Compare builds a report from attribution events and an MMM fit produced
// by the same run. Channels present in only one model contribute their
// full share to the score. Returns nil when either side is empty.
func (m *DisagreementMonitor) Compare(runID string, events []AttributionEvent, fit *MMMFit, windowStart, windowEnd time.Time) *DisagreementReport {
	attrib := attributionShares(events)
	mmm := mmmShares(fit)
	if len(attrib) == 0 || len(mmm) == 0 {
		return nil
	}

	seen := map[Channel]bool{}
	var channels []Channel
	for ch := range attrib {
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	for ch := range mmm {
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	// Mean absolute share delta across channels.
	var score float64
	for _, ch := range channels {
		score += math.Abs(attrib[ch] - mmm[ch])
	}
	score /= float64(len(channels))

	return &DisagreementReport{
		RunID:            runID,
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		Channels:         channels,
		AttributionShare: attrib,
		MMMShare:         mmm,
		Score:            score,
		Threshold:        m.threshold,
		Flagged:          score > m.threshold,
	}
}

// ChannelDelta reports how far apart the models are on one channel.
func (r *DisagreementReport) ChannelDelta(ch Channel) float64 {
	return math.Abs(r.AttributionShare[ch] - r.MMMShare[ch])
}

func attributionShares(events []AttributionEvent) map[Channel]float64 {
	totals := map[Channel]float64{}
	var sum float64
	for _, ev := range events {
		totals[ev.Channel] += ev.CreditedRevenue
		sum += ev.CreditedRevenue
	}
	if sum <= 0 {
		return nil
	}
	for ch := range totals {
		totals[ch] /= sum
	}
	return totals
}

// mmmShares normalizes positive elasticities into a share distribution.
// Negative elasticities (spend destroying value) count as zero share.
func mmmShares(fit *MMMFit) map[Channel]float64 {
	if fit == nil {
		return nil
	}
	shares := map[Channel]float64{}
	var sum float64
	for ch, e := range fit.Elasticities {
		if e < 0 {
			e = 0
		}
		shares[ch] = e
		sum += e
	}
	if sum <= 0 {
		return nil
	}
	for ch := range shares {
		shares[ch] /= sum
	}
	return shares
}
