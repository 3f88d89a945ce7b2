package engine

import (
	"sort"
	"time"
)

// Aggregator turns raw per-source daily rows into unified metric rows with
// derived ratios and rolling baselines. Aggregation is a pure function of
// its input; persistence (wholesale partition replace) lives in the
// repository layer.
type Aggregator struct {
	shortWindow int
	longWindow  int
}

// NewAggregator creates an aggregator with the standard 7/28 row windows.
func NewAggregator() *Aggregator {
	return &Aggregator{shortWindow: 7, longWindow: 28}
}

type seriesKey struct {
	entityType EntityType
	entityID   string
	channel    Channel
	device     string
}

type rowKey struct {
	seriesKey
	date time.Time
}

// Aggregate group-sums source rows by (entity, date, channel, device),
// derives safe ratios, and computes trailing row-based baselines per
// (entity, channel, device) series. Windows are row-based, not calendar:
// a sparse series still produces a baseline from however many rows exist.
// Output order is deterministic: entity, channel, device, then date.
func (a *Aggregator) Aggregate(rows []SourceRow) []MetricRow {
	if len(rows) == 0 {
		return nil
	}

	sums := make(map[rowKey]*MetricRow)
	for _, r := range rows {
		k := rowKey{
			seriesKey: seriesKey{r.EntityType, r.EntityID, r.Channel, r.Device},
			date:      r.Date.UTC().Truncate(24 * time.Hour),
		}
		m, ok := sums[k]
		if !ok {
			m = &MetricRow{
				EntityType: r.EntityType,
				EntityID:   r.EntityID,
				Date:       k.date,
				Channel:    r.Channel,
				Device:     r.Device,
			}
			sums[k] = m
		}
		m.Spend += r.Spend
		m.Clicks += r.Clicks
		m.Impressions += r.Impressions
		m.Conversions += r.Conversions
		m.Revenue += r.Revenue
		m.Sessions += r.Sessions
	}

	out := make([]MetricRow, 0, len(sums))
	for _, m := range sums {
		m.ROAS = SafeDiv(m.Revenue, m.Spend)
		m.CPA = SafeDiv(m.Spend, m.Conversions)
		m.CTR = SafeDiv(float64(m.Clicks), float64(m.Impressions))
		m.ConversionRate = SafeDiv(m.Conversions, float64(m.Sessions))
		out = append(out, *m)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Date.Before(b.Date)
	})

	a.applyBaselines(out)
	return out
}

// applyBaselines walks each date-ordered series and fills trailing-window
// averages and percent-deltas in place. Rows are assumed sorted by series
// then date.
func (a *Aggregator) applyBaselines(rows []MetricRow) {
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i == len(rows) || seriesOf(rows[i]) != seriesOf(rows[start]) {
			a.baselineSeries(rows[start:i])
			start = i
		}
	}
}

func seriesOf(m MetricRow) seriesKey {
	return seriesKey{m.EntityType, m.EntityID, m.Channel, m.Device}
}

func (a *Aggregator) baselineSeries(series []MetricRow) {
	for i := range series {
		series[i].ROAS7dAvg = trailingRatio(series, i, a.shortWindow, revenueOf, spendOf)
		series[i].ROAS28dAvg = trailingRatio(series, i, a.longWindow, revenueOf, spendOf)
		series[i].Revenue7dAvg = trailingMean(series, i, a.shortWindow, revenueOf)
		series[i].Revenue28dAvg = trailingMean(series, i, a.longWindow, revenueOf)

		if series[i].ROAS != nil {
			series[i].ROASPctDelta28d = PctDelta(*series[i].ROAS, series[i].ROAS28dAvg)
		}
		series[i].RevPctDelta28d = PctDelta(series[i].Revenue, series[i].Revenue28dAvg)
	}
}

func revenueOf(m MetricRow) float64 { return m.Revenue }
func spendOf(m MetricRow) float64   { return m.Spend }

// trailingMean averages f over the window of rows ending at index i,
// inclusive. Short series use however many rows exist, down to 1.
func trailingMean(series []MetricRow, i, window int, f func(MetricRow) float64) *float64 {
	lo := i - window + 1
	if lo < 0 {
		lo = 0
	}
	var sum float64
	for j := lo; j <= i; j++ {
		sum += f(series[j])
	}
	v := sum / float64(i-lo+1)
	return &v
}

// trailingRatio computes sum(num)/sum(den) over the trailing window, nil
// when the denominator sums to zero. Ratio-of-sums rather than
// mean-of-ratios so days with zero spend do not poison the baseline.
func trailingRatio(series []MetricRow, i, window int, num, den func(MetricRow) float64) *float64 {
	lo := i - window + 1
	if lo < 0 {
		lo = 0
	}
	var n, d float64
	for j := lo; j <= i; j++ {
		n += num(series[j])
		d += den(series[j])
	}
	return SafeDiv(n, d)
}

// FilterFromCutoff returns only rows with date >= cutoff, for the
// incremental-window recomputation path. A zero cutoff returns rows
// unchanged (full partition replace).
func FilterFromCutoff(rows []MetricRow, cutoff time.Time) []MetricRow {
	if cutoff.IsZero() {
		return rows
	}
	out := make([]MetricRow, 0, len(rows))
	for _, r := range rows {
		if !r.Date.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}
