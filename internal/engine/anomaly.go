package engine

import (
	"math"
	"sort"
)

// AnomalyConfig tunes the time-series detector.
type AnomalyConfig struct {
	Window    int     `yaml:"window"`     // trailing days used for the forecast
	Threshold float64 `yaml:"threshold"`  // z-score beyond which a point is anomalous
	MinPoints int     `yaml:"min_points"` // history required before scoring at all
}

// DefaultAnomalyConfig returns the standard detector settings.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{Window: 28, Threshold: 3.0, MinPoints: 7}
}

// AnomalyDetector scores the most recent observation of each entity's
// metric series against a trailing-window forecast. The forecast is the
// trailing mean; the score is the z-distance from it. Crude, but it runs
// on every entity every run without fitting anything.
type AnomalyDetector struct {
	cfg AnomalyConfig
}

func NewAnomalyDetector(cfg AnomalyConfig) *AnomalyDetector {
	d := DefaultAnomalyConfig()
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = d.MinPoints
	}
	return &AnomalyDetector{cfg: cfg}
}

// anomalyMetrics are the series scored per entity.
var anomalyMetrics = []string{"spend", "revenue", "roas", "conversion_rate"}

// Detect scores the latest row of each (entity, channel, device) series
// and emits a signal for each metric whose deviation clears the threshold.
// Rows must cover a contiguous history; gaps shrink the window rather than
// invalidating it.
func (d *AnomalyDetector) Detect(rows []MetricRow) []Signal {
	series := groupSeries(rows)

	var signals []Signal
	for _, key := range sortedSeriesKeys(series) {
		s := series[key]
		if len(s) < d.cfg.MinPoints+1 {
			continue
		}
		latest := s[len(s)-1]
		history := s[:len(s)-1]
		if len(history) > d.cfg.Window {
			history = history[len(history)-d.cfg.Window:]
		}
		for _, metric := range anomalyMetrics {
			sig, ok := d.scoreMetric(latest, history, metric)
			if ok {
				signals = append(signals, sig)
			}
		}
	}
	return signals
}

func (d *AnomalyDetector) scoreMetric(latest MetricRow, history []MetricRow, metric string) (Signal, bool) {
	observed, ok := metricValue(latest, metric)
	if !ok {
		return Signal{}, false
	}
	var values []float64
	for _, row := range history {
		if v, ok := metricValue(row, metric); ok {
			values = append(values, v)
		}
	}
	if len(values) < d.cfg.MinPoints {
		return Signal{}, false
	}
	forecast := mean(values)
	sd := stddev(values, forecast)
	if sd < 1e-9 {
		// A flat series that moves at all is anomalous only if it moves
		// materially; guard against spurious fires on near-constant data.
		if math.Abs(observed-forecast) <= math.Max(1e-9, 0.01*math.Abs(forecast)) {
			return Signal{}, false
		}
		sd = math.Max(1e-9, 0.01*math.Abs(forecast))
	}
	z := (observed - forecast) / sd
	if math.Abs(z) < d.cfg.Threshold {
		return Signal{}, false
	}
	direction := "spike"
	if z < 0 {
		direction = "drop"
	}
	return Signal{
		Source:     SourceAnomaly,
		RuleID:     "anomaly_" + metric,
		SignalType: "anomaly_" + metric + "_" + direction,
		EntityType: latest.EntityType,
		EntityID:   latest.EntityID,
		Channel:    latest.Channel,
		Metric:     metric,
		Observed:   observed,
		Baseline:   Float(forecast),
		Period:     latest.Date.Format("2006-01-02"),
	}, true
}

func groupSeries(rows []MetricRow) map[seriesKey][]MetricRow {
	out := map[seriesKey][]MetricRow{}
	for _, row := range rows {
		k := seriesKey{row.EntityType, row.EntityID, row.Channel, row.Device}
		out[k] = append(out[k], row)
	}
	for k := range out {
		s := out[k]
		sort.Slice(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
	}
	return out
}

func sortedSeriesKeys(series map[seriesKey][]MetricRow) []seriesKey {
	keys := make([]seriesKey, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.entityType != b.entityType {
			return a.entityType < b.entityType
		}
		if a.entityID != b.entityID {
			return a.entityID < b.entityID
		}
		if a.channel != b.channel {
			return a.channel < b.channel
		}
		return a.device < b.device
	})
	return keys
}

func stddev(values []float64, mu float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var v float64
	for _, x := range values {
		v += (x - mu) * (x - mu)
	}
	return math.Sqrt(v / float64(len(values)-1))
}
