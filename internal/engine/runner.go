package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hypeon/decision-engine/internal/obs"
	"github.com/hypeon/decision-engine/internal/pkg/logger"
)

// WarehouseReader supplies a run's raw inputs for a date window.
type WarehouseReader interface {
	SourceRows(ctx context.Context, start, end time.Time) ([]SourceRow, error)
	Orders(ctx context.Context, start, end time.Time) ([]Order, error)
	DailySpend(ctx context.Context, start, end time.Time) ([]ChannelDaySpend, error)
	TouchPaths(ctx context.Context, start, end time.Time) ([]TouchPath, error)
}

// RunResults is everything a run produces besides insights: persisted in
// one transaction so a canceled run leaves no partial batch.
type RunResults struct {
	Run        RunRecord
	Metrics    []MetricRow
	Events     []AttributionEvent
	MMMResults []MMMResult
	Report     *DisagreementReport
}

// RunStore persists run state and outputs.
type RunStore interface {
	CreateRun(ctx context.Context, run RunRecord) error
	UpdateRun(ctx context.Context, run RunRecord) error
	SaveRunResults(ctx context.Context, results RunResults) error
	UpsertInsights(ctx context.Context, insights []Insight) (int, error)
	OpenDecisions(ctx context.Context, insights []Insight, now time.Time) error
}

// RunnerConfig tunes one pipeline run.
type RunnerConfig struct {
	Workers            int    `yaml:"workers"`
	AttributionSetting string `yaml:"attribution_setting"`
	MinMarkovPaths     int    `yaml:"min_markov_paths"`
}

// DefaultRunnerConfig returns the standard runner settings.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{Workers: 4, AttributionSetting: "30d_click_1d_view", MinMarkovPaths: defaultMinPaths}
}

// Runner executes one end-to-end engine run: load, aggregate, attribute,
// fit, compare, detect, reason, rank, suppress, persist. Every stage is
// scoped to a run_id; a failure surfaces as a failed RunRecord carrying
// the stage that broke, never as a half-written batch.
type Runner struct {
	cfg        RunnerConfig
	warehouse  WarehouseReader
	store      RunStore
	aggregator *Aggregator
	mmm        *MMM
	monitor    *DisagreementMonitor
	rules      *RuleSet
	anomalies  *AnomalyDetector
	reasoner   *Reasoner
	ranker     *Ranker
	suppressor *Suppressor
}

// NewRunner wires a runner from its components. Nil components get
// defaults; warehouse and store are required.
func NewRunner(cfg RunnerConfig, warehouse WarehouseReader, store RunStore, opts ...RunnerOption) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultRunnerConfig().Workers
	}
	if cfg.AttributionSetting == "" {
		cfg.AttributionSetting = DefaultRunnerConfig().AttributionSetting
	}
	r := &Runner{
		cfg:        cfg,
		warehouse:  warehouse,
		store:      store,
		aggregator: NewAggregator(),
		mmm:        NewMMM(DefaultMMMConfig()),
		monitor:    NewDisagreementMonitor(0),
		rules:      DefaultRules(),
		anomalies:  NewAnomalyDetector(DefaultAnomalyConfig()),
		reasoner:   NewReasoner(nil),
		ranker:     NewRanker(DefaultRankerConfig()),
		suppressor: NewSuppressor(DefaultSuppressorConfig(), nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunnerOption overrides one component of a runner.
type RunnerOption func(*Runner)

func WithMMM(m *MMM) RunnerOption                     { return func(r *Runner) { r.mmm = m } }
func WithMonitor(m *DisagreementMonitor) RunnerOption { return func(r *Runner) { r.monitor = m } }
func WithRules(rs *RuleSet) RunnerOption              { return func(r *Runner) { r.rules = rs } }
func WithAnomalies(d *AnomalyDetector) RunnerOption   { return func(r *Runner) { r.anomalies = d } }
func WithRanker(rk *Ranker) RunnerOption              { return func(r *Runner) { r.ranker = rk } }
func WithSuppressor(s *Suppressor) RunnerOption       { return func(r *Runner) { r.suppressor = s } }
func WithAggregator(a *Aggregator) RunnerOption       { return func(r *Runner) { r.aggregator = a } }

// Run executes the pipeline for [windowStart, windowEnd] and returns the
// final run record. The returned error, when non-nil, is a *RunError
// naming the stage that failed; the run record is persisted as failed.
func (r *Runner) Run(ctx context.Context, windowStart, windowEnd time.Time) (RunRecord, error) {
	runID := uuid.New().String()
	now := time.Now().UTC()
	run := RunRecord{
		RunID:       runID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Status:      RunRunning,
		Stage:       "load",
		MTAVersion:  MTAVersion,
		MMMVersion:  MMMVersion,
		StartedAt:   now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return run, &RunError{RunID: runID, Stage: "create", Err: err}
	}
	logger.Info("engine run started", "run_id", runID,
		"window_start", windowStart.Format("2006-01-02"),
		"window_end", windowEnd.Format("2006-01-02"))

	rec, err := r.execute(ctx, run)
	if err != nil {
		rec.Status = RunFailed
		if ctx.Err() != nil {
			rec.Status = RunCanceled
		}
		rec.Error = err.Error()
		done := time.Now().UTC()
		rec.CompletedAt = &done
		if uerr := r.store.UpdateRun(context.WithoutCancel(ctx), rec); uerr != nil {
			logger.Error("failed to record run failure", "run_id", runID, "error", uerr)
		}
		obs.RunsTotal.WithLabelValues(string(rec.Status)).Inc()
		logger.Error("engine run failed", "run_id", runID, "stage", rec.Stage, "error", err)
		return rec, err
	}

	rec.Status = RunSucceeded
	rec.Stage = "done"
	done := time.Now().UTC()
	rec.CompletedAt = &done
	if err := r.store.UpdateRun(ctx, rec); err != nil {
		return rec, &RunError{RunID: runID, Stage: "finalize", Err: err}
	}
	obs.RunsTotal.WithLabelValues(string(rec.Status)).Inc()
	obs.RunDuration.Observe(done.Sub(rec.StartedAt).Seconds())
	obs.DisagreementScore.Set(rec.Disagreement)
	logger.Info("engine run completed", "run_id", runID,
		"insights_emitted", rec.InsightsEmitted, "insights_dropped", rec.InsightsDropped,
		"disagreement", fmt.Sprintf("%.3f", rec.Disagreement))
	return rec, nil
}

func (r *Runner) execute(ctx context.Context, run RunRecord) (RunRecord, error) {
	runID := run.RunID
	fail := func(stage string, err error) (RunRecord, error) {
		run.Stage = stage
		return run, &RunError{RunID: runID, Stage: stage, Processed: run.EntitiesDone, Total: run.EntitiesTotal, Err: err}
	}

	// Load. Each read carries the caller's deadline; the warehouse layer
	// owns per-query timeouts and retries.
	run.Stage = "load"
	sourceRows, err := r.warehouse.SourceRows(ctx, run.WindowStart, run.WindowEnd)
	if err != nil {
		return fail("load", err)
	}
	orders, err := r.warehouse.Orders(ctx, run.WindowStart, run.WindowEnd)
	if err != nil {
		return fail("load", err)
	}
	spend, err := r.warehouse.DailySpend(ctx, run.WindowStart, run.WindowEnd)
	if err != nil {
		return fail("load", err)
	}
	paths, err := r.warehouse.TouchPaths(ctx, run.WindowStart, run.WindowEnd)
	if err != nil {
		return fail("load", err)
	}

	// Aggregate.
	run.Stage = "aggregate"
	metrics := r.aggregator.Aggregate(sourceRows)

	// Attribute.
	run.Stage = "attribution"
	window := ParseAttributionSetting(r.cfg.AttributionSetting)
	input := AttributionInput{Orders: orders, DailySpend: spend, Paths: paths, Window: window}
	allocator := SelectAllocator(input, r.cfg.MinMarkovPaths)
	events, err := allocator.Allocate(input)
	if err != nil {
		return fail("attribution", err)
	}
	for i := range events {
		events[i].RunID = runID
	}
	if err := CheckConservation(orders, events); err != nil {
		return fail("attribution", err)
	}

	// Fit the mix model on channel-day spend vs daily revenue.
	run.Stage = "mmm"
	channels, spendSeries, revenueSeries := buildMMMSeries(metrics, run.WindowStart, run.WindowEnd)
	fit, err := r.mmm.Fit(runID, channels, spendSeries, revenueSeries, run.WindowEnd)
	if err != nil {
		// A data gap starves the MMM, not the rules: continue without a
		// fit and let rule insights flow.
		logger.Warn("mmm fit unavailable", "run_id", runID, "error", err)
		fit = nil
	}

	// Compare models.
	run.Stage = "disagreement"
	var report *DisagreementReport
	if fit != nil {
		report = r.monitor.Compare(runID, events, fit, run.WindowStart, run.WindowEnd)
		if report != nil {
			run.Disagreement = report.Score
		}
	}

	// Detect signals, fanned out across entities.
	run.Stage = "signals"
	signals, processed, total := r.detectParallel(ctx, metrics)
	run.EntitiesTotal = total
	run.EntitiesDone = processed
	if ctx.Err() != nil {
		return fail("signals", ctx.Err())
	}

	// Reason, rank, suppress.
	run.Stage = "reason"
	period := run.WindowEnd.Format("2006-01-02")
	now := time.Now().UTC()
	insights := r.reasoner.Reason(runID, signals, metrics, period, run.Disagreement, now)
	insights = r.ranker.Rank(insights, now)

	run.Stage = "suppress"
	res, err := r.suppressor.Filter(ctx, insights, now)
	if err != nil {
		logger.Warn("suppression store degraded", "run_id", runID, "error", err)
	}
	run.InsightsEmitted = len(res.Emitted)
	run.InsightsDropped = res.Dropped
	for _, in := range res.Emitted {
		obs.InsightsEmitted.WithLabelValues(string(in.Severity)).Inc()
	}
	for reason, count := range res.ByReason {
		obs.InsightsSuppressed.WithLabelValues(reason).Add(float64(count))
	}

	// Persist everything the run produced in one batch.
	run.Stage = "persist"
	results := RunResults{Run: run, Metrics: metrics, Events: events, Report: report}
	if fit != nil {
		results.MMMResults = fit.Results(now)
	}
	if err := r.store.SaveRunResults(ctx, results); err != nil {
		return fail("persist", err)
	}
	if _, err := r.store.UpsertInsights(ctx, res.Emitted); err != nil {
		return fail("persist", err)
	}
	if err := r.store.OpenDecisions(ctx, res.Emitted, now); err != nil {
		return fail("persist", err)
	}
	return run, nil
}

// detectParallel runs rule and anomaly detection per entity across the
// worker pool. Entities share no state, so the only coordination is the
// result channel.
func (r *Runner) detectParallel(ctx context.Context, metrics []MetricRow) ([]Signal, int, int) {
	byEntity := map[string][]MetricRow{}
	for _, row := range metrics {
		byEntity[row.EntityID] = append(byEntity[row.EntityID], row)
	}
	entityIDs := make([]string, 0, len(byEntity))
	for id := range byEntity {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	jobs := make(chan string)
	results := make(chan []Signal, len(entityIDs))
	var wg sync.WaitGroup
	var processed int64
	var mu sync.Mutex

	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				rows := byEntity[id]
				sigs := r.rules.Evaluate(rows)
				sigs = append(sigs, r.anomalies.Detect(rows)...)
				results <- sigs
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}()
	}

	for _, id := range entityIDs {
		select {
		case jobs <- id:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(results)
			return drainSignals(results), int(processed), len(entityIDs)
		}
	}
	close(jobs)
	wg.Wait()
	close(results)
	return drainSignals(results), int(processed), len(entityIDs)
}

func drainSignals(results chan []Signal) []Signal {
	var out []Signal
	for sigs := range results {
		out = append(out, sigs...)
	}
	// Worker completion order is nondeterministic; re-sort so downstream
	// hashing and grouping see a stable order.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Period < out[j].Period
	})
	return out
}

// buildMMMSeries pivots metric rows into per-channel daily spend series
// and a total daily revenue series over the window, zero-filling missing
// days so all series stay date-aligned.
func buildMMMSeries(metrics []MetricRow, start, end time.Time) ([]Channel, map[Channel][]float64, []float64) {
	days := int(end.Sub(start).Hours()/24) + 1
	if days < 1 {
		return nil, nil, nil
	}
	dayIndex := func(t time.Time) int { return int(t.Sub(start).Hours() / 24) }

	channelSet := map[Channel]bool{}
	for _, row := range metrics {
		if row.Channel != "" {
			channelSet[row.Channel] = true
		}
	}
	channels := make([]Channel, 0, len(channelSet))
	for ch := range channelSet {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	spend := map[Channel][]float64{}
	for _, ch := range channels {
		spend[ch] = make([]float64, days)
	}
	revenue := make([]float64, days)
	for _, row := range metrics {
		idx := dayIndex(row.Date)
		if idx < 0 || idx >= days {
			continue
		}
		if row.Channel != "" {
			spend[row.Channel][idx] += row.Spend
		}
		revenue[idx] += row.Revenue
	}
	return channels, spend, revenue
}
