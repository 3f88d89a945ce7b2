package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeWarehouse struct {
	rows   []SourceRow
	orders []Order
	spend  []ChannelDaySpend
	paths  []TouchPath
	err    error
}

func (f *fakeWarehouse) SourceRows(context.Context, time.Time, time.Time) ([]SourceRow, error) {
	return f.rows, f.err
}
func (f *fakeWarehouse) Orders(context.Context, time.Time, time.Time) ([]Order, error) {
	return f.orders, nil
}
func (f *fakeWarehouse) DailySpend(context.Context, time.Time, time.Time) ([]ChannelDaySpend, error) {
	return f.spend, nil
}
func (f *fakeWarehouse) TouchPaths(context.Context, time.Time, time.Time) ([]TouchPath, error) {
	return f.paths, nil
}

type fakeStore struct {
	mu        sync.Mutex
	runs      map[string]RunRecord
	results   *RunResults
	insights  []Insight
	decisions []Insight
	failSave  bool
}

func newFakeStore() *fakeStore { return &fakeStore{runs: map[string]RunRecord{}} }

func (f *fakeStore) CreateRun(_ context.Context, run RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.RunID] = run
	return nil
}

func (f *fakeStore) UpdateRun(_ context.Context, run RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.RunID] = run
	return nil
}

func (f *fakeStore) SaveRunResults(_ context.Context, results RunResults) error {
	if f.failSave {
		return errors.New("disk full")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = &results
	return nil
}

func (f *fakeStore) UpsertInsights(_ context.Context, insights []Insight) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insights = append(f.insights, insights...)
	return len(insights), nil
}

func (f *fakeStore) OpenDecisions(_ context.Context, insights []Insight, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, insights...)
	return nil
}

func runFixture() *fakeWarehouse {
	w := &fakeWarehouse{}
	for i := 0; i < 30; i++ {
		// Healthy campaign on google.
		w.rows = append(w.rows, SourceRow{
			EntityType: EntityCampaign, EntityID: "good", Date: day(i), Channel: "google",
			Spend: 100 + float64(i%5)*10, Revenue: 400 + float64(i%7)*20, Conversions: 10, Sessions: 500,
		})
		// Wasteful campaign on meta: heavy spend, zero revenue.
		w.rows = append(w.rows, SourceRow{
			EntityType: EntityCampaign, EntityID: "waste", Date: day(i), Channel: "meta",
			Spend: 300, Revenue: 0, Sessions: 100,
		})
		w.spend = append(w.spend,
			ChannelDaySpend{Date: day(i), Channel: "google", Spend: 100},
			ChannelDaySpend{Date: day(i), Channel: "meta", Spend: 300},
		)
	}
	w.orders = []Order{
		{OrderID: "o1", Date: day(20), Revenue: 250},
		{OrderID: "o2", Date: day(25), Revenue: 750},
	}
	return w
}

func newTestRunner(w *fakeWarehouse, store *fakeStore) *Runner {
	return NewRunner(RunnerConfig{Workers: 2}, w, store,
		WithMMM(NewMMM(MMMConfig{MinSamples: 14, BootstrapRounds: 5})),
		WithSuppressor(NewSuppressor(DefaultSuppressorConfig(), NewMemorySuppressionStore())),
	)
}

func TestRunnerEndToEnd(t *testing.T) {
	w := runFixture()
	store := newFakeStore()
	r := newTestRunner(w, store)

	rec, err := r.Run(context.Background(), day(0), day(29))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != RunSucceeded {
		t.Fatalf("run status = %s", rec.Status)
	}
	if rec.MTAVersion != MTAVersion || rec.MMMVersion != MMMVersion {
		t.Errorf("versions not stamped: %+v", rec)
	}
	if rec.EntitiesTotal != 2 || rec.EntitiesDone != 2 {
		t.Errorf("entities %d/%d, want 2/2", rec.EntitiesDone, rec.EntitiesTotal)
	}
	if rec.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	if store.results == nil {
		t.Fatal("run results not persisted")
	}
	if len(store.results.Metrics) != 60 {
		t.Errorf("metric rows = %d, want 60", len(store.results.Metrics))
	}
	if len(store.results.Events) == 0 {
		t.Error("no attribution events persisted")
	}
	for _, e := range store.results.Events {
		if e.RunID != rec.RunID {
			t.Fatalf("event missing run_id: %+v", e)
		}
	}

	// The wasteful campaign must surface.
	var waste *Insight
	for i := range store.insights {
		if store.insights[i].EntityID == "waste" {
			waste = &store.insights[i]
		}
	}
	if waste == nil {
		t.Fatal("waste campaign produced no insight")
	}
	if waste.Severity != SeverityHigh {
		t.Errorf("waste severity = %s, want high", waste.Severity)
	}
	if waste.RunID != rec.RunID {
		t.Errorf("insight run_id = %q, want %q", waste.RunID, rec.RunID)
	}
	if waste.PriorityScore <= 0 {
		t.Error("insight was not ranked")
	}
	if len(store.decisions) != len(store.insights) {
		t.Errorf("decisions opened for %d of %d insights", len(store.decisions), len(store.insights))
	}
	if rec.InsightsEmitted != len(store.insights) {
		t.Errorf("emitted count %d != stored %d", rec.InsightsEmitted, len(store.insights))
	}
}

func TestRunnerCooldownAcrossRuns(t *testing.T) {
	w := runFixture()
	store := newFakeStore()
	r := newTestRunner(w, store)

	first, err := r.Run(context.Background(), day(0), day(29))
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Run(context.Background(), day(0), day(29))
	if err != nil {
		t.Fatal(err)
	}
	if first.InsightsEmitted == 0 {
		t.Fatal("first run emitted nothing")
	}
	if second.InsightsEmitted != 0 {
		t.Errorf("identical second run should be fully suppressed, emitted %d", second.InsightsEmitted)
	}
	if second.InsightsDropped == 0 {
		t.Error("second run should count cooldown drops")
	}
}

func TestRunnerLoadFailure(t *testing.T) {
	w := &fakeWarehouse{err: errors.New("warehouse unreachable")}
	store := newFakeStore()
	r := newTestRunner(w, store)

	rec, err := r.Run(context.Background(), day(0), day(29))
	if err == nil {
		t.Fatal("expected run failure")
	}
	var re *RunError
	if !errors.As(err, &re) || re.Stage != "load" {
		t.Errorf("error = %v, want RunError at load stage", err)
	}
	if rec.Status != RunFailed || rec.Error == "" {
		t.Errorf("run record = %+v, want failed with message", rec)
	}
	if rec.CompletedAt == nil {
		t.Error("failed run should still be closed out")
	}
	if stored := store.runs[rec.RunID]; stored.Status != RunFailed {
		t.Errorf("persisted status = %s, want failed", stored.Status)
	}
}

func TestRunnerPersistFailureNoPartialBatch(t *testing.T) {
	w := runFixture()
	store := newFakeStore()
	store.failSave = true
	r := newTestRunner(w, store)

	_, err := r.Run(context.Background(), day(0), day(29))
	if err == nil {
		t.Fatal("expected persist failure")
	}
	var re *RunError
	if !errors.As(err, &re) || re.Stage != "persist" {
		t.Errorf("error = %v, want RunError at persist stage", err)
	}
	if len(store.insights) != 0 {
		t.Error("insights written despite failed batch save")
	}
}

func TestBuildMMMSeries(t *testing.T) {
	metrics := []MetricRow{
		{EntityID: "c1", Channel: "meta", Date: day(0), Spend: 100, Revenue: 200},
		{EntityID: "c2", Channel: "meta", Date: day(0), Spend: 50, Revenue: 100},
		{EntityID: "c1", Channel: "google", Date: day(2), Spend: 80, Revenue: 150},
	}
	channels, spend, revenue := buildMMMSeries(metrics, day(0), day(2))
	if len(channels) != 2 {
		t.Fatalf("channels = %v", channels)
	}
	if spend["meta"][0] != 150 {
		t.Errorf("meta day0 spend = %v, want summed 150", spend["meta"][0])
	}
	if spend["google"][2] != 80 || spend["google"][0] != 0 {
		t.Errorf("google series = %v, want zero-filled", spend["google"])
	}
	if revenue[0] != 300 || revenue[1] != 0 || revenue[2] != 150 {
		t.Errorf("revenue series = %v", revenue)
	}
}
