package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hypeon/decision-engine/internal/engine"
	"github.com/hypeon/decision-engine/internal/repository/postgres"
)

type fakeStore struct {
	insights  []engine.Insight
	decisions map[string]*engine.DecisionHistory
	runs      []engine.RunRecord
	mmm       []engine.MMMResult
	statuses  map[string]engine.InsightStatus
	saved     []engine.DecisionHistory
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		decisions: map[string]*engine.DecisionHistory{},
		statuses:  map[string]engine.InsightStatus{},
	}
}

func (f *fakeStore) ListInsights(_ context.Context, filter postgres.InsightFilter) ([]engine.Insight, int, error) {
	var out []engine.Insight
	for _, in := range f.insights {
		if filter.Status != "" && in.Status != filter.Status {
			continue
		}
		if filter.EntityID != "" && in.EntityID != filter.EntityID {
			continue
		}
		out = append(out, in)
	}
	return out, len(out), nil
}

func (f *fakeStore) GetInsight(_ context.Context, id string) (*engine.Insight, error) {
	for i := range f.insights {
		if f.insights[i].InsightID == id {
			return &f.insights[i], nil
		}
	}
	return nil, engine.ErrNotFound
}

func (f *fakeStore) SetInsightStatus(_ context.Context, id string, status engine.InsightStatus) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) ListDecisions(_ context.Context, _ postgres.DecisionFilter) ([]engine.DecisionHistory, int, error) {
	var out []engine.DecisionHistory
	for _, d := range f.decisions {
		out = append(out, *d)
	}
	return out, len(out), nil
}

func (f *fakeStore) DecisionByInsight(_ context.Context, insightID string) (*engine.DecisionHistory, error) {
	d, ok := f.decisions[insightID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) SaveDecision(_ context.Context, d *engine.DecisionHistory) error {
	cp := *d
	f.decisions[d.InsightID] = &cp
	f.saved = append(f.saved, cp)
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (*engine.RunRecord, error) {
	for i := range f.runs {
		if f.runs[i].RunID == runID {
			return &f.runs[i], nil
		}
	}
	return nil, engine.ErrNotFound
}

func (f *fakeStore) ListRuns(_ context.Context, _ int) ([]engine.RunRecord, error) {
	return f.runs, nil
}

func (f *fakeStore) LatestMMMResults(_ context.Context) ([]engine.MMMResult, error) {
	return f.mmm, nil
}

func testHandlers(store Store) *Handlers {
	return NewHandlers(store, nil,
		engine.NewOptimizer(engine.DefaultOptimizerConfig()),
		engine.NewRanker(engine.DefaultRankerConfig()))
}

func seededStore() *fakeStore {
	store := newFakeStore()
	now := time.Now().UTC()
	in := engine.Insight{
		InsightID:      "ins-1",
		EntityType:     engine.EntityCampaign,
		EntityID:       "camp-1",
		InsightType:    "waste_zero_revenue",
		Recommendation: "Pause campaign camp-1",
		ExpectedImpact: engine.ExpectedImpact{Metric: "potential_savings", Estimate: 900, Units: "usd"},
		Confidence:     0.9,
		PriorityScore:  0.8,
		Severity:       engine.SeverityHigh,
		InsightHash:    "ins-1",
		Status:         engine.InsightNew,
		Period:         now.Format("2006-01-02"),
		CreatedAt:      now,
	}
	store.insights = append(store.insights, in)
	d := engine.NewDecision("hist-1", in, now)
	store.decisions[in.InsightID] = &d
	return store
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	return envelope
}

func TestGetInsightsEnvelope(t *testing.T) {
	router := SetupRoutes(testHandlers(seededStore()), "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/insights?status=new", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec)
	if _, ok := envelope["data"]; !ok {
		t.Fatalf("missing data envelope: %s", rec.Body.String())
	}
	var data struct {
		Insights   []engine.Insight `json:"insights"`
		Pagination PageMeta         `json:"pagination"`
	}
	if err := json.Unmarshal(envelope["data"], &data); err != nil {
		t.Fatal(err)
	}
	if len(data.Insights) != 1 || data.Pagination.Total != 1 {
		t.Errorf("insights = %d, total = %d", len(data.Insights), data.Pagination.Total)
	}
}

func TestGetInsightNotFound(t *testing.T) {
	router := SetupRoutes(testHandlers(newFakeStore()), "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/insights/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	envelope := decodeEnvelope(t, rec)
	var e errorBody
	if err := json.Unmarshal(envelope["error"], &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != "not_found" {
		t.Errorf("error code = %q", e.Code)
	}
}

func TestApplyInsightTransitions(t *testing.T) {
	store := seededStore()
	router := SetupRoutes(testHandlers(store), "")

	// NEW -> REVIEWED
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/insights/ins-1/review",
		bytes.NewBufferString(`{"actor":"ops@hypeon.io"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("review status = %d: %s", rec.Code, rec.Body.String())
	}

	// REVIEWED -> APPLIED
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/insights/ins-1/apply",
		bytes.NewBufferString(`{"actor":"ops@hypeon.io"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d: %s", rec.Code, rec.Body.String())
	}

	d := store.decisions["ins-1"]
	if d.Status != engine.DecisionApplied {
		t.Errorf("decision status = %s", d.Status)
	}
	if d.AppliedBy != "ops@hypeon.io" || d.AppliedAt == nil {
		t.Errorf("apply stamps missing: %+v", d)
	}
	if store.statuses["ins-1"] != engine.InsightApplied {
		t.Errorf("insight status = %s, want applied", store.statuses["ins-1"])
	}
}

func TestInvalidTransitionConflicts(t *testing.T) {
	store := seededStore()
	router := SetupRoutes(testHandlers(store), "")

	// NEW -> VERIFIED skips APPLIED and must be refused.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/insights/ins-1/verify", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if store.decisions["ins-1"].Status != engine.DecisionNew {
		t.Errorf("decision mutated on refused transition: %s", store.decisions["ins-1"].Status)
	}
}

func TestSimulateBudgetNoModel(t *testing.T) {
	router := SetupRoutes(testHandlers(seededStore()), "")

	body := `{"current_spend":{"meta":100},"changes":{"meta":0.2}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/budget/simulate", bytes.NewBufferString(body)))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec)
	var e errorBody
	if err := json.Unmarshal(envelope["error"], &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != "no_model" {
		t.Errorf("error code = %q, want no_model", e.Code)
	}
}

func TestSimulateBudgetProjects(t *testing.T) {
	store := seededStore()
	store.mmm = []engine.MMMResult{
		{RunID: "run-1", Channel: "meta", Coefficient: 100, AdstockHalfLife: 7, ModelVersion: engine.MMMVersion},
	}
	router := SetupRoutes(testHandlers(store), "")

	body := `{"current_spend":{"meta":200},"changes":{"meta":0.5}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/budget/simulate", bytes.NewBufferString(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec)
	var sim engine.Simulation
	if err := json.Unmarshal(envelope["data"], &sim); err != nil {
		t.Fatal(err)
	}
	if sim.NewSpend["meta"] != 300 {
		t.Errorf("new spend = %v, want 300", sim.NewSpend["meta"])
	}
	if sim.RevenueDelta <= 0 {
		t.Errorf("increased spend should project positive delta, got %v", sim.RevenueDelta)
	}
}

func TestOptimizeBudgetValidation(t *testing.T) {
	router := SetupRoutes(testHandlers(seededStore()), "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/budget/optimize",
		bytes.NewBufferString(`{"total_budget":0}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero budget status = %d", rec.Code)
	}
}

func TestBearerAuthGatesAPI(t *testing.T) {
	router := SetupRoutes(testHandlers(seededStore()), "sekrit")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/insights", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/insights", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}

	// Health stays open.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	store := seededStore()
	now := time.Now().UTC()
	store.runs = []engine.RunRecord{{
		RunID: "run-1", Status: engine.RunSucceeded,
		MTAVersion: engine.MTAVersion, MMMVersion: engine.MMMVersion,
		StartedAt: now,
	}}
	router := SetupRoutes(testHandlers(store), "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/run-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", rec.Code)
	}
}

func TestTriggerRunWithoutRunner(t *testing.T) {
	router := SetupRoutes(testHandlers(seededStore()), "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/runs",
		bytes.NewBufferString(`{"window_end":"2026-06-30"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when no runner wired", rec.Code)
	}
}

type fakeTrigger struct {
	start, end time.Time
	done       chan struct{}
}

func (f *fakeTrigger) Run(_ context.Context, start, end time.Time) (engine.RunRecord, error) {
	f.start, f.end = start, end
	close(f.done)
	return engine.RunRecord{RunID: "run-x", Status: engine.RunSucceeded}, nil
}

func TestTriggerRunStartsInBackground(t *testing.T) {
	trigger := &fakeTrigger{done: make(chan struct{})}
	h := NewHandlers(seededStore(), trigger,
		engine.NewOptimizer(engine.DefaultOptimizerConfig()),
		engine.NewRanker(engine.DefaultRankerConfig()))
	router := SetupRoutes(h, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/runs",
		bytes.NewBufferString(`{"window_start":"2026-04-02","window_end":"2026-06-30"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case <-trigger.done:
	case <-time.After(2 * time.Second):
		t.Fatal("background run never started")
	}
	if trigger.start.Format("2006-01-02") != "2026-04-02" ||
		trigger.end.Format("2006-01-02") != "2026-06-30" {
		t.Errorf("window = %v..%v", trigger.start, trigger.end)
	}
}
