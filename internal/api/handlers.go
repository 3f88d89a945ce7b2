// Package api exposes the engine's read and operator write surface over
// HTTP. Every response uses one envelope: {"data": ...} on success,
// {"error": {"code", "message"}} on failure.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hypeon/decision-engine/internal/engine"
	"github.com/hypeon/decision-engine/internal/pkg/logger"
	"github.com/hypeon/decision-engine/internal/repository/postgres"
)

// Store is the persistence surface the handlers read and write.
// *postgres.Store satisfies it.
type Store interface {
	ListInsights(ctx context.Context, f postgres.InsightFilter) ([]engine.Insight, int, error)
	GetInsight(ctx context.Context, insightID string) (*engine.Insight, error)
	SetInsightStatus(ctx context.Context, insightID string, status engine.InsightStatus) error
	ListDecisions(ctx context.Context, f postgres.DecisionFilter) ([]engine.DecisionHistory, int, error)
	DecisionByInsight(ctx context.Context, insightID string) (*engine.DecisionHistory, error)
	SaveDecision(ctx context.Context, d *engine.DecisionHistory) error
	GetRun(ctx context.Context, runID string) (*engine.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]engine.RunRecord, error)
	LatestMMMResults(ctx context.Context) ([]engine.MMMResult, error)
}

// RunTrigger starts a pipeline run. *engine.Runner satisfies it.
type RunTrigger interface {
	Run(ctx context.Context, windowStart, windowEnd time.Time) (engine.RunRecord, error)
}

// HealthProber reports warehouse data currency on the health endpoint.
type HealthProber interface {
	Healthy() bool
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	store     Store
	runner    RunTrigger
	optimizer *engine.Optimizer
	ranker    *engine.Ranker
	prober    HealthProber
	startedAt time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store Store, runner RunTrigger, optimizer *engine.Optimizer, ranker *engine.Ranker) *Handlers {
	return &Handlers{
		store:     store,
		runner:    runner,
		optimizer: optimizer,
		ranker:    ranker,
		startedAt: time.Now().UTC(),
	}
}

// SetProber wires the warehouse freshness prober into the health check.
func (h *Handlers) SetProber(p HealthProber) { h.prober = p }

// Response helpers

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": errorBody{Code: code, Message: message},
	})
}

// respondSafeError logs the internal error and sends a sanitized message,
// so database details and file paths never reach API consumers.
func respondSafeError(w http.ResponseWriter, status int, internalErr error, code, publicMsg string) {
	if internalErr != nil {
		logger.Error("request failed", "status", status, "code", code, "error", internalErr)
	}
	respondError(w, status, code, publicMsg)
}

// respondStoreError maps store errors onto the envelope: ErrNotFound is a
// 404 the caller can act on, anything else is a sanitized 500.
func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	respondSafeError(w, http.StatusInternalServerError, err, "internal", "an internal error occurred")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
