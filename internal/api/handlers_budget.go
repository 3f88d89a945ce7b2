package api

import (
	"net/http"

	"github.com/hypeon/decision-engine/internal/engine"
)

type simulateRequest struct {
	CurrentSpend map[engine.Channel]float64 `json:"current_spend"`
	Changes      map[engine.Channel]float64 `json:"changes"`
}

type optimizeRequest struct {
	TotalBudget  float64                    `json:"total_budget"`
	CurrentSpend map[engine.Channel]float64 `json:"current_spend"`
}

// SimulateBudget projects the revenue effect of fractional spend changes
// against the latest fitted model. A simulation with no fitted model is
// an error, never a best-guess number.
func (h *Handlers) SimulateBudget(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.CurrentSpend) == 0 {
		respondError(w, http.StatusBadRequest, "bad_request", "current_spend is required")
		return
	}

	results, err := h.store.LatestMMMResults(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if len(results) == 0 {
		respondError(w, http.StatusConflict, "no_model", "no fitted model available; run the pipeline first")
		return
	}

	coefficients := map[engine.Channel]float64{}
	for _, m := range results {
		coefficients[m.Channel] = m.Coefficient
	}
	sim := h.optimizer.Simulate(req.CurrentSpend, req.Changes, coefficients)
	respondJSON(w, http.StatusOK, sim)
}

// OptimizeBudget recommends a spend allocation for a total budget using
// the latest fitted model's response curves.
func (h *Handlers) OptimizeBudget(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TotalBudget <= 0 {
		respondError(w, http.StatusBadRequest, "bad_request", "total_budget must be positive")
		return
	}

	results, err := h.store.LatestMMMResults(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if len(results) == 0 {
		respondError(w, http.StatusConflict, "no_model", "no fitted model available; run the pipeline first")
		return
	}

	fit := fitFromResults(results)
	alloc := h.optimizer.Allocate(req.TotalBudget, fit, req.CurrentSpend)
	respondJSON(w, http.StatusOK, alloc)
}

// fitFromResults rebuilds the slice of a fit the optimizer consumes from
// persisted per-channel rows. Stability is not persisted per channel, so
// the guard defers to what the run already decided at fit time.
func fitFromResults(results []engine.MMMResult) *engine.MMMFit {
	fit := &engine.MMMFit{
		Coefficients: map[engine.Channel]float64{},
		Elasticities: map[engine.Channel]float64{},
	}
	for _, m := range results {
		fit.RunID = m.RunID
		fit.ModelVersion = m.ModelVersion
		fit.HalfLife = m.AdstockHalfLife
		fit.RSquared = m.RSquared
		fit.Channels = append(fit.Channels, m.Channel)
		fit.Coefficients[m.Channel] = m.Coefficient
		fit.Elasticities[m.Channel] = m.Elasticity
	}
	return fit
}
