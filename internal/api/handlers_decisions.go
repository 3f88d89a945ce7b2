package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hypeon/decision-engine/internal/engine"
	"github.com/hypeon/decision-engine/internal/repository/postgres"
)

// GetDecisionHistory lists decision records, optionally filtered by
// entity and status.
func (h *Handlers) GetDecisionHistory(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 50, 200)
	q := r.URL.Query()
	filter := postgres.DecisionFilter{
		Status:   engine.DecisionStatus(q.Get("status")),
		EntityID: q.Get("entity_id"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}

	decisions, total, err := h.store.ListDecisions(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"decisions":  decisions,
		"pagination": pageMeta(p, total),
	})
}

// GetTopDecisions returns the N most urgent open insights, weighting
// priority by severity urgency.
func (h *Handlers) GetTopDecisions(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 3
	}

	insights, _, err := h.store.ListInsights(r.Context(), postgres.InsightFilter{
		Status: engine.InsightNew,
		Limit:  200,
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	top := h.ranker.TopDecisions(insights, n, engine.InsightNew, time.Now().UTC())
	respondJSON(w, http.StatusOK, map[string]interface{}{"decisions": top})
}
