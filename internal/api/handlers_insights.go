package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hypeon/decision-engine/internal/engine"
	"github.com/hypeon/decision-engine/internal/obs"
	"github.com/hypeon/decision-engine/internal/pkg/logger"
	"github.com/hypeon/decision-engine/internal/repository/postgres"
)

// GetInsights lists insights ranked by priority, with optional status,
// entity, and severity filters.
func (h *Handlers) GetInsights(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 50, 200)
	q := r.URL.Query()
	filter := postgres.InsightFilter{
		Status:     engine.InsightStatus(q.Get("status")),
		EntityType: engine.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity_id"),
		Severity:   engine.Severity(q.Get("severity")),
		Limit:      p.Limit,
		Offset:     p.Offset,
	}

	insights, total, err := h.store.ListInsights(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"insights":   insights,
		"pagination": pageMeta(p, total),
	})
}

// GetTopInsights returns the top-N new insights, re-ranked as of now so
// recency decay reflects query time rather than run time.
func (h *Handlers) GetTopInsights(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 3
	}

	filter := postgres.InsightFilter{
		Status:   engine.InsightNew,
		EntityID: r.URL.Query().Get("entity_id"),
		// Rank over a wider pool than n so re-ranking can reorder.
		Limit: 200,
	}
	insights, _, err := h.store.ListInsights(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	top := h.ranker.TopDecisions(insights, n, engine.InsightNew, time.Now().UTC())
	respondJSON(w, http.StatusOK, map[string]interface{}{"insights": top})
}

// GetInsight returns one insight with its decision record.
func (h *Handlers) GetInsight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	insight, err := h.store.GetInsight(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	body := map[string]interface{}{"insight": insight}
	if d, err := h.store.DecisionByInsight(r.Context(), id); err == nil {
		body["decision"] = d
	}
	respondJSON(w, http.StatusOK, body)
}

type transitionRequest struct {
	Actor string `json:"actor"`
}

// ReviewInsight moves an insight's decision to REVIEWED.
func (h *Handlers) ReviewInsight(w http.ResponseWriter, r *http.Request) {
	h.transitionInsight(w, r, engine.DecisionReviewed)
}

// ApplyInsight moves an insight's decision to APPLIED, stamping who
// applied it and when. The outcome evaluator picks it up from there.
func (h *Handlers) ApplyInsight(w http.ResponseWriter, r *http.Request) {
	h.transitionInsight(w, r, engine.DecisionApplied)
}

// RejectInsight terminally rejects an insight's decision.
func (h *Handlers) RejectInsight(w http.ResponseWriter, r *http.Request) {
	h.transitionInsight(w, r, engine.DecisionRejected)
}

// VerifyInsight confirms an applied decision produced its outcome.
func (h *Handlers) VerifyInsight(w http.ResponseWriter, r *http.Request) {
	h.transitionInsight(w, r, engine.DecisionVerified)
}

func (h *Handlers) transitionInsight(w http.ResponseWriter, r *http.Request, to engine.DecisionStatus) {
	id := chi.URLParam(r, "id")
	var req transitionRequest
	if r.Body != nil && r.ContentLength > 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	d, err := h.store.DecisionByInsight(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	from := d.Status
	if terr := engine.Transition(d, to, req.Actor, time.Now().UTC()); terr != nil {
		respondError(w, http.StatusConflict, "invalid_transition", terr.Error())
		return
	}
	if err := h.store.SaveDecision(r.Context(), d); err != nil {
		respondStoreError(w, err)
		return
	}
	insightStatus, serr := engine.InsightStatusFor(to)
	if serr != nil {
		respondError(w, http.StatusConflict, "invalid_transition", serr.Error())
		return
	}
	if err := h.store.SetInsightStatus(r.Context(), id, insightStatus); err != nil {
		respondStoreError(w, err)
		return
	}

	obs.DecisionTransitions.WithLabelValues(string(to)).Inc()
	logger.Info("decision transitioned", "insight_id", id,
		"from", string(from), "to", string(to), "actor", req.Actor)
	respondJSON(w, http.StatusOK, map[string]interface{}{"decision": d})
}
