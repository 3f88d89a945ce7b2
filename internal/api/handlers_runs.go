package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hypeon/decision-engine/internal/pkg/logger"
)

// ListRuns returns recent pipeline runs, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun returns one run record.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}

type triggerRunRequest struct {
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
}

// TriggerRun starts a pipeline run for a date range. The run executes in
// the background; the response carries the window so the caller can poll
// /api/runs for the record.
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		respondError(w, http.StatusServiceUnavailable, "no_runner", "run trigger not available on this instance")
		return
	}
	var req triggerRunRequest
	if !decodeBody(w, r, &req) {
		return
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -89)
	var err error
	if req.WindowEnd != "" {
		if end, err = time.Parse("2006-01-02", req.WindowEnd); err != nil {
			respondError(w, http.StatusBadRequest, "bad_request", "window_end must be YYYY-MM-DD")
			return
		}
		start = end.AddDate(0, 0, -89)
	}
	if req.WindowStart != "" {
		if start, err = time.Parse("2006-01-02", req.WindowStart); err != nil {
			respondError(w, http.StatusBadRequest, "bad_request", "window_start must be YYYY-MM-DD")
			return
		}
	}
	if !start.Before(end) {
		respondError(w, http.StatusBadRequest, "bad_request", "window_start must precede window_end")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := h.runner.Run(ctx, start, end); err != nil {
			logger.Error("triggered run failed", "error", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"window_start": start.Format("2006-01-02"),
		"window_end":   end.Format("2006-01-02"),
		"status":       "started",
	})
}
