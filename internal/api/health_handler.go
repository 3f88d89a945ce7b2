package api

import (
	"net/http"
	"time"
)

// HealthCheck reports process liveness and, when a prober is wired,
// warehouse data currency.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	}
	if h.prober != nil {
		warehouse := "healthy"
		if !h.prober.Healthy() {
			warehouse = "stale"
		}
		body["warehouse"] = warehouse
	}
	respondJSON(w, http.StatusOK, body)
}
