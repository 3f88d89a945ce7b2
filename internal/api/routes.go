package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hypeon/decision-engine/internal/obs"
)

// SetupRoutes configures all API routes. apiToken, when non-empty, gates
// every /api route behind a bearer token.
func SetupRoutes(h *Handlers, apiToken string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(obs.HTTPMetrics)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.hypeon.io", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if apiToken != "" {
			r.Use(bearerAuth(apiToken))
		}

		r.Get("/health", h.HealthCheck)

		r.Get("/insights", h.GetInsights)
		r.Get("/insights/top", h.GetTopInsights)
		r.Get("/insights/{id}", h.GetInsight)
		r.Post("/insights/{id}/review", h.ReviewInsight)
		r.Post("/insights/{id}/apply", h.ApplyInsight)
		r.Post("/insights/{id}/reject", h.RejectInsight)
		r.Post("/insights/{id}/verify", h.VerifyInsight)

		r.Get("/decisions/history", h.GetDecisionHistory)
		r.Get("/decisions/top", h.GetTopDecisions)

		r.Post("/budget/simulate", h.SimulateBudget)
		r.Post("/budget/optimize", h.OptimizeBudget)

		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs", h.TriggerRun)
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := "Bearer " + token
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != want {
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
