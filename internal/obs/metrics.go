// Package obs holds the engine's Prometheus instrumentation.
package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts pipeline runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_runs_total",
		Help: "Pipeline runs by terminal status.",
	}, []string{"status"})

	// RunDuration observes end-to-end pipeline run time.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_run_duration_seconds",
		Help:    "End-to-end pipeline run duration.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// InsightsEmitted counts insights surfaced per run, by severity.
	InsightsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_insights_emitted_total",
		Help: "Insights emitted after suppression, by severity.",
	}, []string{"severity"})

	// InsightsSuppressed counts dropped insights by reason.
	InsightsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_insights_suppressed_total",
		Help: "Insights dropped by the suppressor, by reason.",
	}, []string{"reason"})

	// DisagreementScore tracks the latest model disagreement per run.
	DisagreementScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_model_disagreement_score",
		Help: "Mean absolute share delta between attribution and MMM.",
	})

	// DecisionTransitions counts lifecycle transitions by target status.
	DecisionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_decision_transitions_total",
		Help: "Decision lifecycle transitions by target status.",
	}, []string{"to"})

	// OutcomesEvaluated counts outcome windows measured.
	OutcomesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_outcomes_evaluated_total",
		Help: "Outcome windows measured, by window.",
	}, []string{"window"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "HTTP requests by method and status.",
	}, []string{"method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request latency by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetrics is chi middleware recording request counts and latency.
func HTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		httpRequests.WithLabelValues(req.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	})
}
