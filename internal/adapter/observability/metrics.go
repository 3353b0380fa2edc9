package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by operation",
		},
		[]string{"operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	OutboxEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_enqueued_total",
			Help: "Total outbox events enqueued (coalesced updates included)",
		},
		[]string{"pipeline", "op"},
	)
	OutboxClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_claimed_total",
			Help: "Total outbox rows claimed by workers",
		},
		[]string{"pipeline"},
	)
	OutboxAckTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_ack_total",
			Help: "Total outbox acknowledgements by outcome",
		},
		[]string{"pipeline", "outcome"}, // succeeded|retry|dead|requeued|dropped
	)
	OutboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_depth",
			Help: "Outbox rows by status",
		},
		[]string{"pipeline", "status"},
	)

	IndexResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_results_total",
			Help: "Indexer results by op and error kind (kind=ok on success)",
		},
		[]string{"op", "kind"},
	)
	RAGJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_job_duration_seconds",
			Help:    "Knowledge-graph engine job duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	RetrievalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_requests_total",
			Help: "Retrieval service calls by operation and cache outcome",
		},
		[]string{"operation", "cache"},
	)
	RetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrieval_duration_seconds",
			Help:    "Retrieval call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	SkillExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skill_executions_total",
			Help: "Skill executions by skill, mode and outcome",
		},
		[]string{"skill", "mode", "outcome"},
	)
	ToolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_invocations_total",
			Help: "Tool invocations by tool kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// InitMetrics registers every instrument with the default registry. Call
// once per process; a second call panics on duplicate registration.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AIRequestsTotal,
		AIRequestDuration,
		OutboxEnqueuedTotal,
		OutboxClaimedTotal,
		OutboxAckTotal,
		OutboxDepth,
		IndexResultsTotal,
		RAGJobDuration,
		RetrievalRequestsTotal,
		RetrievalDuration,
		SkillExecutionsTotal,
		ToolInvocationsTotal,
	)
}

// HTTPMetricsMiddleware records the request counter and latency histogram
// under the chi route pattern, falling back to the raw path for requests
// that never matched a route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func ObserveOutboxEnqueue(pipeline, op string) {
	OutboxEnqueuedTotal.WithLabelValues(pipeline, op).Inc()
}

func ObserveOutboxClaims(pipeline string, n int) {
	OutboxClaimedTotal.WithLabelValues(pipeline).Add(float64(n))
}

func ObserveOutboxAck(pipeline, outcome string) {
	OutboxAckTotal.WithLabelValues(pipeline, outcome).Inc()
}

func SetOutboxDepth(pipeline, status string, n int64) {
	OutboxDepth.WithLabelValues(pipeline, status).Set(float64(n))
}

func ObserveIndexResult(op, kind string) {
	IndexResultsTotal.WithLabelValues(op, kind).Inc()
}
