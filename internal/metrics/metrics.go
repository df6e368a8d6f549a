// Package metrics exposes the daemon's Prometheus gauges/counters/
// histograms and an HTTP middleware that records request metrics, including
// SSE-compatible flush passthrough for long-lived streaming handlers.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blah_code_requests_total",
			Help: "Total number of HTTP requests handled by the daemon.",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blah_code_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blah_code_active_sessions",
			Help: "Number of sessions with at least one run in flight.",
		},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blah_code_run_duration_seconds",
			Help:    "Agent step engine run duration in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blah_code_tool_calls_total",
			Help: "Total number of tool invocations, by tool and outcome.",
		},
		[]string{"tool", "status"},
	)

	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blah_code_permission_decisions_total",
			Help: "Total permission decisions reached, by final decision.",
		},
		[]string{"decision"},
	)

	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blah_code_event_buffer_drops_total",
			Help: "Total events dropped from a session's listener queue because it was full.",
		},
		[]string{"session_id"},
	)

	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blah_code_pending_approvals",
			Help: "Number of permission requests currently awaiting resolution across all sessions.",
		},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so the wrapped writer keeps working for the
// daemon's SSE event stream endpoint.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency for every request, with
// path cardinality collapsed via normalizePath.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses path-parameterized routes (/v1/sessions/<id>/...)
// into a single low-cardinality label.
func normalizePath(path string) string {
	switch {
	case path == "/health" || path == "/metrics" || path == "/v1/status" || path == "/v1/tools":
		return path
	case strings.HasPrefix(path, "/v1/sessions"):
		return "/v1/sessions/*"
	case strings.HasPrefix(path, "/v1/permissions"):
		return "/v1/permissions/*"
	case strings.HasPrefix(path, "/v1/logs"):
		return "/v1/logs"
	default:
		return "other"
	}
}

// Handler returns the Prometheus scrape handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

func RecordPermissionDecision(decision string) {
	PermissionDecisions.WithLabelValues(decision).Inc()
}

func RecordEventDrop(sessionID string) {
	EventBufferDrops.WithLabelValues(sessionID).Inc()
}

func RecordRunDuration(status string, seconds float64) {
	RunDuration.WithLabelValues(status).Observe(seconds)
}

func SetPendingApprovals(count float64) {
	PendingApprovals.Set(count)
}
