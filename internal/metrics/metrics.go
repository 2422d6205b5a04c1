// Package metrics provides Prometheus metrics for the xytext server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xytext_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xytext_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Realtime session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xytext_sessions_active",
			Help: "Number of live realtime sessions",
		},
	)

	sessionsOpenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xytext_sessions_opened_total",
			Help: "Total realtime sessions opened",
		},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xytext_broadcasts_total",
			Help: "Total broadcast messages fanned out, by message type",
		},
		[]string{"type"},
	)

	inboundFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xytext_inbound_frames_total",
			Help: "Total inbound realtime frames, by message type",
		},
		[]string{"type"},
	)

	inboundFrameErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xytext_inbound_frame_errors_total",
			Help: "Total inbound frames rejected by schema validation",
		},
	)

	// Node store metrics
	nodeMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xytext_node_mutations_total",
			Help: "Total structural node mutations, by operation",
		},
		[]string{"operation"},
	)

	textSavesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xytext_text_saves_total",
			Help: "Total text buffer saves",
		},
	)

	textBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xytext_text_bytes_saved_total",
			Help: "Total bytes written through text saves",
		},
	)

	// Workspace actor metrics
	workspacesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xytext_workspaces_active",
			Help: "Number of resident workspace actors",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xytext_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetSessionsActive sets the live session gauge.
func SetSessionsActive(count int) {
	sessionsActive.Set(float64(count))
}

// RecordSessionOpened counts a new realtime session.
func RecordSessionOpened() {
	sessionsOpenedTotal.Inc()
}

// RecordBroadcast counts one fan-out by message type.
func RecordBroadcast(msgType string) {
	broadcastsTotal.WithLabelValues(msgType).Inc()
}

// RecordInboundFrame counts a validated inbound frame.
func RecordInboundFrame(msgType string) {
	inboundFramesTotal.WithLabelValues(msgType).Inc()
}

// RecordInboundFrameError counts a frame rejected before dispatch.
func RecordInboundFrameError() {
	inboundFrameErrorsTotal.Inc()
}

// RecordNodeMutation counts a structural mutation (create, move, delete...).
func RecordNodeMutation(operation string) {
	nodeMutationsTotal.WithLabelValues(operation).Inc()
}

// RecordTextSave counts one buffer save of the given size.
func RecordTextSave(bytes int) {
	textSavesTotal.Inc()
	textBytesSaved.Add(float64(bytes))
}

// SetWorkspacesActive sets the resident workspace actor gauge.
func SetWorkspacesActive(count int) {
	workspacesActive.Set(float64(count))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. The route
// label is the top-level route class rather than the raw URL to keep
// cardinality bounded.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
