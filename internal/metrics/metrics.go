// Package metrics provides Prometheus metrics for the flowhub server.
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
			Name: "flowhub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Flow sync metrics
	syncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhub_sync_passes_total",
			Help: "Total flow bundle synchronization passes",
		},
		[]string{"status"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowhub_sync_duration_seconds",
			Help:    "Flow bundle synchronization duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncEntriesCopied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowhub_sync_entries_copied_total",
			Help: "Total filesystem entries copied during synchronization",
		},
	)

	// Flow registry metrics
	flowsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowhub_flows_registered",
			Help: "Number of flows in the current registry snapshot",
		},
	)

	// Package lifecycle metrics
	packageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhub_package_operations_total",
			Help: "Total custom node package operations",
		},
		[]string{"operation", "status"},
	)

	packageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowhub_package_operation_duration_seconds",
			Help:    "Custom node package operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowhub_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhub_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSyncPass records a flow bundle synchronization pass.
func RecordSyncPass(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	syncPassesTotal.WithLabelValues(status).Inc()
	syncDuration.Observe(duration.Seconds())
}

// RecordSyncEntries records entries copied during a sync pass.
func RecordSyncEntries(count int) {
	syncEntriesCopied.Add(float64(count))
}

// SetFlowsRegistered sets the registry snapshot size.
func SetFlowsRegistered(count int) {
	flowsRegistered.Set(float64(count))
}

// RecordPackageOperation records a package lifecycle operation.
func RecordPackageOperation(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	packageOperationsTotal.WithLabelValues(operation, status).Inc()
	packageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
