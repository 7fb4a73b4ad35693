// Package metrics provides Prometheus metrics for the quire index.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quire_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Discovery metrics
	scanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quire_scan_duration_seconds",
			Help:    "Folder scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	notesIndexed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quire_notes_indexed",
			Help: "Number of notes currently in the index",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_cache_lookups_total",
			Help: "Metadata cache lookups by result",
		},
		[]string{"result"},
	)

	// Watcher metrics
	watcherDrainsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quire_watcher_drains_total",
			Help: "Debounced watcher drains delivered",
		},
	)

	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_watcher_events_total",
			Help: "Classified change events by kind",
		},
		[]string{"kind"},
	)

	// Reconciler metrics
	reconcileDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_reconcile_decisions_total",
			Help: "Reconciler decisions by reason",
		},
		[]string{"reason"},
	)

	// Save metrics
	savesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_saves_total",
			Help: "Atomic saves by outcome",
		},
		[]string{"status"},
	)

	saveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quire_save_duration_seconds",
			Help:    "Atomic save duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	blockedNotes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quire_blocked_notes",
			Help: "Notes whose save pipeline is blocked on a failure",
		},
	)

	// SSE metrics
	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_sse_events_total",
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
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordScan records a folder scan. cancelled scans are recorded separately.
func RecordScan(duration time.Duration, cancelled bool) {
	result := "complete"
	if cancelled {
		result = "cancelled"
	}
	scanDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// SetNotesIndexed sets the current index size.
func SetNotesIndexed(n int) {
	notesIndexed.Set(float64(n))
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordWatcherDrain records one debounced drain and the kinds it carried.
func RecordWatcherDrain(kinds []string) {
	watcherDrainsTotal.Inc()
	for _, k := range kinds {
		watcherEventsTotal.WithLabelValues(k).Inc()
	}
}

// RecordReconcile records a reconciler decision.
func RecordReconcile(reason string) {
	reconcileDecisionsTotal.WithLabelValues(reason).Inc()
}

// RecordSave records an atomic save attempt.
func RecordSave(duration time.Duration, success bool) {
	saveDuration.Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	savesTotal.WithLabelValues(status).Inc()
}

// SetBlockedNotes sets the number of blocked notes.
func SetBlockedNotes(n int) {
	blockedNotes.Set(float64(n))
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by chi route pattern so note
// paths never become label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
