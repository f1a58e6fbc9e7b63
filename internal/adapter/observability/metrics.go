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

	SSESessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_sessions_open",
			Help: "Number of SSE sessions currently open on this pod",
		},
	)
	SSEEventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_events_emitted_total",
			Help: "Total SSE events emitted to local sinks by event name",
		},
		[]string{"event"},
	)
	SSEEmitDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_emit_dropped_total",
			Help: "Total emits dropped because a sink buffer was full",
		},
	)

	OutboxDrainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_drained_total",
			Help: "Total outbox rows published and deleted",
		},
	)
	OutboxDrainFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_drain_failures_total",
			Help: "Total drain cycles rolled back on publish failure",
		},
	)

	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dispatched_total",
			Help: "Total bus events processed by the dispatcher",
		},
		[]string{"type", "outcome"},
	)
	MessagesDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_delivered_total",
			Help: "Total messages delivered to online recipients by this pod",
		},
	)
	MessagesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_failed_total",
			Help: "Total delivery rows marked FAILED after dead-lettering",
		},
	)
	PendingCachedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_pending_cached_total",
			Help: "Total delivery events cached for offline recipients",
		},
	)

	DLTRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlt_records_total",
			Help: "Total dead-letter records by operation (ingest, redrive, purge)",
		},
		[]string{"op"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SSESessionsOpen)
	prometheus.MustRegister(SSEEventsEmittedTotal)
	prometheus.MustRegister(SSEEmitDroppedTotal)
	prometheus.MustRegister(OutboxDrainedTotal)
	prometheus.MustRegister(OutboxDrainFailuresTotal)
	prometheus.MustRegister(EventsDispatchedTotal)
	prometheus.MustRegister(MessagesDeliveredTotal)
	prometheus.MustRegister(MessagesFailedTotal)
	prometheus.MustRegister(PendingCachedTotal)
	prometheus.MustRegister(DLTRecordsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
