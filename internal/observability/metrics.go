package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts requests by route/method/status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration measures request latency by route/method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// QueueItemsEnqueuedTotal counts admitted segmentation items.
	QueueItemsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "segmentation_queue_enqueued_total",
			Help: "Total number of segmentation queue items admitted",
		},
	)
	// QueueItemsProcessing gauges in-flight inference runs.
	QueueItemsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "segmentation_queue_processing",
			Help: "Number of queue items currently processing",
		},
	)
	// QueueItemsFinishedTotal counts terminal queue transitions by outcome.
	QueueItemsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segmentation_queue_finished_total",
			Help: "Total number of queue items reaching a terminal status",
		},
		[]string{"status"},
	)
	// InferenceDuration measures end-to-end ML service run time.
	InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "ML inference duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// ExportJobsTotal counts export jobs by terminal status.
	ExportJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_total",
			Help: "Total number of export jobs by terminal status",
		},
		[]string{"status"},
	)
	// ExportPhaseDuration measures time spent per export phase.
	ExportPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "export_phase_duration_seconds",
			Help:    "Export phase duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"phase"},
	)

	// BusEventsTotal counts events published per event name.
	BusEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total number of realtime events published",
		},
		[]string{"event"},
	)
	// BusDroppedTotal counts events dropped for slow consumers.
	BusDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_events_dropped_total",
			Help: "Total number of events dropped due to slow consumers",
		},
	)
	// BusSessions gauges connected realtime sessions.
	BusSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_sessions",
			Help: "Number of connected realtime sessions",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			QueueItemsEnqueuedTotal,
			QueueItemsProcessing,
			QueueItemsFinishedTotal,
			InferenceDuration,
			ExportJobsTotal,
			ExportPhaseDuration,
			BusEventsTotal,
			BusDroppedTotal,
			BusSessions,
		)
	})
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
