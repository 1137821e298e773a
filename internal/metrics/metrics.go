// Package metrics defines the Prometheus collectors exported by the broker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Event flow
	EventsPublished   *prometheus.CounterVec
	EventsSent        *prometheus.CounterVec
	EventsSendFailure *prometheus.CounterVec
	EventsRetried     *prometheus.CounterVec
	EventsParked      *prometheus.CounterVec

	// Reconciliation
	ActiveConsumers   prometheus.Gauge
	AcquiredLock      *prometheus.GaugeVec
	ReconcileDuration prometheus.Histogram
	ReconcileErrors   prometheus.Counter

	// HTTP API
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics with registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_events_published_total",
				Help: "Count of events accepted for publishing.",
			},
			[]string{"event_type"},
		),
		EventsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_events_sent_total",
				Help: "Count of events that have been sent to subscribers.",
			},
			[]string{"event_type", "subscription_name"},
		),
		EventsSendFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_events_sent_failures",
				Help: "Count of events that haven't been sent successfully.",
			},
			[]string{"event_type", "subscription_name"},
		),
		EventsRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_events_retried_total",
				Help: "Count of events scheduled on a retry rung.",
			},
			[]string{"subscription_name", "attempt"},
		),
		EventsParked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_events_parked_total",
				Help: "Count of events moved to a failed queue after exhausting retries.",
			},
			[]string{"subscription_name"},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fanout_active_consumers",
				Help: "Number of subscription consumers currently running.",
			},
		),
		AcquiredLock: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fanout_acquired_lock",
				Help: "1 while this process holds the named lock.",
			},
			[]string{"lock_name"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fanout_reconcile_duration_seconds",
				Help:    "Duration of reconciliation passes.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ReconcileErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fanout_reconcile_errors_total",
				Help: "Count of reconciliation passes that ended with an error.",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fanout_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.EventsPublished,
		m.EventsSent,
		m.EventsSendFailure,
		m.EventsRetried,
		m.EventsParked,
		m.ActiveConsumers,
		m.AcquiredLock,
		m.ReconcileDuration,
		m.ReconcileErrors,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Discard returns metrics registered with a private registry. Useful in tests
// and for components that run without an exporter.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and durations. route names the matched
// route template so label cardinality stays bounded.
func Middleware(m *Metrics, route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			name := route(r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(rw.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		})
	}
}
