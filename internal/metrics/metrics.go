package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgmcp"

// Metrics holds every collector the server exports, registered on a private
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	CacheRequests      *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	LookupDuration     *prometheus.HistogramVec
	QueryResults       *prometheus.CounterVec
	QueryDuration      prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live MCP sessions",
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by kind",
		}, []string{"event"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Resource cache lookups by result",
		}, []string{"result"}),
		CacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Resource cache invalidations by kind",
		}, []string{"kind"}),
		LookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_lookup_duration_seconds",
			Help:      "Duration of catalog metadata lookups",
			Buckets:   prometheus.DefBuckets,
		}, []string{"lookup"}),
		QueryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_results_total",
			Help:      "Sandboxed query tool calls by outcome",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Execution time of sandboxed queries",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code",
		}, []string{"method", "status"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Change notifications received from the database by kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionEvents,
		m.CacheRequests,
		m.CacheInvalidations,
		m.LookupDuration,
		m.QueryResults,
		m.QueryDuration,
		m.HTTPRequests,
		m.Notifications,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
