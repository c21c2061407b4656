// Package metrics exposes request and search instrumentation on a dedicated
// Prometheus registry so tests can assert against it in isolation.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
	searches      *prometheus.CounterVec
	searchMatches prometheus.Histogram
	writes        *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordstore_http_requests_total",
			Help: "HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordstore_http_request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordstore_searches_total",
			Help: "Search executions by record type and outcome.",
		}, []string{"type", "outcome"}),
		searchMatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recordstore_search_matches",
			Help:    "Match counts per search.",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100, 500},
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordstore_record_writes_total",
			Help: "Record writes by type and operation.",
		}, []string{"type", "op"}),
	}
	reg.MustRegister(m.requests, m.requestTime, m.searches, m.searchMatches, m.writes)
	return m
}

// ObserveSearch records one search execution.
func (m *Metrics) ObserveSearch(recordType, outcome string, matches int) {
	m.searches.WithLabelValues(recordType, outcome).Inc()
	m.searchMatches.Observe(float64(matches))
}

// ObserveWrite records one create, update, or delete.
func (m *Metrics) ObserveWrite(recordType, op string) {
	m.writes.WithLabelValues(recordType, op).Inc()
}

// Middleware instruments every request by resolved route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requests.WithLabelValues(
				c.Request().Method, route, strconv.Itoa(c.Response().Status),
			).Inc()
			m.requestTime.WithLabelValues(c.Request().Method, route).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
