// Package metrics exposes Prometheus counters and histograms for the front
// door and the fetch engine, registered against a private registry so tests
// can construct independent Metrics values without colliding on the default
// global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the server and fetch engine record
// against.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	FetchResult    *prometheus.CounterVec
}

// New constructs a Metrics value with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgcache_http_requests_total",
			Help: "Total number of HTTP requests handled by the front door, by route and status.",
		}, []string{"route", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pkgcache_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		FetchResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgcache_fetch_result_total",
			Help: "Total number of fetch engine outcomes, by result (hit, fetched, unavailable).",
		}, []string{"result"}),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.FetchResult)

	return m
}

// Handler returns an http.Handler serving this Metrics value's registry in
// the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
