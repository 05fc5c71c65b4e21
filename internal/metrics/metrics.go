// Package metrics exposes Prometheus collectors for the HTTP layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "holonote_http_requests_total",
			Help: "HTTP requests by method, route group, and status code.",
		}, []string{"method", "group", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "holonote_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route group.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "group"}),
	}

	registry.MustRegister(m.RequestsTotal, m.RequestDuration)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
