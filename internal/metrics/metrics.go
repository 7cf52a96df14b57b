// Package metrics exposes prometheus instruments for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claude_proxy_requests_total",
			Help: "Completed dispatches by provider and status code.",
		}, []string{"provider", "code"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claude_proxy_upstream_duration_seconds",
			Help:    "Wall time of upstream streaming calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
	}

	registry.MustRegister(m.RequestsTotal, m.UpstreamDuration)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records one finished dispatch.
func (m *Metrics) ObserveDispatch(provider string, code int, started time.Time) {
	m.RequestsTotal.WithLabelValues(provider, strconv.Itoa(code)).Inc()
	m.UpstreamDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}
