package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "llm_echelon"

// PrometheusMetrics exports routing metrics to a Prometheus registry
type PrometheusMetrics struct {
	registry    *prometheus.Registry
	routes      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	attempts    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
}

// NewPrometheusMetrics registers the routing collectors, plus the Go and
// process collectors, on a fresh registry
func NewPrometheusMetrics() (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		routes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "route_requests_total",
				Help:      "Total number of routed requests by outcome",
			},
			[]string{"group", "echelon", "model", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "route_latency_seconds",
				Help:      "End-to-end latency of routed requests including failover",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"group", "status"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "route_attempts",
				Help:      "Backend calls made per routed request",
				Buckets:   []float64{1, 2, 3, 5, 8, 13},
			},
			[]string{"group"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state changes per task group",
			},
			[]string{"group", "from", "to"},
		),
	}

	for name, c := range map[string]prometheus.Collector{
		"route_requests_total":      m.routes,
		"route_latency_seconds":     m.latency,
		"route_attempts":            m.attempts,
		"breaker_transitions_total": m.transitions,
		"go":                        collectors.NewGoCollector(),
		"process":                   collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s collector: %w", name, err)
		}
	}
	return m, nil
}

// RecordRoute implements Metrics
func (m *PrometheusMetrics) RecordRoute(_ context.Context, labels RouteLabels, latency time.Duration, attempts int) {
	m.routes.WithLabelValues(labels.Group, labels.Echelon, labels.Model, labels.Status).Inc()
	m.latency.WithLabelValues(labels.Group, labels.Status).Observe(latency.Seconds())
	m.attempts.WithLabelValues(labels.Group).Observe(float64(attempts))
}

// RecordBreakerTransition implements Metrics
func (m *PrometheusMetrics) RecordBreakerTransition(group, from, to string) {
	m.transitions.WithLabelValues(group, from, to).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and custom exporters
func (m *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Fanout sends every observation to all of its sinks
type Fanout []Metrics

// RecordRoute implements Metrics
func (f Fanout) RecordRoute(ctx context.Context, labels RouteLabels, latency time.Duration, attempts int) {
	for _, m := range f {
		m.RecordRoute(ctx, labels, latency, attempts)
	}
}

// RecordBreakerTransition implements Metrics
func (f Fanout) RecordBreakerTransition(group, from, to string) {
	for _, m := range f {
		m.RecordBreakerTransition(group, from, to)
	}
}
