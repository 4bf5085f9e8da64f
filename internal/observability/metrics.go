package observability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Metrics collects routing metrics.
type Metrics interface {
	RecordRoute(ctx context.Context, labels RouteLabels, latency time.Duration, attempts int)
	RecordBreakerTransition(group, from, to string)
}

// RouteLabels contains metric dimensions.
type RouteLabels struct {
	Group   string `json:"group"`
	Echelon string `json:"echelon,omitempty"`
	Model   string `json:"model,omitempty"`
	Status  string `json:"status"`
}

// RouteSeries is the aggregate for one label set
type RouteSeries struct {
	Labels         RouteLabels `json:"labels"`
	Count          int64       `json:"count"`
	Attempts       int64       `json:"attempts"`
	TotalLatencyMs float64     `json:"totalLatencyMs"`
	MaxLatencyMs   float64     `json:"maxLatencyMs"`
	AvgLatencyMs   float64     `json:"avgLatencyMs"`
}

// MetricsSnapshot is a point-in-time copy of the collected metrics
type MetricsSnapshot struct {
	Routes             []RouteSeries    `json:"routes"`
	BreakerTransitions map[string]int64 `json:"breakerTransitions"`
	Since              time.Time        `json:"since"`
}

// InMemoryMetrics keeps counters in process memory
type InMemoryMetrics struct {
	mu          sync.Mutex
	routes      map[RouteLabels]*RouteSeries
	transitions map[string]int64
	since       time.Time
}

// NewInMemoryMetrics creates an empty collector
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		routes:      make(map[RouteLabels]*RouteSeries),
		transitions: make(map[string]int64),
		since:       time.Now().UTC(),
	}
}

// RecordRoute implements Metrics
func (m *InMemoryMetrics) RecordRoute(ctx context.Context, labels RouteLabels, latency time.Duration, attempts int) {
	ms := float64(latency) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.routes[labels]
	if !ok {
		s = &RouteSeries{Labels: labels}
		m.routes[labels] = s
	}
	s.Count++
	s.Attempts += int64(attempts)
	s.TotalLatencyMs += ms
	if ms > s.MaxLatencyMs {
		s.MaxLatencyMs = ms
	}
}

// RecordBreakerTransition implements Metrics
func (m *InMemoryMetrics) RecordBreakerTransition(group, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[group+":"+from+"->"+to]++
}

// Snapshot copies the current counters, routes sorted by label
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := MetricsSnapshot{
		Routes:             make([]RouteSeries, 0, len(m.routes)),
		BreakerTransitions: make(map[string]int64, len(m.transitions)),
		Since:              m.since,
	}
	for _, s := range m.routes {
		c := *s
		if c.Count > 0 {
			c.AvgLatencyMs = c.TotalLatencyMs / float64(c.Count)
		}
		out.Routes = append(out.Routes, c)
	}
	for k, v := range m.transitions {
		out.BreakerTransitions[k] = v
	}

	sort.Slice(out.Routes, func(i, j int) bool {
		a, b := out.Routes[i].Labels, out.Routes[j].Labels
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Echelon != b.Echelon {
			return a.Echelon < b.Echelon
		}
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		return a.Status < b.Status
	})
	return out
}

// NopMetrics discards everything
type NopMetrics struct{}

// RecordRoute implements Metrics
func (NopMetrics) RecordRoute(context.Context, RouteLabels, time.Duration, int) {}

// RecordBreakerTransition implements Metrics
func (NopMetrics) RecordBreakerTransition(string, string, string) {}
