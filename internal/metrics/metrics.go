// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmgate"

// Metrics groups the collectors on a private registry so tests and multiple
// servers in one process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	streamChunks     *prometheus.CounterVec
	droppedFragments *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Gateway requests by route, provider and response status.",
		}, []string{"route", "provider", "status"}),
		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Time until the upstream response headers arrived.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "model", "status"}),
		streamChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Re-framed chunks written to streaming clients.",
		}, []string{"provider"}),
		droppedFragments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_fragments_total",
			Help:      "Upstream stream fragments that could not be decoded and were dropped.",
		}, []string{"provider"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Model fallbacks triggered by quota errors.",
		}, []string{"provider", "from", "to"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// All recorders are safe on a nil *Metrics.

func (m *Metrics) ObserveRequest(route, provider string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, provider, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveUpstream(provider, model string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(provider, model, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) StreamChunk(provider string) {
	if m == nil {
		return
	}
	m.streamChunks.WithLabelValues(provider).Inc()
}

func (m *Metrics) DroppedFragment(provider string) {
	if m == nil {
		return
	}
	m.droppedFragments.WithLabelValues(provider).Inc()
}

func (m *Metrics) Fallback(provider, from, to string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(provider, from, to).Inc()
}
