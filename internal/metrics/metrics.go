// Package metrics exposes Prometheus instrumentation for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors on a private registry,
// keeping the default global registry out of the picture.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	ContextsWritten   prometheus.Counter
	WriteQueueDepth   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "commune_connections_active",
				Help: "Number of open agent connections.",
			},
		),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commune_frames_total",
				Help: "Total protocol frames handled by kind and status.",
			},
			[]string{"kind", "status"},
		),
		ContextsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "commune_contexts_written_total",
				Help: "Total context records written.",
			},
		),
		WriteQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "commune_write_queue_depth",
				Help: "Mutations waiting in the persistence gateway queue.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.ConnectionsActive)
	reg.MustRegister(m.FramesTotal)
	reg.MustRegister(m.ContextsWritten)
	reg.MustRegister(m.WriteQueueDepth)

	return m
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame increments the frame counter.
func (m *Metrics) RecordFrame(kind, status string) {
	m.FramesTotal.WithLabelValues(kind, status).Inc()
}
