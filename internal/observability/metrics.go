// File: internal/observability/metrics.go
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the driver's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	commands       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	activeSessions prometheus.Gauge
	abandoned      prometheus.Counter
}

// NewMetrics registers the driver collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched, by command type and result status.",
		}, []string{"command", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to response, including the load wait.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"command"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live automation sessions.",
		}),
		abandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_scripts_abandoned_total",
			Help:      "Asynchronous script workers left running after a script timeout.",
		}),
	}
}

// ObserveCommand records one completed command.
func (m *Metrics) ObserveCommand(command, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, status).Inc()
	m.latency.WithLabelValues(command).Observe(elapsed.Seconds())
}

// SessionStarted increments the live session gauge.
func (m *Metrics) SessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

// SessionEnded decrements the live session gauge.
func (m *Metrics) SessionEnded() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

// WorkerAbandoned counts an async script worker detached on timeout.
func (m *Metrics) WorkerAbandoned() {
	if m != nil {
		m.abandoned.Inc()
	}
}
