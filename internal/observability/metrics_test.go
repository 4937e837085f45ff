package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.ObserveCommand("findElement", "success", 20*time.Millisecond)
	m.ObserveCommand("findElement", "no such element", 500*time.Millisecond)
	m.ObserveCommand("findElement", "success", time.Millisecond)
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()
	m.WorkerAbandoned()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("findElement", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("findElement", "no such element")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.abandoned))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCommand("get", "success", time.Second)
		m.SessionStarted()
		m.SessionEnded()
		m.WorkerAbandoned()
	})
}
