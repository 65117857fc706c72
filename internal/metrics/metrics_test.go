package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.IncIngested(ResultCaptured)
	m.IncIngested(ResultCaptured)
	m.IncIngested(ResultInvalid)
	m.ObserveCommit(2 * time.Millisecond)
	m.AddDeliveries(3)
	m.SetConnections(2)
	m.IncDropped(DropQueueFull)
	m.AddPurged(5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsIngested.WithLabelValues(ResultCaptured)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsIngested.WithLabelValues(ResultInvalid)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.deliveries))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedConns.WithLabelValues(DropQueueFull)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.retentionPurged))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commitDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncIngested(ResultCaptured)
		m.ObserveCommit(time.Millisecond)
		m.AddDeliveries(1)
		m.SetConnections(1)
		m.IncDropped(DropWriteFail)
		m.AddLifecycle("agent_started", 1)
		m.AddPurged(1)
		m.IncProjectionError()
	})
}
