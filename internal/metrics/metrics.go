// Package metrics exposes Prometheus collectors that report ingestion,
// fan-out and retention activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "argus"

// Ingest results
const (
	ResultCaptured = "captured"
	ResultInvalid  = "invalid"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Drop reasons
const (
	DropQueueFull = "queue_full"
	DropWriteFail = "write_failed"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	eventsIngested   *prometheus.CounterVec
	commitDuration   prometheus.Histogram
	deliveries       prometheus.Counter
	connections      prometheus.Gauge
	droppedConns     *prometheus.CounterVec
	lifecyclePushes  *prometheus.CounterVec
	retentionPurged  prometheus.Counter
	projectionErrors prometheus.Counter
}

// MustNewMetrics constructs and registers the collectors with reg. It
// panics on registration errors, so tests should pass a fresh registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Submitted events by outcome.",
			},
			[]string{"result"},
		),
		commitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "commit_duration_seconds",
				Help:      "Time spent committing an event to the store.",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		deliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "deliveries_total",
				Help:      "Event messages enqueued to subscribers.",
			},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "connections",
				Help:      "Currently registered WebSocket connections.",
			},
		),
		droppedConns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "dropped_connections_total",
				Help:      "Connections dropped by the server.",
			},
			[]string{"reason"},
		),
		lifecyclePushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "lifecycle_messages_total",
				Help:      "Lifecycle messages enqueued to subscribers by kind.",
			},
			[]string{"kind"},
		),
		retentionPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "purged_events_total",
				Help:      "Events deleted by the retention job.",
			},
		),
		projectionErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "projection",
				Name:      "flush_failures_total",
				Help:      "Failed writes of derived session and agent rows.",
			},
		),
	}

	reg.MustRegister(
		m.eventsIngested,
		m.commitDuration,
		m.deliveries,
		m.connections,
		m.droppedConns,
		m.lifecyclePushes,
		m.retentionPurged,
		m.projectionErrors,
	)
	return m
}

// IncIngested counts a submitted event by result.
func (m *Metrics) IncIngested(result string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(result).Inc()
}

// ObserveCommit records the duration of a store commit.
func (m *Metrics) ObserveCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(d.Seconds())
}

// AddDeliveries counts enqueued event messages.
func (m *Metrics) AddDeliveries(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.Add(float64(n))
}

// SetConnections sets the connection gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// IncDropped counts a dropped connection.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedConns.WithLabelValues(reason).Inc()
}

// AddLifecycle counts enqueued lifecycle messages of kind.
func (m *Metrics) AddLifecycle(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.lifecyclePushes.WithLabelValues(kind).Add(float64(n))
}

// AddPurged counts events removed by retention.
func (m *Metrics) AddPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionPurged.Add(float64(n))
}

// IncProjectionError counts a failed projection flush.
func (m *Metrics) IncProjectionError() {
	if m == nil {
		return
	}
	m.projectionErrors.Inc()
}
