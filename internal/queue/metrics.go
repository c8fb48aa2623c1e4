// Package queue provides Prometheus metrics collection for the
// outgoing-command queue.
package queue

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks queue performance and mirrors counters into
// Prometheus vectors labeled by adapter.
type Metrics struct {
	adapter string

	mu       sync.RWMutex
	enqueued int64
	dequeued int64
	acked    int64
	retried  int64
	dlq      int64
}

// NewMetrics creates a metrics collector scoped to one adapter.
func NewMetrics(adapter string) *Metrics {
	return &Metrics{adapter: adapter}
}

func (m *Metrics) RecordEnqueued() {
	m.mu.Lock()
	m.enqueued++
	m.mu.Unlock()
	commandsEnqueued.WithLabelValues(m.adapter).Inc()
}

func (m *Metrics) RecordDequeued() {
	m.mu.Lock()
	m.dequeued++
	m.mu.Unlock()
	commandsDequeued.WithLabelValues(m.adapter).Inc()
}

func (m *Metrics) RecordAcked() {
	m.mu.Lock()
	m.acked++
	m.mu.Unlock()
	commandsAcked.WithLabelValues(m.adapter).Inc()
}

func (m *Metrics) RecordRetried() {
	m.mu.Lock()
	m.retried++
	m.mu.Unlock()
	commandsRetried.WithLabelValues(m.adapter).Inc()
}

func (m *Metrics) RecordDLQ() {
	m.mu.Lock()
	m.dlq++
	m.mu.Unlock()
	commandsFailed.WithLabelValues(m.adapter).Inc()
}

func (m *Metrics) RecordBatch(size int) {
	batchSize.WithLabelValues(m.adapter).Set(float64(size))
}

func (m *Metrics) RecordWaitDuration(d time.Duration) {
	waitDuration.WithLabelValues(m.adapter).Observe(d.Seconds())
}

// UpdateGauges syncs the current depth gauges with live queue state.
func (m *Metrics) UpdateGauges(pending, inflight, failed int) {
	queueDepth.WithLabelValues(m.adapter, "pending").Set(float64(pending))
	queueDepth.WithLabelValues(m.adapter, "inflight").Set(float64(inflight))
	queueDepth.WithLabelValues(m.adapter, "failed").Set(float64(failed))
}

// Snapshot returns the in-process counters (independent of Prometheus
// scrape timing), useful for tests and the socketio admin surface.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"enqueued": m.enqueued,
		"dequeued": m.dequeued,
		"acked":    m.acked,
		"retried":  m.retried,
		"dlq":      m.dlq,
	}
}

// Collectors returns every Prometheus vector this package registers
// metrics against, for the fleet to attach to its own registry (queue
// metrics are package-level and shared across every adapter's *Queue,
// distinguished by the "adapter" label rather than per-instance
// collectors).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		commandsEnqueued,
		commandsDequeued,
		commandsAcked,
		commandsRetried,
		commandsFailed,
		queueDepth,
		batchSize,
		waitDuration,
	}
}

var (
	commandsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "adapter_queue_enqueued_total", Help: "Total number of outgoing commands enqueued"},
		[]string{"adapter"},
	)
	commandsDequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "adapter_queue_dequeued_total", Help: "Total number of outgoing commands dequeued"},
		[]string{"adapter"},
	)
	commandsAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "adapter_queue_acked_total", Help: "Total number of outgoing commands acknowledged"},
		[]string{"adapter"},
	)
	commandsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "adapter_queue_retried_total", Help: "Total number of outgoing command retry attempts"},
		[]string{"adapter"},
	)
	commandsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "adapter_queue_failed_total", Help: "Total number of outgoing commands that exhausted retries"},
		[]string{"adapter"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "adapter_queue_depth", Help: "Current depth of the outgoing-command queue"},
		[]string{"adapter", "state"},
	)
	batchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "adapter_queue_batch_size", Help: "Size of the most recent batch dequeue"},
		[]string{"adapter"},
	)
	waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adapter_queue_wait_duration_seconds",
			Help:    "Time an outgoing command spent waiting in queue",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"adapter"},
	)
)
