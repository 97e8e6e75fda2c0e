// Package metrics provides Prometheus-compatible instrumentation for the
// engine: in-flight task counts, queue depth, lock contention, version
// conflicts, and bridge lag, namespaced "taskflow_".
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the engine records. All methods are no-ops
// (beyond the atomic update itself) when enabled is false, which it never
// is once constructed via NewCollector — the field exists to mirror the
// teacher's PrometheusMetrics shape and give a single place to wire a future
// on/off switch without touching call sites.
type Collector struct {
	inflightTasks prometheus.Gauge
	queueDepth    prometheus.Gauge
	bridgeLag     prometheus.Gauge

	taskLatency *prometheus.HistogramVec

	lockMissTotal        *prometheus.CounterVec
	versionConflictTotal *prometheus.CounterVec
	blueprintRejected    *prometheus.CounterVec

	enabled bool
}

// NewCollector registers every metric with registry (use
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation).
func NewCollector(registry prometheus.Registerer) *Collector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Collector{
		enabled: true,
		inflightTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "inflight_tasks",
			Help:      "Current number of tasks being processed concurrently by dispatcher workers",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "queue_depth",
			Help:      "Approximate number of dispatch messages waiting in the broker queue",
		}),
		bridgeLag: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "bridge_lag_seconds",
			Help:      "Seconds between a task row committing and the bridge observing its change event",
		}),
		taskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Name:      "task_processing_latency_ms",
			Help:      "Duration of one Process(ctx, taskID) call in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"assignee_kind", "status"}),
		lockMissTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "lock_miss_total",
			Help:      "Count of GetTaskAndLock calls that found the row already locked by another worker",
		}, []string{"assignee_kind"}),
		versionConflictTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "version_conflict_total",
			Help:      "Count of UpdateTask/UpdateTaskContext calls rejected by the optimistic-concurrency CAS check",
		}, []string{"assignee_kind"}),
		blueprintRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "blueprint_rejected_total",
			Help:      "Count of ApplyBlueprint calls rejected for an unresolved reference, a cycle, or a CAS failure",
		}, []string{"reason"}),
	}
}

func (c *Collector) RecordTaskLatency(assigneeKind, status string, d time.Duration) {
	if !c.enabled {
		return
	}
	c.taskLatency.WithLabelValues(assigneeKind, status).Observe(float64(d.Milliseconds()))
}

func (c *Collector) IncrementLockMiss(assigneeKind string) {
	if !c.enabled {
		return
	}
	c.lockMissTotal.WithLabelValues(assigneeKind).Inc()
}

func (c *Collector) IncrementVersionConflict(assigneeKind string) {
	if !c.enabled {
		return
	}
	c.versionConflictTotal.WithLabelValues(assigneeKind).Inc()
}

func (c *Collector) IncrementBlueprintRejected(reason string) {
	if !c.enabled {
		return
	}
	c.blueprintRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) SetInflightTasks(n int) {
	if !c.enabled {
		return
	}
	c.inflightTasks.Set(float64(n))
}

func (c *Collector) SetQueueDepth(n int) {
	if !c.enabled {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) ObserveBridgeLag(d time.Duration) {
	if !c.enabled {
		return
	}
	c.bridgeLag.Set(d.Seconds())
}
