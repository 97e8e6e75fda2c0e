package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCollectorGaugesTrackLastValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetInflightTasks(4)
	c.SetQueueDepth(12)
	c.ObserveBridgeLag(250 * time.Millisecond)

	if got := gaugeValue(t, c.inflightTasks); got != 4 {
		t.Fatalf("inflightTasks = %v, want 4", got)
	}
	if got := gaugeValue(t, c.queueDepth); got != 12 {
		t.Fatalf("queueDepth = %v, want 12", got)
	}
	if got := gaugeValue(t, c.bridgeLag); got < 0.24 || got > 0.26 {
		t.Fatalf("bridgeLag = %v, want ~0.25", got)
	}
}

func TestCollectorCountersAccumulate(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.IncrementLockMiss("Agent")
	c.IncrementLockMiss("Agent")
	c.IncrementVersionConflict("Tool")
	c.IncrementBlueprintRejected("unresolved_ref")

	if got := counterValue(t, c.lockMissTotal.WithLabelValues("Agent")); got != 2 {
		t.Fatalf("lockMissTotal = %v, want 2", got)
	}
	if got := counterValue(t, c.versionConflictTotal.WithLabelValues("Tool")); got != 1 {
		t.Fatalf("versionConflictTotal = %v, want 1", got)
	}
	if got := counterValue(t, c.blueprintRejected.WithLabelValues("unresolved_ref")); got != 1 {
		t.Fatalf("blueprintRejected = %v, want 1", got)
	}
}

func TestCollectorRecordTaskLatencyDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordTaskLatency("Agent", "success", 42*time.Millisecond)
}
