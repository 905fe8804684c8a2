package saga

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetricsRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(registry)

	pm.SetInflightWorkflows(3)
	pm.RecordTransition("running")
	pm.RecordTransition("running")
	pm.RecordTransition("succeeded")
	pm.RecordActivityDuration("reserve", "execute", "succeeded", 42*time.Millisecond)
	pm.IncRetriesScheduled()
	pm.IncDispatchFailures()
	pm.IncGCRescued()

	if got := testutil.ToFloat64(pm.inflightWorkflows); got != 3 {
		t.Errorf("inflight gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(pm.transitions.WithLabelValues("running")); got != 2 {
		t.Errorf("running transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(pm.transitions.WithLabelValues("succeeded")); got != 1 {
		t.Errorf("succeeded transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.retriesScheduled); got != 1 {
		t.Errorf("retries counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.dispatchFailures); got != 1 {
		t.Errorf("dispatch failures counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.gcRescued); got != 1 {
		t.Errorf("gc rescued counter = %v, want 1", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 6 {
		t.Errorf("registered %d metric families, want 6", len(families))
	}
}

func TestPrometheusMetricsNilReceiver(t *testing.T) {
	var pm *PrometheusMetrics

	// All recording methods must be safe no-ops on nil.
	pm.SetInflightWorkflows(1)
	pm.RecordTransition("running")
	pm.RecordActivityDuration("reserve", "execute", "succeeded", time.Millisecond)
	pm.IncRetriesScheduled()
	pm.IncDispatchFailures()
	pm.IncGCRescued()
}
