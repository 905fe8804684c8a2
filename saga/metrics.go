package saga

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for saga
// execution monitoring in production deployments.
//
// Metrics exposed (all namespaced "saga_"):
//
//  1. inflight_workflows (gauge): workflows currently being executed by
//     this process's queue. Use: monitor concurrency against the queue cap.
//
//  2. workflow_transitions_total (counter, labels: state): workflow state
//     transitions recorded by the executor. Use: terminal-outcome rates,
//     retry pressure.
//
//  3. activity_duration_ms (histogram, labels: activity, kind, outcome):
//     plugin callback duration from dispatch to recorded outcome. kind is
//     "execute" or "rollback". Use: per-activity latency percentiles.
//
//  4. retries_scheduled_total (counter): workflows requeued with a retry
//     backoff. Use: identify flaky activities.
//
//  5. queue_dispatch_failures_total (counter): executor errors and panics
//     trapped by the queue. Use: alert on programmer errors (unknown
//     plugins, store corruption).
//
//  6. gc_rescued_total (counter): lost workflows requeued by the GC.
//     Use: detect crashing or wedged executors.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := saga.NewPrometheusMetrics(registry)
//	executor := saga.NewExecutor(st, workflows, activities, nil, saga.Options{Metrics: metrics})
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is valid everywhere one is accepted; recording
// methods are no-ops on a nil receiver.
type PrometheusMetrics struct {
	inflightWorkflows prometheus.Gauge
	transitions       *prometheus.CounterVec
	activityDuration  *prometheus.HistogramVec
	retriesScheduled  prometheus.Counter
	dispatchFailures  prometheus.Counter
	gcRescued         prometheus.Counter
}

// NewPrometheusMetrics creates and registers all saga execution metrics
// with the provided registry. Pass prometheus.DefaultRegisterer to use the
// global registry, or a dedicated registry for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflightWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "saga",
			Name:      "inflight_workflows",
			Help:      "Workflows currently being executed by this process's queue",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "workflow_transitions_total",
			Help:      "Workflow state transitions recorded by the executor",
		}, []string{"state"}),
		activityDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "saga",
			Name:      "activity_duration_ms",
			Help:      "Activity callback duration in milliseconds from dispatch to recorded outcome",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"activity", "kind", "outcome"}),
		retriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "retries_scheduled_total",
			Help:      "Workflows requeued with a retry backoff after a temporary failure",
		}),
		dispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "queue_dispatch_failures_total",
			Help:      "Executor errors and panics trapped by the queue dispatch boundary",
		}),
		gcRescued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "gc_rescued_total",
			Help:      "Lost workflows requeued by the garbage collector",
		}),
	}
}

// SetInflightWorkflows sets the in-flight gauge to the queue's current count.
func (pm *PrometheusMetrics) SetInflightWorkflows(count int) {
	if pm == nil {
		return
	}
	pm.inflightWorkflows.Set(float64(count))
}

// RecordTransition counts a workflow state transition.
func (pm *PrometheusMetrics) RecordTransition(state string) {
	if pm == nil {
		return
	}
	pm.transitions.WithLabelValues(state).Inc()
}

// RecordActivityDuration records one activity callback invocation. kind is
// "execute" or "rollback"; outcome is the resulting activity state.
func (pm *PrometheusMetrics) RecordActivityDuration(activity, kind, outcome string, d time.Duration) {
	if pm == nil {
		return
	}
	pm.activityDuration.WithLabelValues(activity, kind, outcome).Observe(float64(d.Milliseconds()))
}

// IncRetriesScheduled counts a workflow requeued for retry.
func (pm *PrometheusMetrics) IncRetriesScheduled() {
	if pm == nil {
		return
	}
	pm.retriesScheduled.Inc()
}

// IncDispatchFailures counts an error or panic trapped by the queue.
func (pm *PrometheusMetrics) IncDispatchFailures() {
	if pm == nil {
		return
	}
	pm.dispatchFailures.Inc()
}

// IncGCRescued counts a lost workflow requeued by the GC.
func (pm *PrometheusMetrics) IncGCRescued() {
	if pm == nil {
		return
	}
	pm.gcRescued.Inc()
}
