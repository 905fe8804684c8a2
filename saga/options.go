package saga

import "time"

// DefaultRetryBackoff is how far into the future a workflow is rescheduled
// after a temporary failure.
const DefaultRetryBackoff = 10 * time.Second

// Options configures Executor behavior.
//
// Zero values are valid; the executor uses the package defaults.
type Options struct {
	// RetryBackoff is the delay applied when a temporary failure requeues
	// the workflow. If zero, DefaultRetryBackoff (10 s) is used.
	RetryBackoff time.Duration

	// Metrics receives execution metrics. Nil disables metric recording.
	Metrics *PrometheusMetrics
}

func (o Options) retryBackoff() time.Duration {
	if o.RetryBackoff > 0 {
		return o.RetryBackoff
	}
	return DefaultRetryBackoff
}

// QueueOptions configures the workflow queue's polling loop.
type QueueOptions struct {
	// Limit caps the number of workflows this queue executes concurrently.
	// If zero, DefaultQueueLimit is used.
	Limit int

	// QueryBackoff is the sleep between store polls, whether or not the
	// previous poll found work. If zero, DefaultQueryBackoff is used.
	QueryBackoff time.Duration

	// Metrics receives queue metrics. Nil disables metric recording.
	Metrics *PrometheusMetrics
}

// Queue polling defaults.
const (
	DefaultQueueLimit   = 10
	DefaultQueryBackoff = time.Second
)

func (o QueueOptions) limit() int {
	if o.Limit > 0 {
		return o.Limit
	}
	return DefaultQueueLimit
}

func (o QueueOptions) queryBackoff() time.Duration {
	if o.QueryBackoff > 0 {
		return o.QueryBackoff
	}
	return DefaultQueryBackoff
}

// GCOptions configures the lost-workflow collector.
type GCOptions struct {
	// Limit caps how many lost workflows one sweep rescues. If zero,
	// DefaultGCLimit is used.
	Limit int

	// Interval is the sleep between sweeps. If zero, DefaultGCInterval is
	// used.
	Interval time.Duration

	// Metrics receives GC metrics. Nil disables metric recording.
	Metrics *PrometheusMetrics
}

// GC sweep defaults. The liveness window itself is a store tunable
// (SAGA_WORKFLOW_GC_LOOKBACK_MS / SAGA_WORKFLOW_GC_CUTOFF_MS).
const (
	DefaultGCLimit    = 100
	DefaultGCInterval = 30 * time.Second
)

func (o GCOptions) limit() int {
	if o.Limit > 0 {
		return o.Limit
	}
	return DefaultGCLimit
}

func (o GCOptions) interval() time.Duration {
	if o.Interval > 0 {
		return o.Interval
	}
	return DefaultGCInterval
}
