package saga

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/sagaflow-go/saga/store"
)

// drainPollInterval is how often Stop re-checks the in-flight set while
// waiting for dispatched executions to finish.
const drainPollInterval = 500 * time.Millisecond

// Queue polls the store for due workflows and dispatches them to the
// executor under a bounded in-flight cap.
//
// The poll loop asks the store for up to (limit - inflight) executable
// workflows, dispatches each as a fire-and-forget goroutine, and sleeps the
// query backoff whether or not work was found. Dispatch is panic-safe:
// executor errors and plugin panics are trapped, logged, and counted; they
// never stop the loop.
//
// Multiple queues, in one process or across processes, may poll the same
// store. The store's atomic queued→pending admission guarantees no two
// queues ever take the same workflow; the queue itself keeps no shared
// state beyond its own in-flight set.
type Queue struct {
	store    store.Store
	executor *Executor
	opts     QueueOptions

	mu       sync.Mutex
	running  bool
	inflight map[uuid.UUID]struct{}
}

// NewQueue creates a workflow queue over the given store and executor.
func NewQueue(st store.Store, executor *Executor, opts QueueOptions) *Queue {
	return &Queue{
		store:    st,
		executor: executor,
		opts:     opts,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Start launches the poll loop. Starting an already running queue is a
// no-op. The loop runs until Stop is called or ctx is canceled.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.run(ctx)
}

// Stop ends the poll loop and waits until every dispatched execution has
// finished. Stopping a queue that is not running drains any remaining
// in-flight executions and returns.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()

	for q.InFlight() > 0 {
		time.Sleep(drainPollInterval)
	}
}

// InFlight returns the number of workflow executions currently dispatched
// and not yet finished.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *Queue) isRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// run is the poll loop body.
func (q *Queue) run(ctx context.Context) {
	backoff := q.opts.queryBackoff()
	limit := q.opts.limit()

	for q.isRunning() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			return
		default:
		}

		if capacity := limit - q.InFlight(); capacity > 0 {
			workflows, err := q.store.GetExecutableWorkflows(ctx, time.Now(), capacity)
			if err != nil {
				log.Printf("saga: queue poll failed: %v", err)
			}
			for _, workflow := range workflows {
				q.dispatch(ctx, workflow)
			}
		}

		time.Sleep(backoff)
	}
}

// dispatch launches one workflow execution. The goroutine is fire-and-
// forget: the loop's forward progress never depends on any single workflow
// finishing. The in-flight entry is removed on every exit path, including
// panics.
func (q *Queue) dispatch(ctx context.Context, workflow *store.Workflow) {
	q.mu.Lock()
	q.inflight[workflow.ID] = struct{}{}
	q.opts.Metrics.SetInflightWorkflows(len(q.inflight))
	q.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.opts.Metrics.IncDispatchFailures()
				log.Printf("saga: workflow %s execution panicked: %v", workflow.ID, r)
			}

			q.mu.Lock()
			delete(q.inflight, workflow.ID)
			q.opts.Metrics.SetInflightWorkflows(len(q.inflight))
			q.mu.Unlock()
		}()

		if err := q.executor.Execute(ctx, workflow); err != nil {
			q.opts.Metrics.IncDispatchFailures()
			log.Printf("saga: workflow %s execution failed: %v", workflow.ID, err)
		}
	}()
}
