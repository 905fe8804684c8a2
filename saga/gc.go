package saga

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dshills/sagaflow-go/saga/store"
)

// GC rescues lost workflows: in-flight workflows whose state stopped
// advancing inside the store's liveness window, typically because the
// process executing them crashed between admission and a terminal state.
//
// Each sweep fetches a batch of lost workflows and requeues every one for
// immediate pickup (executeAt = now, state = queued). Rescues within a
// batch run concurrently; each is an independent, idempotent operation on a
// single workflow, so two GCs sweeping the same store at worst requeue a
// workflow twice, which is harmless since queue admission is atomic.
type GC struct {
	store store.Store
	opts  GCOptions

	mu      sync.Mutex
	running bool
}

// NewGC creates a lost-workflow collector over the given store.
func NewGC(st store.Store, opts GCOptions) *GC {
	return &GC{store: st, opts: opts}
}

// Start launches the sweep loop. Starting an already running GC is a no-op.
func (g *GC) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.mu.Unlock()

	go g.run(ctx)
}

// Stop ends the sweep loop. In-flight rescues complete naturally; there is
// nothing to drain since each rescue is a single idempotent store write.
func (g *GC) Stop() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

func (g *GC) isRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// run is the sweep loop body.
func (g *GC) run(ctx context.Context) {
	interval := g.opts.interval()

	for g.isRunning() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.running = false
			g.mu.Unlock()
			return
		default:
		}

		g.Collect(ctx)
		time.Sleep(interval)
	}
}

// Collect performs one sweep: fetch up to the configured limit of lost
// workflows and requeue them concurrently. Exposed so deployments can drive
// sweeps from their own scheduler instead of Start's loop.
func (g *GC) Collect(ctx context.Context) {
	workflows, err := g.store.GetLostWorkflows(ctx, g.opts.limit())
	if err != nil {
		log.Printf("saga: gc sweep failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, workflow := range workflows {
		wg.Add(1)
		go func(workflow *store.Workflow) {
			defer wg.Done()
			g.rescue(ctx, workflow)
		}(workflow)
	}
	wg.Wait()
}

// rescue requeues one lost workflow for immediate pickup.
func (g *GC) rescue(ctx context.Context, workflow *store.Workflow) {
	now := time.Now()
	workflow.ExecuteAt = &now
	if err := g.store.UpdateWorkflow(ctx, workflow); err != nil {
		log.Printf("saga: gc failed to reschedule workflow %s: %v", workflow.ID, err)
		return
	}
	if err := g.store.SetWorkflowState(ctx, workflow, store.WorkflowQueued); err != nil {
		log.Printf("saga: gc failed to requeue workflow %s: %v", workflow.ID, err)
		return
	}
	g.opts.Metrics.IncGCRescued()
}
