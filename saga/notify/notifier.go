// Package notify provides the observer side-channel for saga execution.
package notify

import (
	"context"

	"github.com/dshills/sagaflow-go/saga/store"
)

// Notifier observes workflow execution. The executor brackets each workflow
// execution with BeginWorkflow/EndWorkflow and each activity invocation with
// BeginActivity/EndActivity.
//
// Hooks are best-effort: a notifier failure (including a panic) never
// affects the workflow outcome. The executor traps it, logs it, and still
// persists state and releases locks. EndActivity is invoked even when the
// activity invocation itself errors.
//
// Implementations should be:
//   - Fast or asynchronous: hooks run on the execution path
//   - Thread-safe: concurrent workflows invoke hooks concurrently
//
// The workflow and activity arguments are snapshots of current state; hooks
// must not mutate them.
type Notifier interface {
	// BeginWorkflow fires after the workflow lock is acquired, before the
	// state machine runs.
	BeginWorkflow(ctx context.Context, workflow *store.Workflow)

	// EndWorkflow fires after the state machine exits, before the lock is
	// released. The workflow carries its post-execution state.
	EndWorkflow(ctx context.Context, workflow *store.Workflow)

	// BeginActivity fires before an activity (forward or rollback)
	// invocation.
	BeginActivity(ctx context.Context, workflow *store.Workflow, activity *store.Activity)

	// EndActivity fires after the invocation, with the activity carrying
	// its recorded outcome state.
	EndActivity(ctx context.Context, workflow *store.Workflow, activity *store.Activity)
}

// Nop is a Notifier that ignores every hook. A nil Notifier is also
// accepted by the executor and skipped entirely; Nop exists for call sites
// that want a non-nil value.
type Nop struct{}

// NewNop creates a no-op notifier.
func NewNop() *Nop { return &Nop{} }

// BeginWorkflow implements Notifier.
func (*Nop) BeginWorkflow(context.Context, *store.Workflow) {}

// EndWorkflow implements Notifier.
func (*Nop) EndWorkflow(context.Context, *store.Workflow) {}

// BeginActivity implements Notifier.
func (*Nop) BeginActivity(context.Context, *store.Workflow, *store.Activity) {}

// EndActivity implements Notifier.
func (*Nop) EndActivity(context.Context, *store.Workflow, *store.Activity) {}
