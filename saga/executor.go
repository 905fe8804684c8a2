package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dshills/sagaflow-go/saga/notify"
	"github.com/dshills/sagaflow-go/saga/store"
)

// Executor drives a single workflow from admission to a terminal state.
//
// Execute acquires the workflow's lock, then runs a convergence loop over
// the persisted workflow state: each iteration reads the current state,
// performs one phase (planning, forward execution, retry scheduling, or
// rollback), persists the transition, and re-dispatches. The loop exits on
// a terminal state or when the workflow is requeued for retry.
//
// All mutation happens under the lock; the lock is released on every exit
// path. Concurrent executors on the same store are safe: the lock row
// provides per-workflow mutual exclusion, and queue admission guarantees a
// workflow is handed to at most one executor at a time.
type Executor struct {
	store      store.Store
	workflows  *Registry[WorkflowPlugin]
	activities *ActivityExecutor
	notifier   notify.Notifier
	opts       Options
}

// NewExecutor creates a workflow executor.
//
// Parameters:
//   - st: persistence backend (required)
//   - workflows: workflow plugin registry (required)
//   - activities: activity plugin registry (required)
//   - notifier: execution observer (optional, may be nil)
//   - opts: execution configuration (RetryBackoff, Metrics)
func NewExecutor(st store.Store, workflows *Registry[WorkflowPlugin], activities *Registry[ActivityPlugin], notifier notify.Notifier, opts Options) *Executor {
	return &Executor{
		store:      st,
		workflows:  workflows,
		activities: NewActivityExecutor(st, activities),
		notifier:   notifier,
		opts:       opts,
	}
}

// Create inserts a new workflow via the store. The workflow starts queued
// when input.ExecuteAt is set, pending otherwise.
func (e *Executor) Create(ctx context.Context, input store.CreateWorkflowInput) (*store.Workflow, error) {
	return e.store.CreateWorkflow(ctx, input)
}

// Execute runs the workflow's state machine to a stopping point: a terminal
// state, a requeue for retry, or an error.
//
// The caller must own the workflow, normally the queue, whose admission
// already transitioned it queued→pending. Execute takes the strict lock
// (failing with ErrAlreadyLocked on contention rather than skipping) and
// releases it on every exit path, including errors.
func (e *Executor) Execute(ctx context.Context, workflow *store.Workflow) error {
	if err := e.store.LockWorkflow(ctx, workflow); err != nil {
		return err
	}
	defer func() {
		if err := e.store.UnlockWorkflow(ctx, workflow); err != nil {
			log.Printf("saga: failed to unlock workflow %s: %v", workflow.ID, err)
		}
	}()

	e.safeNotify(func() { e.notifier.BeginWorkflow(ctx, workflow) })
	defer e.safeNotify(func() { e.notifier.EndWorkflow(ctx, workflow) })

	for {
		switch workflow.State {
		case store.WorkflowQueued:
			// Admission transitions queued→pending before dispatch; seeing
			// queued here means the protocol was bypassed.
			return &UnexpectedStateError{WorkflowID: workflow.ID, State: string(workflow.State)}

		case store.WorkflowPending:
			if err := e.plan(ctx, workflow); err != nil {
				return err
			}

		case store.WorkflowRunning:
			if err := e.forward(ctx, workflow); err != nil {
				return err
			}

		case store.WorkflowRunningRetry:
			return e.scheduleRetry(ctx, workflow)

		case store.WorkflowRunningRollback:
			if err := e.rollback(ctx, workflow); err != nil {
				return err
			}

		default:
			// Terminal.
			return nil
		}
	}
}

// plan assigns the workflow's activity plan on first execution and
// transitions into running. On re-admission after a retry the plan already
// exists and only the running transition (which counts the attempt)
// happens.
func (e *Executor) plan(ctx context.Context, workflow *store.Workflow) error {
	if len(workflow.ActivityTypes) == 0 {
		key := NormalizeType(workflow.Type)
		plugin, ok := e.workflows.Lookup(key)
		if !ok {
			return &UnknownPluginError{PluginType: key, Workflow: true}
		}

		types, err := plugin.Plan(ctx, workflow)
		if err != nil {
			return fmt.Errorf("plan workflow %s: %w", workflow.ID, err)
		}
		if len(types) == 0 {
			// Nothing to execute: the workflow fails without running.
			return e.setState(ctx, workflow, store.WorkflowFailed)
		}

		workflow.ActivityTypes = types
		if err := e.store.UpdateWorkflow(ctx, workflow); err != nil {
			return fmt.Errorf("persist plan for workflow %s: %w", workflow.ID, err)
		}
	}

	return e.setState(ctx, workflow, store.WorkflowRunning)
}

// forward executes the plan in order. Activities that already reached a
// terminal state (from a previous attempt) are skipped by the activity
// executor's convergence loop, so a retry resumes where it left off.
func (e *Executor) forward(ctx context.Context, workflow *store.Workflow) error {
	for _, activityType := range workflow.ActivityTypes {
		activity, err := e.activities.Create(ctx, workflow, activityType)
		if err != nil {
			return err
		}

		if err := e.invoke(ctx, workflow, activity, e.activities.Execute, "execute"); err != nil {
			return err
		}

		switch activity.State {
		case store.ActivityFailedPermanent:
			return e.setState(ctx, workflow, store.WorkflowRunningRollback)
		case store.ActivityFailedTemporary:
			return e.setState(ctx, workflow, store.WorkflowRunningRetry)
		}
	}

	return e.setState(ctx, workflow, store.WorkflowSucceeded)
}

// rollback compensates previously applied effects in reverse plan order.
// Only activities that actually succeeded are compensated; each
// compensation runs under its own "rollback:" activity with its own
// deterministic ID, so a retried rollback also resumes where it left off.
func (e *Executor) rollback(ctx context.Context, workflow *store.Workflow) error {
	for i := len(workflow.ActivityTypes) - 1; i >= 0; i-- {
		activityType := workflow.ActivityTypes[i]

		forward, err := e.store.GetActivityByType(ctx, workflow, activityType)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &MissingActivityError{WorkflowID: workflow.ID, ActivityType: activityType}
			}
			return fmt.Errorf("get activity %q: %w", activityType, err)
		}
		if forward.State != store.ActivitySucceeded {
			continue
		}

		compensation, err := e.activities.Create(ctx, workflow, RollbackPrefix+activityType)
		if err != nil {
			return err
		}

		if err := e.invoke(ctx, workflow, compensation, e.activities.Rollback, "rollback"); err != nil {
			return err
		}

		switch compensation.State {
		case store.ActivityFailedPermanent:
			return e.setState(ctx, workflow, store.WorkflowFailedRollback)
		case store.ActivityFailedTemporary:
			return e.setState(ctx, workflow, store.WorkflowRunningRetry)
		}
	}

	// Every applied effect is compensated; the workflow as a whole failed.
	return e.setState(ctx, workflow, store.WorkflowFailed)
}

// scheduleRetry requeues the workflow with a backoff so the queue re-admits
// it later. The convergence loop exits after this transition.
func (e *Executor) scheduleRetry(ctx context.Context, workflow *store.Workflow) error {
	executeAt := time.Now().Add(e.opts.retryBackoff())
	workflow.ExecuteAt = &executeAt
	if err := e.store.UpdateWorkflow(ctx, workflow); err != nil {
		return fmt.Errorf("schedule retry for workflow %s: %w", workflow.ID, err)
	}
	if err := e.setState(ctx, workflow, store.WorkflowQueued); err != nil {
		return err
	}
	e.opts.Metrics.IncRetriesScheduled()
	return nil
}

// invoke runs one activity callback bracketed by the notifier hooks.
// EndActivity fires even when the invocation errors.
func (e *Executor) invoke(ctx context.Context, workflow *store.Workflow, activity *store.Activity, run func(context.Context, *store.Workflow, *store.Activity) error, kind string) (err error) {
	e.safeNotify(func() { e.notifier.BeginActivity(ctx, workflow, activity) })
	defer e.safeNotify(func() { e.notifier.EndActivity(ctx, workflow, activity) })

	start := time.Now()
	err = run(ctx, workflow, activity)
	e.opts.Metrics.RecordActivityDuration(NormalizeType(activity.Type), kind, string(activity.State), time.Since(start))
	return err
}

// setState persists a workflow state transition and records it.
func (e *Executor) setState(ctx context.Context, workflow *store.Workflow, state store.WorkflowState) error {
	if err := e.store.SetWorkflowState(ctx, workflow, state); err != nil {
		return fmt.Errorf("set workflow %s state %s: %w", workflow.ID, state, err)
	}
	e.opts.Metrics.RecordTransition(string(state))
	return nil
}

// safeNotify invokes a notifier hook behind a panic boundary. Hook failures
// are logged and never affect the workflow outcome.
func (e *Executor) safeNotify(hook func()) {
	if e.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("saga: notifier hook panicked: %v", r)
		}
	}()
	hook()
}
