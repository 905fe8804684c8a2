package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/sagaflow-go/saga/store"
)

// ActivityNamespace is the fixed UUIDv5 namespace under which activity IDs
// are derived. It is part of the external ABI: changing it would break
// idempotent activity creation for every workflow already in a store.
var ActivityNamespace = uuid.MustParse("5df6a4fe-1fe4-47b8-bf32-3bf599650a9f")

// ActivityID computes the deterministic ID for an activity: UUIDv5 of
// "<workflowID>:<activityType>" under ActivityNamespace. The same inputs
// yield the same ID across runs and processes, which is what makes activity
// creation idempotent under retries.
func ActivityID(workflowID uuid.UUID, activityType string) uuid.UUID {
	return uuid.NewSHA1(ActivityNamespace, []byte(workflowID.String()+":"+activityType))
}

// ActivityExecutor drives a single activity through its sub-state-machine:
// idempotent creation, plugin invocation, and outcome classification.
//
// Outcomes are recorded on the activity itself; the workflow executor
// inspects the resulting activity state to decide between continuing,
// retrying, and rolling back.
type ActivityExecutor struct {
	store   store.Store
	plugins *Registry[ActivityPlugin]
}

// NewActivityExecutor creates an activity executor over the given store and
// activity plugin registry.
func NewActivityExecutor(st store.Store, plugins *Registry[ActivityPlugin]) *ActivityExecutor {
	return &ActivityExecutor{store: st, plugins: plugins}
}

// Create returns the workflow's activity of the given type, inserting it
// with its deterministic ID if it does not exist yet. Safe to call
// repeatedly with the same inputs: a retry observes the prior row.
func (e *ActivityExecutor) Create(ctx context.Context, workflow *store.Workflow, activityType string) (*store.Activity, error) {
	activity, err := e.store.GetActivityByType(ctx, workflow, activityType)
	if err == nil {
		return activity, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get activity %q: %w", activityType, err)
	}

	id := ActivityID(workflow.ID, activityType)
	activity, err = e.store.CreateActivity(ctx, workflow, id, activityType)
	if err != nil {
		return nil, fmt.Errorf("create activity %q: %w", activityType, err)
	}
	return activity, nil
}

// Execute drives the activity's forward callback to a terminal or
// temporary-failure state. See converge for the state machine.
func (e *ActivityExecutor) Execute(ctx context.Context, workflow *store.Workflow, activity *store.Activity) error {
	plugin, err := e.resolve(activity)
	if err != nil {
		return err
	}
	return e.converge(ctx, activity, func(ctx context.Context) error {
		return plugin.Execute(ctx, workflow, activity)
	})
}

// Rollback drives the activity's compensation callback the same way Execute
// drives the forward callback. The activity is expected to carry the
// "rollback:" prefixed type; plugin resolution strips it.
func (e *ActivityExecutor) Rollback(ctx context.Context, workflow *store.Workflow, activity *store.Activity) error {
	plugin, err := e.resolve(activity)
	if err != nil {
		return err
	}
	return e.converge(ctx, activity, func(ctx context.Context) error {
		return plugin.Rollback(ctx, workflow, activity)
	})
}

// resolve selects the activity plugin for the activity's normalized type.
func (e *ActivityExecutor) resolve(activity *store.Activity) (ActivityPlugin, error) {
	key := NormalizeType(activity.Type)
	plugin, ok := e.plugins.Lookup(key)
	if !ok {
		return nil, &UnknownPluginError{PluginType: key}
	}
	return plugin, nil
}

// converge runs the per-activity state machine until the activity reaches a
// recorded outcome. Each iteration reads the current state, performs exactly
// one transition, persists it, and loops:
//
//	pending  → running (persisted), continue
//	running  → invoke callback, classify, persist outcome, exit
//	terminal → exit
//
// A non-terminal starting state (a prior temporary failure, or a running
// state left by a crashed executor) is reset to pending first, so the
// callback is re-invoked on retry while terminal outcomes stay untouched.
func (e *ActivityExecutor) converge(ctx context.Context, activity *store.Activity, invoke func(context.Context) error) error {
	if !activity.State.Terminal() && activity.State != store.ActivityPending {
		activity.State = store.ActivityPending
		if err := e.store.UpdateActivity(ctx, activity); err != nil {
			return fmt.Errorf("reset activity %s: %w", activity.ID, err)
		}
	}

	for {
		switch activity.State {
		case store.ActivityPending:
			activity.State = store.ActivityRunning
			if err := e.store.UpdateActivity(ctx, activity); err != nil {
				return fmt.Errorf("start activity %s: %w", activity.ID, err)
			}

		case store.ActivityRunning:
			activity.State = classify(invoke(ctx))
			if err := e.store.UpdateActivity(ctx, activity); err != nil {
				return fmt.Errorf("record activity %s outcome: %w", activity.ID, err)
			}
			return nil

		default:
			// Terminal: nothing left to do.
			return nil
		}
	}
}

// classify maps a callback result onto the activity outcome states: nil is
// success, the ErrPermanentFailure sentinel (bare or wrapped) is permanent,
// and every other failure is temporary.
func classify(err error) store.ActivityState {
	switch {
	case err == nil:
		return store.ActivitySucceeded
	case errors.Is(err, ErrPermanentFailure):
		return store.ActivityFailedPermanent
	default:
		return store.ActivityFailedTemporary
	}
}
