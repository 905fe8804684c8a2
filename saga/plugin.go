// Package saga provides a durable saga workflow engine: a linear plan of
// activities executed forward and compensated in reverse on permanent
// failure, with state persisted in a store shared by concurrent workers.
package saga

import (
	"context"
	"errors"
	"strings"

	"github.com/dshills/sagaflow-go/saga/store"
)

// ErrPermanentFailure is the sentinel an activity callback returns (wrapped
// or bare) to signal that the workflow should compensate and stop. Any other
// callback failure is classified as temporary and the workflow is requeued
// for retry.
//
// Example:
//
//	func (p *chargeCard) Execute(ctx context.Context, wf *store.Workflow, act *store.Activity) error {
//	    if declined {
//	        return fmt.Errorf("card declined: %w", saga.ErrPermanentFailure)
//	    }
//	    return gateway.Charge(ctx, wf.RefID)
//	}
var ErrPermanentFailure = errors.New("failed_permanent")

// Plugin is the common shape of workflow and activity plugins: a type key
// under which the plugin is registered and selected.
type Plugin interface {
	// Type returns the registry key. Workflow and activity type strings are
	// matched against it after normalization (see NormalizeType).
	Type() string
}

// WorkflowPlugin plans a workflow: given the workflow record it produces
// the ordered list of activity types to execute. Planning runs exactly once
// per workflow; the returned plan is immutable afterwards.
type WorkflowPlugin interface {
	Plugin

	// Plan returns the ordered activity-type list for the workflow. An
	// empty plan fails the workflow. An error leaves the workflow pending
	// and propagates to the caller.
	Plan(ctx context.Context, workflow *store.Workflow) ([]string, error)
}

// ActivityPlugin implements one activity type: a forward effect and its
// compensation. The same plugin serves both the plain activity type and its
// "rollback:" counterpart.
//
// Callbacks are invoked at-least-once and must be idempotent. Permanent
// failure is signaled with ErrPermanentFailure; anything else is temporary.
type ActivityPlugin interface {
	Plugin

	// Execute performs the activity's forward effect.
	Execute(ctx context.Context, workflow *store.Workflow, activity *store.Activity) error

	// Rollback compensates a previously succeeded Execute.
	Rollback(ctx context.Context, workflow *store.Workflow, activity *store.Activity) error
}

// RollbackPrefix marks compensation activities. A completed activity of
// type T is compensated under activity type "rollback:T".
const RollbackPrefix = "rollback:"

// NormalizeType resolves a workflow or activity type string to its plugin
// key: a leading "rollback:" prefix is stripped, then the substring before
// the first ':' is taken. "foo", "foo:meta", and "rollback:foo:meta" all
// resolve to "foo".
func NormalizeType(t string) string {
	t = strings.TrimPrefix(t, RollbackPrefix)
	if i := strings.IndexByte(t, ':'); i >= 0 {
		t = t[:i]
	}
	return t
}
