package saga

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownWorkflowPlugin indicates planning could not resolve a workflow
// plugin for the workflow's type. The workflow is left pending.
var ErrUnknownWorkflowPlugin = errors.New("unknown workflow plugin")

// ErrUnknownActivityPlugin indicates activity invocation could not resolve
// an activity plugin. The workflow is left running.
var ErrUnknownActivityPlugin = errors.New("unknown activity plugin")

// ErrMissingActivity indicates the rollback pass could not find the forward
// activity record for a planned type. This points at store corruption: the
// plan is immutable once assigned, so every planned type the forward pass
// reached has a row.
var ErrMissingActivity = errors.New("missing activity")

// ErrUnexpectedState indicates the executor was handed a workflow in a
// state it must never see. Reaching it means the queue admission protocol
// was bypassed. This is a programmer error, not a runtime condition.
var ErrUnexpectedState = errors.New("unexpected workflow state")

// UnknownPluginError reports a failed plugin lookup with the resolved key.
type UnknownPluginError struct {
	// PluginType is the normalized lookup key that had no registration.
	PluginType string

	// Workflow reports whether the missing plugin was a workflow plugin
	// (true) or an activity plugin (false).
	Workflow bool
}

func (e *UnknownPluginError) Error() string {
	if e.Workflow {
		return fmt.Sprintf("unknown workflow plugin %q", e.PluginType)
	}
	return fmt.Sprintf("unknown activity plugin %q", e.PluginType)
}

// Is matches the corresponding sentinel for errors.Is classification.
func (e *UnknownPluginError) Is(target error) bool {
	if e.Workflow {
		return target == ErrUnknownWorkflowPlugin
	}
	return target == ErrUnknownActivityPlugin
}

// MissingActivityError reports an absent forward activity during rollback.
type MissingActivityError struct {
	WorkflowID   uuid.UUID
	ActivityType string
}

func (e *MissingActivityError) Error() string {
	return fmt.Sprintf("workflow %s has no activity %q to roll back", e.WorkflowID, e.ActivityType)
}

func (e *MissingActivityError) Is(target error) bool {
	return target == ErrMissingActivity
}

// UnexpectedStateError reports a workflow handed to the executor in a state
// the admission protocol should have made impossible.
type UnexpectedStateError struct {
	WorkflowID uuid.UUID
	State      string
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("workflow %s in unexpected state %q", e.WorkflowID, e.State)
}

func (e *UnexpectedStateError) Is(target error) bool {
	return target == ErrUnexpectedState
}
