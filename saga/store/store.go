// Package store provides persistence for saga workflows, activities, and
// per-workflow locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested workflow or activity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyLocked is the sentinel matched by errors.Is when a workflow lock
// is held by another executor. The concrete error is a *LockedError carrying
// the literal message "workflow <type> already locked (<id>)".
var ErrAlreadyLocked = errors.New("workflow already locked")

// LockedError reports a failed lock acquisition on a workflow whose lock is
// currently held.
type LockedError struct {
	// WorkflowType is the full (unparsed) workflow type string.
	WorkflowType string

	// WorkflowID is the locked workflow's ID.
	WorkflowID uuid.UUID
}

// Error returns the lock-contention message in its canonical form.
func (e *LockedError) Error() string {
	return fmt.Sprintf("workflow %s already locked (%s)", e.WorkflowType, e.WorkflowID)
}

// Is reports whether target is ErrAlreadyLocked, so callers can classify
// contention with errors.Is without depending on the concrete type.
func (e *LockedError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

// WorkflowState is the closed set of states a workflow moves through.
//
// State machine:
//
//	queued ──(admission)──▶ pending ──▶ running ──▶ succeeded
//	                                      │
//	                                      ├──▶ running_retry ──▶ queued
//	                                      │
//	                                      └──▶ running_rollback ──▶ failed
//	                                                   │
//	                                                   └──▶ failed_rollback
//
// Terminal states are failed, failed_rollback, and succeeded.
type WorkflowState string

// Workflow states.
const (
	WorkflowQueued          WorkflowState = "queued"
	WorkflowPending         WorkflowState = "pending"
	WorkflowRunning         WorkflowState = "running"
	WorkflowRunningRetry    WorkflowState = "running_retry"
	WorkflowRunningRollback WorkflowState = "running_rollback"
	WorkflowFailed          WorkflowState = "failed"
	WorkflowFailedRollback  WorkflowState = "failed_rollback"
	WorkflowSucceeded       WorkflowState = "succeeded"
)

// Terminal reports whether the state is final: once reached, the workflow is
// never executed again.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowFailed, WorkflowFailedRollback, WorkflowSucceeded:
		return true
	}
	return false
}

// InFlight reports whether the state is non-terminal and past admission.
// In-flight workflows that stop advancing are candidates for GC rescue.
func (s WorkflowState) InFlight() bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowRunningRetry, WorkflowRunningRollback:
		return true
	}
	return false
}

// ActivityState is the closed set of states a single activity moves through
// within one executor invocation.
type ActivityState string

// Activity states.
const (
	ActivityPending         ActivityState = "pending"
	ActivityRunning         ActivityState = "running"
	ActivityFailedTemporary ActivityState = "failed_temporary"
	ActivityFailedPermanent ActivityState = "failed_permanent"
	ActivitySucceeded       ActivityState = "succeeded"
)

// Terminal reports whether the activity outcome is final. A non-terminal
// activity is reset and re-executed on the workflow's next attempt.
func (s ActivityState) Terminal() bool {
	return s == ActivityFailedPermanent || s == ActivitySucceeded
}

// Workflow is a persisted saga: an ordered plan of activities executed
// forward, and compensated in reverse on permanent failure.
type Workflow struct {
	// ID is the externally supplied workflow UUID.
	ID uuid.UUID

	// Type selects the workflow plugin: the substring before the first ':'
	// is the plugin type, the remainder is opaque metadata.
	Type string

	// State is the current workflow state.
	State WorkflowState

	// RefType and RefID form an opaque foreign reference. The engine never
	// interprets them.
	RefType string
	RefID   string

	// ActivityTypes is the ordered plan produced by the workflow plugin.
	// Empty until planning completes; immutable afterwards.
	ActivityTypes []string

	// Attempts counts how many times the workflow has entered the running
	// state.
	Attempts int

	// ExecuteAt is the earliest instant the workflow is eligible for queue
	// pickup. Nil means the workflow was created for immediate execution.
	ExecuteAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Activity is one step of a workflow. Forward activities carry the plan's
// type verbatim; compensation activities carry "rollback:<type>".
type Activity struct {
	// ID is deterministic: UUIDv5 of "<workflowID>:<type>" under the fixed
	// activity namespace. Repeated creation yields the same row.
	ID uuid.UUID

	// WorkflowID is the owning workflow.
	WorkflowID uuid.UUID

	// Type is the activity type, including any "rollback:" prefix.
	Type string

	// State is the current activity state.
	State ActivityState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowLock is a persisted mutual-exclusion row. Its presence is the
// lock; the unique constraint on ID is what enforces at-most-one holder.
type WorkflowLock struct {
	// ID equals the locked workflow's ID.
	ID uuid.UUID

	// ExpireAt bounds how long a crashed holder can block the workflow.
	ExpireAt time.Time

	CreatedAt time.Time
}

// CreateWorkflowInput carries the caller-supplied fields for a new workflow.
type CreateWorkflowInput struct {
	// ID is the workflow UUID. If zero, the store mints one.
	ID uuid.UUID

	// Type selects the workflow plugin (head before the first ':').
	Type string

	// RefType and RefID are stored verbatim.
	RefType string
	RefID   string

	// ExecuteAt, when set, creates the workflow directly in the queued
	// state, eligible for pickup at or after the given instant. When nil,
	// the workflow is created pending for immediate execution.
	ExecuteAt *time.Time
}

// Store is the persistence contract shared by all backends.
//
// The persistent implementations (Postgres, MySQL, SQLite) and the in-memory
// implementation are observationally equivalent for every operation below;
// the in-memory store exists for tests and single-process embedding.
//
// All cross-process coordination happens through this interface: lock rows
// provide per-workflow mutual exclusion, and the atomic queued→pending
// admission in GetExecutableWorkflows distributes work between concurrent
// pollers without double-dispatch.
type Store interface {
	// GetWorkflow returns the workflow with the given ID, or ErrNotFound.
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)

	// GetWorkflowByRefID returns the workflow with the given foreign
	// reference ID, or ErrNotFound.
	GetWorkflowByRefID(ctx context.Context, refID string) (*Workflow, error)

	// GetExecutableWorkflows returns up to limit workflows that are queued
	// with ExecuteAt at or before cutoff, atomically transitioning each
	// returned workflow to pending. Persistent backends perform the select
	// and transition in a single transaction with skip-locked row claims so
	// concurrent pollers never observe the same row. Returned workflows
	// carry their new pending state.
	GetExecutableWorkflows(ctx context.Context, cutoff time.Time, limit int) ([]*Workflow, error)

	// GetLostWorkflows returns up to limit in-flight workflows that stopped
	// advancing: CreatedAt inside the liveness window
	// [now-cutoff, now-lookback] and ExecuteAt absent or before
	// now-lookback. These are candidates for GC rescue.
	GetLostWorkflows(ctx context.Context, limit int) ([]*Workflow, error)

	// CreateWorkflow inserts a new workflow. The initial state is queued
	// when input.ExecuteAt is set, pending otherwise.
	CreateWorkflow(ctx context.Context, input CreateWorkflowInput) (*Workflow, error)

	// SetWorkflowState persists the new state on the given workflow and
	// mutates it in place. Entering running increments Attempts by one.
	// UpdatedAt is refreshed.
	SetWorkflowState(ctx context.Context, workflow *Workflow, state WorkflowState) error

	// UpdateWorkflow persists the workflow's current field values and
	// refreshes UpdatedAt.
	UpdateWorkflow(ctx context.Context, workflow *Workflow) error

	// LockWorkflow acquires the workflow's lock. When the lock is held and
	// unexpired it fails with a *LockedError (errors.Is ErrAlreadyLocked).
	// An expired lock row is displaced by the new holder.
	LockWorkflow(ctx context.Context, workflow *Workflow) error

	// TryLockWorkflow reports whether the lock was freshly acquired. It
	// never returns an error on contention.
	TryLockWorkflow(ctx context.Context, workflow *Workflow) (bool, error)

	// UnlockWorkflow releases the workflow's lock. Releasing an unheld lock
	// is a no-op.
	UnlockWorkflow(ctx context.Context, workflow *Workflow) error

	// GetActivityByType returns the workflow's activity with the given
	// type, or ErrNotFound.
	GetActivityByType(ctx context.Context, workflow *Workflow, activityType string) (*Activity, error)

	// CreateActivity inserts a new activity in the pending state under the
	// given workflow. Fails if the workflow does not exist.
	CreateActivity(ctx context.Context, workflow *Workflow, id uuid.UUID, activityType string) (*Activity, error)

	// UpdateActivity persists the activity's current field values and
	// refreshes UpdatedAt.
	UpdateActivity(ctx context.Context, activity *Activity) error
}

// DefaultLockTTL is how long an acquired workflow lock remains valid before
// a crashed holder's lock becomes evictable.
const DefaultLockTTL = 15 * time.Minute

// GCWindow bounds the liveness window used by GetLostWorkflows.
type GCWindow struct {
	// Lookback excludes workflows that advanced recently. A workflow only
	// counts as lost once it has been quiet for at least this long.
	Lookback time.Duration

	// Cutoff excludes workflows older than this; retention of ancient rows
	// is a deployment concern, not the GC's.
	Cutoff time.Duration
}

// normalize fills zero fields from the package defaults.
func (w GCWindow) normalize() GCWindow {
	if w.Lookback <= 0 {
		w.Lookback = DefaultGCLookback()
	}
	if w.Cutoff <= 0 {
		w.Cutoff = DefaultGCCutoff()
	}
	return w
}
