package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps workflows, activities, and locks in maps guarded by a single
// RWMutex. Designed for:
//   - Testing and development
//   - Single-process embedding where persistence isn't required
//
// MemStore is thread-safe and observationally equivalent to the SQL
// backends for every executor-visible operation, including the atomic
// queued→pending admission and lock expiry takeover.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Not suitable for multi-process deployments
type MemStore struct {
	mu         sync.RWMutex
	cfg        config
	workflows  map[uuid.UUID]*Workflow            // workflowID -> record
	activities map[uuid.UUID]*Activity            // activityID -> record
	byType     map[uuid.UUID]map[string]uuid.UUID // workflowID -> activity type -> activityID
	locks      map[uuid.UUID]*WorkflowLock        // workflowID -> lock row
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	executor := saga.NewExecutor(st, workflows, activities, nil, saga.Options{})
func NewMemStore(opts ...Option) *MemStore {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &MemStore{
		cfg:        cfg,
		workflows:  make(map[uuid.UUID]*Workflow),
		activities: make(map[uuid.UUID]*Activity),
		byType:     make(map[uuid.UUID]map[string]uuid.UUID),
		locks:      make(map[uuid.UUID]*WorkflowLock),
	}
}

// cloneWorkflow copies a record so callers can mutate their view freely.
func cloneWorkflow(w *Workflow) *Workflow {
	cp := *w
	if w.ActivityTypes != nil {
		cp.ActivityTypes = append([]string(nil), w.ActivityTypes...)
	}
	if w.ExecuteAt != nil {
		t := *w.ExecuteAt
		cp.ExecuteAt = &t
	}
	return &cp
}

func cloneActivity(a *Activity) *Activity {
	cp := *a
	return &cp
}

// GetWorkflow returns the workflow with the given ID, or ErrNotFound.
func (m *MemStore) GetWorkflow(_ context.Context, id uuid.UUID) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(w), nil
}

// GetWorkflowByRefID returns the workflow with the given foreign reference
// ID, or ErrNotFound. When several workflows share a refID the oldest wins,
// matching the SQL backends' created_at ordering.
func (m *MemStore) GetWorkflowByRefID(_ context.Context, refID string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Workflow
	for _, w := range m.workflows {
		if w.RefID != refID {
			continue
		}
		if found == nil || w.CreatedAt.Before(found.CreatedAt) {
			found = w
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneWorkflow(found), nil
}

// GetExecutableWorkflows returns up to limit queued workflows due at or
// before cutoff, transitioning each to pending under the store lock. The
// whole select-and-transition is a single critical section, so concurrent
// pollers never admit the same workflow twice.
func (m *MemStore) GetExecutableWorkflows(_ context.Context, cutoff time.Time, limit int) ([]*Workflow, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Workflow
	for _, w := range m.workflows {
		if w.State != WorkflowQueued || w.ExecuteAt == nil {
			continue
		}
		if w.ExecuteAt.After(cutoff) {
			continue
		}
		due = append(due, w)
	}

	// Oldest due first, matching ORDER BY execute_at in the SQL backends.
	sort.Slice(due, func(i, j int) bool {
		return due[i].ExecuteAt.Before(*due[j].ExecuteAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	now := time.Now()
	out := make([]*Workflow, 0, len(due))
	for _, w := range due {
		w.State = WorkflowPending
		w.UpdatedAt = now
		out = append(out, cloneWorkflow(w))
	}
	return out, nil
}

// GetLostWorkflows returns up to limit in-flight workflows whose CreatedAt
// falls inside the liveness window and whose ExecuteAt is absent or past
// the lookback horizon.
func (m *MemStore) GetLostWorkflows(_ context.Context, limit int) ([]*Workflow, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	newest := now.Add(-m.cfg.window.Lookback)
	oldest := now.Add(-m.cfg.window.Cutoff)

	var lost []*Workflow
	for _, w := range m.workflows {
		if !w.State.InFlight() {
			continue
		}
		if w.CreatedAt.After(newest) || w.CreatedAt.Before(oldest) {
			continue
		}
		if w.ExecuteAt != nil && !w.ExecuteAt.Before(newest) {
			continue
		}
		lost = append(lost, w)
	}

	sort.Slice(lost, func(i, j int) bool {
		return lost[i].CreatedAt.Before(lost[j].CreatedAt)
	})
	if len(lost) > limit {
		lost = lost[:limit]
	}

	out := make([]*Workflow, 0, len(lost))
	for _, w := range lost {
		out = append(out, cloneWorkflow(w))
	}
	return out, nil
}

// CreateWorkflow inserts a new workflow. The initial state is queued when
// input.ExecuteAt is set, pending otherwise.
func (m *MemStore) CreateWorkflow(_ context.Context, input CreateWorkflowInput) (*Workflow, error) {
	id := input.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[id]; exists {
		return nil, fmt.Errorf("workflow %s already exists", id)
	}

	state := WorkflowPending
	var executeAt *time.Time
	if input.ExecuteAt != nil {
		state = WorkflowQueued
		t := *input.ExecuteAt
		executeAt = &t
	}

	now := time.Now()
	w := &Workflow{
		ID:        id,
		Type:      input.Type,
		State:     state,
		RefType:   input.RefType,
		RefID:     input.RefID,
		ExecuteAt: executeAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.workflows[id] = w
	return cloneWorkflow(w), nil
}

// SetWorkflowState persists the new state, incrementing Attempts when the
// workflow enters running. The passed workflow is updated in place.
func (m *MemStore) SetWorkflowState(_ context.Context, workflow *Workflow, state WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workflows[workflow.ID]
	if !ok {
		return ErrNotFound
	}

	w.State = state
	if state == WorkflowRunning {
		w.Attempts++
	}
	w.UpdatedAt = time.Now()

	workflow.State = w.State
	workflow.Attempts = w.Attempts
	workflow.UpdatedAt = w.UpdatedAt
	return nil
}

// UpdateWorkflow persists the workflow's current field values.
func (m *MemStore) UpdateWorkflow(_ context.Context, workflow *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workflows[workflow.ID]
	if !ok {
		return ErrNotFound
	}

	w.Type = workflow.Type
	w.State = workflow.State
	w.RefType = workflow.RefType
	w.RefID = workflow.RefID
	w.ActivityTypes = append([]string(nil), workflow.ActivityTypes...)
	w.Attempts = workflow.Attempts
	if workflow.ExecuteAt != nil {
		t := *workflow.ExecuteAt
		w.ExecuteAt = &t
	} else {
		w.ExecuteAt = nil
	}
	w.UpdatedAt = time.Now()

	workflow.UpdatedAt = w.UpdatedAt
	return nil
}

// LockWorkflow acquires the workflow's lock, displacing an expired holder.
// Contention yields a *LockedError matching ErrAlreadyLocked.
func (m *MemStore) LockWorkflow(_ context.Context, workflow *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.acquireLocked(workflow.ID) {
		return &LockedError{WorkflowType: workflow.Type, WorkflowID: workflow.ID}
	}
	return nil
}

// TryLockWorkflow reports whether the lock was freshly acquired. Contention
// is not an error.
func (m *MemStore) TryLockWorkflow(_ context.Context, workflow *Workflow) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.acquireLocked(workflow.ID), nil
}

// acquireLocked inserts the lock row if absent or expired. Caller holds mu.
func (m *MemStore) acquireLocked(id uuid.UUID) bool {
	now := time.Now()
	if lock, held := m.locks[id]; held && lock.ExpireAt.After(now) {
		return false
	}
	m.locks[id] = &WorkflowLock{
		ID:        id,
		ExpireAt:  now.Add(m.cfg.lockTTL),
		CreatedAt: now,
	}
	return true
}

// UnlockWorkflow releases the workflow's lock. Idempotent.
func (m *MemStore) UnlockWorkflow(_ context.Context, workflow *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, workflow.ID)
	return nil
}

// GetActivityByType returns the workflow's activity with the given type, or
// ErrNotFound.
func (m *MemStore) GetActivityByType(_ context.Context, workflow *Workflow, activityType string) (*Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, ok := m.byType[workflow.ID]
	if !ok {
		return nil, ErrNotFound
	}
	id, ok := ids[activityType]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneActivity(m.activities[id]), nil
}

// CreateActivity inserts a new pending activity under the workflow. Fails
// if the workflow is absent or the activity ID is already taken.
func (m *MemStore) CreateActivity(_ context.Context, workflow *Workflow, id uuid.UUID, activityType string) (*Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[workflow.ID]; !ok {
		return nil, fmt.Errorf("create activity %s: workflow %s: %w", activityType, workflow.ID, ErrNotFound)
	}
	if _, exists := m.activities[id]; exists {
		return nil, fmt.Errorf("activity %s already exists", id)
	}

	now := time.Now()
	a := &Activity{
		ID:         id,
		WorkflowID: workflow.ID,
		Type:       activityType,
		State:      ActivityPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.activities[id] = a
	if m.byType[workflow.ID] == nil {
		m.byType[workflow.ID] = make(map[string]uuid.UUID)
	}
	m.byType[workflow.ID][activityType] = id
	return cloneActivity(a), nil
}

// UpdateActivity persists the activity's current field values.
func (m *MemStore) UpdateActivity(_ context.Context, activity *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activities[activity.ID]
	if !ok {
		return ErrNotFound
	}

	a.State = activity.State
	a.UpdatedAt = time.Now()

	activity.UpdatedAt = a.UpdatedAt
	return nil
}
