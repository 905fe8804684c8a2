package saga_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/sagaflow-go/saga"
	"github.com/dshills/sagaflow-go/saga/store"
)

// plannedWorkflow is a workflow plugin with a fixed plan.
type plannedWorkflow struct {
	typ  string
	plan []string
	err  error
}

func (p *plannedWorkflow) Type() string { return p.typ }

func (p *plannedWorkflow) Plan(_ context.Context, _ *store.Workflow) ([]string, error) {
	return p.plan, p.err
}

// scriptedActivity is an activity plugin with per-call scripted outcomes.
// Calls past the end of a script succeed. Every invocation is appended to
// the shared trace so tests can assert ordering across plugins.
type scriptedActivity struct {
	typ          string
	executeErrs  []error
	rollbackErrs []error

	executeCalls  int
	rollbackCalls int
	trace         *[]string
}

func (a *scriptedActivity) Type() string { return a.typ }

func (a *scriptedActivity) Execute(_ context.Context, _ *store.Workflow, _ *store.Activity) error {
	a.executeCalls++
	if a.trace != nil {
		*a.trace = append(*a.trace, "execute:"+a.typ)
	}
	if a.executeCalls <= len(a.executeErrs) {
		return a.executeErrs[a.executeCalls-1]
	}
	return nil
}

func (a *scriptedActivity) Rollback(_ context.Context, _ *store.Workflow, _ *store.Activity) error {
	a.rollbackCalls++
	if a.trace != nil {
		*a.trace = append(*a.trace, "rollback:"+a.typ)
	}
	if a.rollbackCalls <= len(a.rollbackErrs) {
		return a.rollbackErrs[a.rollbackCalls-1]
	}
	return nil
}

// newTestExecutor wires an executor over a fresh MemStore.
func newTestExecutor(workflowPlugins []saga.WorkflowPlugin, activityPlugins []*scriptedActivity, opts saga.Options) (*store.MemStore, *saga.Executor) {
	workflows := saga.NewRegistry[saga.WorkflowPlugin]()
	for _, p := range workflowPlugins {
		workflows.Register(p)
	}
	activities := saga.NewRegistry[saga.ActivityPlugin]()
	for _, p := range activityPlugins {
		activities.Register(p)
	}
	st := store.NewMemStore()
	return st, saga.NewExecutor(st, workflows, activities, nil, opts)
}

// admit pulls the workflow back through queue admission after a retry
// requeued it, returning the pending workflow.
func admit(t *testing.T, st store.Store, id uuid.UUID) *store.Workflow {
	t.Helper()
	admitted, err := st.GetExecutableWorkflows(context.Background(), time.Now().Add(saga.DefaultRetryBackoff+time.Minute), 100)
	if err != nil {
		t.Fatalf("GetExecutableWorkflows failed: %v", err)
	}
	for _, w := range admitted {
		if w.ID == id {
			return w
		}
	}
	t.Fatalf("workflow %s was not admitted", id)
	return nil
}

func mustActivityState(t *testing.T, st store.Store, w *store.Workflow, activityType string, want store.ActivityState) {
	t.Helper()
	a, err := st.GetActivityByType(context.Background(), w, activityType)
	if err != nil {
		t.Fatalf("GetActivityByType(%q) failed: %v", activityType, err)
	}
	if a.State != want {
		t.Errorf("activity %q state = %s, want %s", activityType, a.State, want)
	}
}

func TestExecuteEmptyPlanFails(t *testing.T) {
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: nil}}, nil, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if w.State != store.WorkflowFailed {
		t.Errorf("state = %s, want failed", w.State)
	}
	if w.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (empty plan never runs)", w.Attempts)
	}

	persisted, err := st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if persisted.State != store.WorkflowFailed {
		t.Errorf("persisted state = %s, want failed", persisted.State)
	}
}

func TestExecuteSingleActivitySucceeds(t *testing.T) {
	a := &scriptedActivity{typ: "reserve"}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		[]*scriptedActivity{a}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if w.State != store.WorkflowSucceeded {
		t.Errorf("state = %s, want succeeded", w.State)
	}
	if w.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", w.Attempts)
	}
	if a.executeCalls != 1 {
		t.Errorf("execute calls = %d, want 1", a.executeCalls)
	}
	if a.rollbackCalls != 0 {
		t.Errorf("rollback calls = %d, want 0", a.rollbackCalls)
	}
	mustActivityState(t, st, w, "reserve", store.ActivitySucceeded)
}

func TestExecuteRunsPlanInOrder(t *testing.T) {
	var trace []string
	a := &scriptedActivity{typ: "reserve", trace: &trace}
	b := &scriptedActivity{typ: "charge", trace: &trace}
	_, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve", "charge"}}},
		[]*scriptedActivity{a, b}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []string{"execute:reserve", "execute:charge"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestExecuteTemporaryFailureRequeues(t *testing.T) {
	a := &scriptedActivity{typ: "reserve"}
	b := &scriptedActivity{typ: "charge", executeErrs: []error{errors.New("gateway timeout")}}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve", "charge"}}},
		[]*scriptedActivity{a, b}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	before := time.Now()
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if w.State != store.WorkflowQueued {
		t.Errorf("state = %s, want queued", w.State)
	}
	if w.ExecuteAt == nil {
		t.Fatal("executeAt not set on retry")
	}
	delay := w.ExecuteAt.Sub(before)
	if delay < saga.DefaultRetryBackoff-time.Second || delay > saga.DefaultRetryBackoff+time.Second {
		t.Errorf("retry delay = %v, want about %v", delay, saga.DefaultRetryBackoff)
	}
	if w.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", w.Attempts)
	}
	mustActivityState(t, st, w, "reserve", store.ActivitySucceeded)
	mustActivityState(t, st, w, "charge", store.ActivityFailedTemporary)
}

func TestExecutePermanentFailureFirstActivity(t *testing.T) {
	a := &scriptedActivity{typ: "reserve", executeErrs: []error{saga.ErrPermanentFailure}}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		[]*scriptedActivity{a}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Nothing succeeded, so there is nothing to compensate.
	if w.State != store.WorkflowFailed {
		t.Errorf("state = %s, want failed", w.State)
	}
	if a.rollbackCalls != 0 {
		t.Errorf("rollback calls = %d, want 0", a.rollbackCalls)
	}
	mustActivityState(t, st, w, "reserve", store.ActivityFailedPermanent)
}

func TestExecutePermanentFailureCompensatesInReverse(t *testing.T) {
	var trace []string
	a := &scriptedActivity{typ: "reserve", trace: &trace}
	b := &scriptedActivity{typ: "charge", trace: &trace}
	c := &scriptedActivity{typ: "ship", trace: &trace,
		executeErrs: []error{fmt.Errorf("no carrier: %w", saga.ErrPermanentFailure)}}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve", "charge", "ship"}}},
		[]*scriptedActivity{a, b, c}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if w.State != store.WorkflowFailed {
		t.Errorf("state = %s, want failed", w.State)
	}
	want := []string{"execute:reserve", "execute:charge", "execute:ship", "rollback:charge", "rollback:reserve"}
	if fmt.Sprint(trace) != fmt.Sprint(want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}
	if c.rollbackCalls != 0 {
		t.Errorf("failed activity was compensated: rollback calls = %d", c.rollbackCalls)
	}

	// Forward rows keep their outcomes; compensations have their own rows.
	mustActivityState(t, st, w, "reserve", store.ActivitySucceeded)
	mustActivityState(t, st, w, "ship", store.ActivityFailedPermanent)
	mustActivityState(t, st, w, saga.RollbackPrefix+"reserve", store.ActivitySucceeded)
	mustActivityState(t, st, w, saga.RollbackPrefix+"charge", store.ActivitySucceeded)
}

func TestExecuteRollbackTemporaryFailureRetries(t *testing.T) {
	a := &scriptedActivity{typ: "reserve", rollbackErrs: []error{errors.New("flaky release")}}
	b := &scriptedActivity{typ: "charge", executeErrs: []error{saga.ErrPermanentFailure}}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve", "charge"}}},
		[]*scriptedActivity{a, b}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if w.State != store.WorkflowQueued {
		t.Fatalf("state after flaky rollback = %s, want queued", w.State)
	}
	mustActivityState(t, st, w, saga.RollbackPrefix+"reserve", store.ActivityFailedTemporary)

	// The retry resumes the rollback where it left off and completes it.
	w = admit(t, st, w.ID)
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("retry Execute failed: %v", err)
	}
	if w.State != store.WorkflowFailed {
		t.Errorf("state = %s, want failed", w.State)
	}
	if a.rollbackCalls != 2 {
		t.Errorf("rollback calls = %d, want 2", a.rollbackCalls)
	}
	mustActivityState(t, st, w, saga.RollbackPrefix+"reserve", store.ActivitySucceeded)
}

func TestExecuteRollbackPermanentFailure(t *testing.T) {
	a := &scriptedActivity{typ: "reserve", rollbackErrs: []error{saga.ErrPermanentFailure}}
	b := &scriptedActivity{typ: "charge", executeErrs: []error{saga.ErrPermanentFailure}}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve", "charge"}}},
		[]*scriptedActivity{a, b}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Compensation itself failed permanently: manual intervention territory.
	if w.State != store.WorkflowFailedRollback {
		t.Errorf("state = %s, want failed_rollback", w.State)
	}
	mustActivityState(t, st, w, saga.RollbackPrefix+"reserve", store.ActivityFailedPermanent)
}

func TestExecuteRetrySkipsCompletedActivities(t *testing.T) {
	a := &scriptedActivity{typ: "reserve"}
	b := &scriptedActivity{typ: "charge", executeErrs: []error{errors.New("gateway timeout")}}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve", "charge"}}},
		[]*scriptedActivity{a, b}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if w.State != store.WorkflowQueued {
		t.Fatalf("state = %s, want queued", w.State)
	}

	w = admit(t, st, w.ID)
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("retry Execute failed: %v", err)
	}

	if w.State != store.WorkflowSucceeded {
		t.Errorf("state = %s, want succeeded", w.State)
	}
	if a.executeCalls != 1 {
		t.Errorf("completed activity re-executed: calls = %d, want 1", a.executeCalls)
	}
	if b.executeCalls != 2 {
		t.Errorf("failed activity calls = %d, want 2", b.executeCalls)
	}
	// One attempt per entry into running.
	if w.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", w.Attempts)
	}
}

func TestExecuteQueuedWorkflowRejected(t *testing.T) {
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		[]*scriptedActivity{{typ: "reserve"}}, saga.Options{})

	executeAt := time.Now().Add(time.Hour)
	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{
		Type: "order", ExecuteAt: &executeAt,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err = executor.Execute(context.Background(), w)
	if !errors.Is(err, saga.ErrUnexpectedState) {
		t.Fatalf("Execute on queued workflow: got %v, want ErrUnexpectedState", err)
	}

	// The lock must have been released on the error path.
	acquired, err := st.TryLockWorkflow(context.Background(), w)
	if err != nil {
		t.Fatalf("TryLockWorkflow failed: %v", err)
	}
	if !acquired {
		t.Error("lock still held after failed execution")
	}
}

func TestExecuteUnknownWorkflowPlugin(t *testing.T) {
	st, executor := newTestExecutor(nil, nil, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "mystery:42"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err = executor.Execute(context.Background(), w)
	if !errors.Is(err, saga.ErrUnknownWorkflowPlugin) {
		t.Fatalf("got %v, want ErrUnknownWorkflowPlugin", err)
	}

	// The workflow stays pending so a fixed deployment can pick it up.
	persisted, err := st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if persisted.State != store.WorkflowPending {
		t.Errorf("state = %s, want pending", persisted.State)
	}
}

func TestExecuteUnknownActivityPlugin(t *testing.T) {
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		nil, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err = executor.Execute(context.Background(), w)
	if !errors.Is(err, saga.ErrUnknownActivityPlugin) {
		t.Fatalf("got %v, want ErrUnknownActivityPlugin", err)
	}

	// The workflow stays running; the GC will eventually rescue it.
	persisted, err := st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if persisted.State != store.WorkflowRunning {
		t.Errorf("state = %s, want running", persisted.State)
	}
}

func TestExecuteLockContention(t *testing.T) {
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		[]*scriptedActivity{{typ: "reserve"}}, saga.Options{})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := st.LockWorkflow(context.Background(), w); err != nil {
		t.Fatalf("LockWorkflow failed: %v", err)
	}

	err = executor.Execute(context.Background(), w)
	if !errors.Is(err, store.ErrAlreadyLocked) {
		t.Fatalf("got %v, want ErrAlreadyLocked", err)
	}

	persisted, err := st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if persisted.State != store.WorkflowPending {
		t.Errorf("state advanced under contention: %s", persisted.State)
	}
}

func TestExecuteCustomRetryBackoff(t *testing.T) {
	b := &scriptedActivity{typ: "charge", executeErrs: []error{errors.New("timeout")}}
	_, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"charge"}}},
		[]*scriptedActivity{b}, saga.Options{RetryBackoff: time.Minute})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before := time.Now()
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if w.ExecuteAt == nil {
		t.Fatal("executeAt not set")
	}
	delay := w.ExecuteAt.Sub(before)
	if delay < time.Minute-time.Second || delay > time.Minute+time.Second {
		t.Errorf("retry delay = %v, want about 1m", delay)
	}
}
