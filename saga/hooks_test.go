package saga_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dshills/sagaflow-go/saga"
	"github.com/dshills/sagaflow-go/saga/store"
)

// recordingNotifier captures hook invocations in order, with the state each
// hook observed.
type recordingNotifier struct {
	events []string
	panics bool
}

func (r *recordingNotifier) record(event string) {
	r.events = append(r.events, event)
	if r.panics {
		panic("notifier exploded")
	}
}

func (r *recordingNotifier) BeginWorkflow(_ context.Context, w *store.Workflow) {
	r.record(fmt.Sprintf("workflow_begin:%s", w.State))
}

func (r *recordingNotifier) EndWorkflow(_ context.Context, w *store.Workflow) {
	r.record(fmt.Sprintf("workflow_end:%s", w.State))
}

func (r *recordingNotifier) BeginActivity(_ context.Context, _ *store.Workflow, a *store.Activity) {
	r.record(fmt.Sprintf("activity_begin:%s", a.Type))
}

func (r *recordingNotifier) EndActivity(_ context.Context, _ *store.Workflow, a *store.Activity) {
	r.record(fmt.Sprintf("activity_end:%s:%s", a.Type, a.State))
}

func newNotifiedExecutor(notifier *recordingNotifier, activityErrs []error) (*store.MemStore, *saga.Executor) {
	workflows := saga.NewRegistry[saga.WorkflowPlugin]()
	workflows.Register(&plannedWorkflow{typ: "order", plan: []string{"reserve"}})
	activities := saga.NewRegistry[saga.ActivityPlugin]()
	activities.Register(&scriptedActivity{typ: "reserve", executeErrs: activityErrs})
	st := store.NewMemStore()
	return st, saga.NewExecutor(st, workflows, activities, notifier, saga.Options{})
}

func TestExecuteNotifierHookOrder(t *testing.T) {
	notifier := &recordingNotifier{}
	_, executor := newNotifiedExecutor(notifier, nil)

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []string{
		"workflow_begin:pending",
		"activity_begin:reserve",
		"activity_end:reserve:succeeded",
		"workflow_end:succeeded",
	}
	if fmt.Sprint(notifier.events) != fmt.Sprint(want) {
		t.Errorf("hook order = %v, want %v", notifier.events, want)
	}
}

func TestExecuteEndActivityFiresOnFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	_, executor := newNotifiedExecutor(notifier, []error{errors.New("gateway timeout")})

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	found := false
	for _, event := range notifier.events {
		if event == "activity_end:reserve:failed_temporary" {
			found = true
		}
	}
	if !found {
		t.Errorf("EndActivity with failure outcome missing from %v", notifier.events)
	}
}

func TestExecutePanickingNotifierDoesNotAffectOutcome(t *testing.T) {
	notifier := &recordingNotifier{panics: true}
	st, executor := newNotifiedExecutor(notifier, nil)

	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{Type: "order"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := executor.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute failed despite hook-only panic: %v", err)
	}
	if w.State != store.WorkflowSucceeded {
		t.Errorf("state = %s, want succeeded", w.State)
	}

	// The lock was released normally.
	acquired, err := st.TryLockWorkflow(context.Background(), w)
	if err != nil {
		t.Fatalf("TryLockWorkflow failed: %v", err)
	}
	if !acquired {
		t.Error("lock still held after execution with panicking notifier")
	}
}
