package saga_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/sagaflow-go/saga"
	"github.com/dshills/sagaflow-go/saga/store"
)

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestQueueDrivesWorkflowToCompletion(t *testing.T) {
	a := &scriptedActivity{typ: "reserve"}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		[]*scriptedActivity{a}, saga.Options{})

	past := time.Now().Add(-time.Second)
	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{
		Type: "order", ExecuteAt: &past,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	queue := saga.NewQueue(st, executor, saga.QueueOptions{QueryBackoff: 10 * time.Millisecond})
	queue.Start(context.Background())
	defer queue.Stop()

	ok := waitFor(t, 3*time.Second, func() bool {
		got, err := st.GetWorkflow(context.Background(), w.ID)
		return err == nil && got.State == store.WorkflowSucceeded
	})
	if !ok {
		got, _ := st.GetWorkflow(context.Background(), w.ID)
		t.Fatalf("workflow never succeeded, state = %s", got.State)
	}
	if a.executeCalls != 1 {
		t.Errorf("execute calls = %d, want 1", a.executeCalls)
	}
}

func TestQueueRetriesThroughRequeue(t *testing.T) {
	a := &scriptedActivity{typ: "reserve", executeErrs: []error{errors.New("flaky")}}
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		[]*scriptedActivity{a},
		saga.Options{RetryBackoff: 20 * time.Millisecond})

	past := time.Now().Add(-time.Second)
	w, err := executor.Create(context.Background(), store.CreateWorkflowInput{
		Type: "order", ExecuteAt: &past,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	queue := saga.NewQueue(st, executor, saga.QueueOptions{QueryBackoff: 10 * time.Millisecond})
	queue.Start(context.Background())
	defer queue.Stop()

	ok := waitFor(t, 3*time.Second, func() bool {
		got, err := st.GetWorkflow(context.Background(), w.ID)
		return err == nil && got.State == store.WorkflowSucceeded
	})
	if !ok {
		got, _ := st.GetWorkflow(context.Background(), w.ID)
		t.Fatalf("workflow never succeeded after retry, state = %s", got.State)
	}
	if a.executeCalls != 2 {
		t.Errorf("execute calls = %d, want 2", a.executeCalls)
	}

	got, err := st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestQueueTrapsExecutionErrors(t *testing.T) {
	// No activity plugin registered: every execution errors, the loop
	// must keep polling regardless.
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		nil, saga.Options{})

	past := time.Now().Add(-time.Second)
	broken, err := executor.Create(context.Background(), store.CreateWorkflowInput{
		Type: "order", ExecuteAt: &past,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	queue := saga.NewQueue(st, executor, saga.QueueOptions{QueryBackoff: 10 * time.Millisecond})
	queue.Start(context.Background())

	ok := waitFor(t, 3*time.Second, func() bool {
		got, err := st.GetWorkflow(context.Background(), broken.ID)
		return err == nil && got.State == store.WorkflowRunning && queue.InFlight() == 0
	})
	queue.Stop()
	if !ok {
		t.Fatal("broken workflow was not dispatched and released")
	}

	// Dispatch failures never wedge processing: a fixed deployment picks
	// up new work normally.
	healthy := &scriptedActivity{typ: "notify"}
	workflows := saga.NewRegistry[saga.WorkflowPlugin]()
	workflows.Register(&plannedWorkflow{typ: "alert", plan: []string{"notify"}})
	activities := saga.NewRegistry[saga.ActivityPlugin]()
	activities.Register(healthy)
	executor2 := saga.NewExecutor(st, workflows, activities, nil, saga.Options{})
	queue2 := saga.NewQueue(st, executor2, saga.QueueOptions{QueryBackoff: 10 * time.Millisecond})
	queue2.Start(context.Background())
	defer queue2.Stop()

	past2 := time.Now().Add(-time.Second)
	alert, err := executor2.Create(context.Background(), store.CreateWorkflowInput{
		Type: "alert", ExecuteAt: &past2,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ok = waitFor(t, 3*time.Second, func() bool {
		got, err := st.GetWorkflow(context.Background(), alert.ID)
		return err == nil && got.State == store.WorkflowSucceeded
	})
	if !ok {
		t.Fatal("queue stopped processing after an execution error")
	}
}

func TestQueueStopDrainsInFlight(t *testing.T) {
	st, executor := newTestExecutor(
		[]saga.WorkflowPlugin{&plannedWorkflow{typ: "order", plan: []string{"reserve"}}},
		[]*scriptedActivity{{typ: "reserve"}}, saga.Options{})

	queue := saga.NewQueue(st, executor, saga.QueueOptions{QueryBackoff: 10 * time.Millisecond})
	queue.Start(context.Background())

	past := time.Now().Add(-time.Second)
	for i := 0; i < 5; i++ {
		if _, err := executor.Create(context.Background(), store.CreateWorkflowInput{
			Type: "order", ExecuteAt: &past,
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	queue.Stop()
	if queue.InFlight() != 0 {
		t.Errorf("in-flight = %d after Stop, want 0", queue.InFlight())
	}
}

func TestQueueStartIsIdempotent(t *testing.T) {
	st, executor := newTestExecutor(nil, nil, saga.Options{})
	queue := saga.NewQueue(st, executor, saga.QueueOptions{QueryBackoff: 10 * time.Millisecond})

	queue.Start(context.Background())
	queue.Start(context.Background())
	queue.Stop()
}
