package notify_test

import (
	"context"
	"testing"

	"github.com/dshills/sagaflow-go/saga/notify"
	"github.com/dshills/sagaflow-go/saga/store"
)

// countingNotifier records which hooks fired.
type countingNotifier struct {
	begins, ends, activityBegins, activityEnds int
}

func (c *countingNotifier) BeginWorkflow(context.Context, *store.Workflow) { c.begins++ }
func (c *countingNotifier) EndWorkflow(context.Context, *store.Workflow)   { c.ends++ }
func (c *countingNotifier) BeginActivity(context.Context, *store.Workflow, *store.Activity) {
	c.activityBegins++
}
func (c *countingNotifier) EndActivity(context.Context, *store.Workflow, *store.Activity) {
	c.activityEnds++
}

func TestMultiNotifierFansOut(t *testing.T) {
	first := &countingNotifier{}
	second := &countingNotifier{}
	multi := notify.NewMultiNotifier(first, nil, second)

	w := sampleWorkflow()
	a := sampleActivity(w)
	ctx := context.Background()

	multi.BeginWorkflow(ctx, w)
	multi.BeginActivity(ctx, w, a)
	multi.EndActivity(ctx, w, a)
	multi.EndWorkflow(ctx, w)

	for i, n := range []*countingNotifier{first, second} {
		if n.begins != 1 || n.ends != 1 || n.activityBegins != 1 || n.activityEnds != 1 {
			t.Errorf("notifier %d hook counts = %+v, want all 1", i, *n)
		}
	}
}

func TestNopNotifier(t *testing.T) {
	n := notify.NewNop()
	w := sampleWorkflow()

	// Must simply not panic.
	n.BeginWorkflow(context.Background(), w)
	n.EndWorkflow(context.Background(), w)
	n.BeginActivity(context.Background(), w, sampleActivity(w))
	n.EndActivity(context.Background(), w, sampleActivity(w))
}
