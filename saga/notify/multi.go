package notify

import (
	"context"

	"github.com/dshills/sagaflow-go/saga/store"
)

// MultiNotifier fans every hook out to a list of notifiers in order. Use it
// to combine logging with tracing:
//
//	notifier := notify.NewMultiNotifier(
//	    notify.NewLogNotifier(os.Stdout, true),
//	    notify.NewOTelNotifier(tracer),
//	)
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a fan-out over the given notifiers. Nil entries
// are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &MultiNotifier{notifiers: kept}
}

// BeginWorkflow implements Notifier.
func (m *MultiNotifier) BeginWorkflow(ctx context.Context, workflow *store.Workflow) {
	for _, n := range m.notifiers {
		n.BeginWorkflow(ctx, workflow)
	}
}

// EndWorkflow implements Notifier.
func (m *MultiNotifier) EndWorkflow(ctx context.Context, workflow *store.Workflow) {
	for _, n := range m.notifiers {
		n.EndWorkflow(ctx, workflow)
	}
}

// BeginActivity implements Notifier.
func (m *MultiNotifier) BeginActivity(ctx context.Context, workflow *store.Workflow, activity *store.Activity) {
	for _, n := range m.notifiers {
		n.BeginActivity(ctx, workflow, activity)
	}
}

// EndActivity implements Notifier.
func (m *MultiNotifier) EndActivity(ctx context.Context, workflow *store.Workflow, activity *store.Activity) {
	for _, n := range m.notifiers {
		n.EndActivity(ctx, workflow, activity)
	}
}
