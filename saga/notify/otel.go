package notify

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/sagaflow-go/saga/store"
)

// OTelNotifier implements Notifier by creating OpenTelemetry spans around
// workflow and activity execution.
//
// Each Begin hook opens a span, the matching End hook closes it:
//   - "saga.workflow" spans cover one executor invocation, attributed with
//     the workflow ID, type, attempts, and terminal state.
//   - "saga.activity" spans cover one callback invocation, attributed with
//     the activity type and recorded outcome. Activity spans nest under the
//     workflow span when both pass through the same notifier.
//
// A failed outcome (failed_temporary, failed_permanent, failed,
// failed_rollback) sets the span status to error.
//
// Usage:
//
//	tracer := otel.Tracer("sagaflow-go")
//	notifier := notify.NewOTelNotifier(tracer)
//	executor := saga.NewExecutor(st, workflows, activities, notifier, saga.Options{})
type OTelNotifier struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // workflowID or activityID -> open span
}

// NewOTelNotifier creates an OTelNotifier using the given tracer.
func NewOTelNotifier(tracer trace.Tracer) *OTelNotifier {
	return &OTelNotifier{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// BeginWorkflow opens the workflow span.
func (o *OTelNotifier) BeginWorkflow(ctx context.Context, workflow *store.Workflow) {
	_, span := o.tracer.Start(ctx, "saga.workflow")
	span.SetAttributes(
		attribute.String("saga.workflow_id", workflow.ID.String()),
		attribute.String("saga.workflow_type", workflow.Type),
		attribute.String("saga.ref_type", workflow.RefType),
		attribute.String("saga.ref_id", workflow.RefID),
	)

	o.mu.Lock()
	o.spans[workflow.ID.String()] = span
	o.mu.Unlock()
}

// EndWorkflow records the post-execution state and closes the workflow span.
func (o *OTelNotifier) EndWorkflow(_ context.Context, workflow *store.Workflow) {
	span := o.take(workflow.ID.String())
	if span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("saga.workflow_state", string(workflow.State)),
		attribute.Int("saga.attempts", workflow.Attempts),
	)
	if workflow.State == store.WorkflowFailed || workflow.State == store.WorkflowFailedRollback {
		span.SetStatus(codes.Error, string(workflow.State))
	}
	span.End()
}

// BeginActivity opens an activity span nested under the workflow span.
func (o *OTelNotifier) BeginActivity(ctx context.Context, workflow *store.Workflow, activity *store.Activity) {
	if parent := o.peek(workflow.ID.String()); parent != nil {
		ctx = trace.ContextWithSpan(ctx, parent)
	}

	_, span := o.tracer.Start(ctx, "saga.activity")
	span.SetAttributes(
		attribute.String("saga.workflow_id", workflow.ID.String()),
		attribute.String("saga.activity_id", activity.ID.String()),
		attribute.String("saga.activity_type", activity.Type),
	)

	o.mu.Lock()
	o.spans[activity.ID.String()] = span
	o.mu.Unlock()
}

// EndActivity records the activity outcome and closes the activity span.
func (o *OTelNotifier) EndActivity(_ context.Context, _ *store.Workflow, activity *store.Activity) {
	span := o.take(activity.ID.String())
	if span == nil {
		return
	}

	span.SetAttributes(attribute.String("saga.activity_state", string(activity.State)))
	switch activity.State {
	case store.ActivityFailedTemporary, store.ActivityFailedPermanent:
		span.SetStatus(codes.Error, string(activity.State))
		span.RecordError(errors.New(string(activity.State)))
	}
	span.End()
}

// Flush forces export of all pending spans. Call before shutdown so the
// batch span processor delivers buffered spans to the backend.
func (o *OTelNotifier) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

// take removes and returns the open span for the key, if any.
func (o *OTelNotifier) take(key string) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()

	span, ok := o.spans[key]
	if !ok {
		return nil
	}
	delete(o.spans, key)
	return span
}

// peek returns the open span for the key without removing it.
func (o *OTelNotifier) peek(key string) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spans[key]
}
