package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dshills/sagaflow-go/saga/store"
)

// LogNotifier implements Notifier by writing structured hook output to a
// writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[workflow_begin] workflowID=6a1f… type=order:std state=pending attempts=0
//	[activity_end] workflowID=6a1f… activity=charge state=succeeded
//
// Usage:
//
//	notifier := notify.NewLogNotifier(os.Stdout, false)
type LogNotifier struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogNotifier creates a LogNotifier writing to the given writer. A nil
// writer defaults to os.Stdout. jsonMode selects JSONL output.
func NewLogNotifier(writer io.Writer, jsonMode bool) *LogNotifier {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogNotifier{writer: writer, jsonMode: jsonMode}
}

// logRecord is the JSON shape of one hook line.
type logRecord struct {
	Hook          string `json:"hook"`
	WorkflowID    string `json:"workflowID"`
	WorkflowType  string `json:"workflowType"`
	WorkflowState string `json:"workflowState"`
	Attempts      int    `json:"attempts"`
	Activity      string `json:"activity,omitempty"`
	ActivityState string `json:"activityState,omitempty"`
}

// BeginWorkflow implements Notifier.
func (l *LogNotifier) BeginWorkflow(_ context.Context, workflow *store.Workflow) {
	l.emit("workflow_begin", workflow, nil)
}

// EndWorkflow implements Notifier.
func (l *LogNotifier) EndWorkflow(_ context.Context, workflow *store.Workflow) {
	l.emit("workflow_end", workflow, nil)
}

// BeginActivity implements Notifier.
func (l *LogNotifier) BeginActivity(_ context.Context, workflow *store.Workflow, activity *store.Activity) {
	l.emit("activity_begin", workflow, activity)
}

// EndActivity implements Notifier.
func (l *LogNotifier) EndActivity(_ context.Context, workflow *store.Workflow, activity *store.Activity) {
	l.emit("activity_end", workflow, activity)
}

func (l *LogNotifier) emit(hook string, workflow *store.Workflow, activity *store.Activity) {
	rec := logRecord{
		Hook:          hook,
		WorkflowID:    workflow.ID.String(),
		WorkflowType:  workflow.Type,
		WorkflowState: string(workflow.State),
		Attempts:      workflow.Attempts,
	}
	if activity != nil {
		rec.Activity = activity.Type
		rec.ActivityState = string(activity.State)
	}

	if l.jsonMode {
		data, err := json.Marshal(rec)
		if err != nil {
			fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal notify record: %v\"}\n", err)
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}

	fmt.Fprintf(l.writer, "[%s] workflowID=%s type=%s state=%s attempts=%d",
		rec.Hook, rec.WorkflowID, rec.WorkflowType, rec.WorkflowState, rec.Attempts)
	if activity != nil {
		fmt.Fprintf(l.writer, " activity=%s activityState=%s", rec.Activity, rec.ActivityState)
	}
	fmt.Fprint(l.writer, "\n")
}
