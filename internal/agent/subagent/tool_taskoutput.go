package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
)

// defaultAwaitTimeout bounds blocking task_output calls when the model does
// not pass one.
const defaultAwaitTimeout = 30 * time.Second

// TaskOutputInput is the TaskOutput tool's parameter struct.
type TaskOutputInput struct {
	TaskID    string `json:"task_id" jsonschema:"required,description=Id returned by a background task invocation"`
	Block     bool   `json:"block,omitempty" jsonschema:"description=Wait for the task to finish instead of snapshotting"`
	TimeoutMS int    `json:"timeout_ms,omitempty" jsonschema:"description=Maximum wait in milliseconds when blocking"`
}

// TaskOutputResult reports a background task's state to the model.
type TaskOutputResult struct {
	Status string    `json:"status"` // success | timeout | not_found
	State  TaskState `json:"state,omitempty"`
	Output []string  `json:"output,omitempty"`
	Result string    `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// TaskOutputTool snapshots or awaits a background task.
type TaskOutputTool struct {
	tasks *Manager
}

// NewTaskOutputTool wires the tool to the spawner's task manager.
func NewTaskOutputTool(tasks *Manager) *TaskOutputTool {
	return &TaskOutputTool{tasks: tasks}
}

func (t *TaskOutputTool) Name() string {
	return "task_output"
}

func (t *TaskOutputTool) Description() string {
	return "Check on a background task started by the task tool. Returns its state and " +
		"accumulated output; set block=true to wait for completion."
}

func (t *TaskOutputTool) Schema() json.RawMessage {
	return agent.SchemaFor[TaskOutputInput]()
}

func (t *TaskOutputTool) IsReadOnly(json.RawMessage) bool {
	return true
}

func (t *TaskOutputTool) IsConcurrencySafe(json.RawMessage) bool {
	return true
}

func (t *TaskOutputTool) Call(ctx context.Context, input json.RawMessage, _ *agent.ToolContext) <-chan agent.ToolEvent {
	out := make(chan agent.ToolEvent, 1)
	go func() {
		defer close(out)

		var in TaskOutputInput
		if err := json.Unmarshal(input, &in); err != nil {
			out <- agent.ErrorEvent(fmt.Errorf("invalid task_output input: %w", err))
			return
		}

		task, ok := t.tasks.Get(in.TaskID)
		if !ok {
			out <- agent.ResultEvent(TaskOutputResult{Status: "not_found"})
			return
		}

		if in.Block && !task.State().Terminal() {
			timeout := defaultAwaitTimeout
			if in.TimeoutMS > 0 {
				timeout = time.Duration(in.TimeoutMS) * time.Millisecond
			}
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-task.Done():
			case <-timer.C:
				out <- agent.ResultEvent(snapshot(task, "timeout"))
				return
			case <-ctx.Done():
				out <- agent.ErrorEvent(ctx.Err())
				return
			}
		}

		out <- agent.ResultEvent(snapshot(task, "success"))
	}()
	return out
}

func snapshot(task *BackgroundTask, status string) TaskOutputResult {
	state, output, result, err := task.Snapshot()
	r := TaskOutputResult{
		Status: status,
		State:  state,
		Output: output,
		Result: result,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (t *TaskOutputTool) RenderResult(data any) string {
	r, ok := data.(TaskOutputResult)
	if !ok {
		return fmt.Sprintf("%v", data)
	}
	switch r.Status {
	case "not_found":
		return "task not found"
	case "timeout":
		return fmt.Sprintf("task still %s after wait; output so far:\n%s", r.State, strings.Join(r.Output, "\n"))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", r.State)
	if len(r.Output) > 0 {
		fmt.Fprintf(&b, "output:\n%s\n", strings.Join(r.Output, "\n"))
	}
	if r.Result != "" {
		fmt.Fprintf(&b, "result:\n%s", r.Result)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s", r.Error)
	}
	return b.String()
}
