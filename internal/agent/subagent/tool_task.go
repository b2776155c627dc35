package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/anvil/internal/agent"
)

// TaskInput is the Task tool's parameter struct.
type TaskInput struct {
	AgentType  string `json:"agent_type" jsonschema:"required,description=Catalog name of the agent type to spawn"`
	Prompt     string `json:"prompt" jsonschema:"required,description=Task description handed to the sub-agent as its first user message"`
	Background bool   `json:"background,omitempty" jsonschema:"description=Run detached and return a task id immediately instead of waiting"`
}

// TaskHandle is the Task tool's result payload in background mode.
type TaskHandle struct {
	TaskID    string `json:"task_id"`
	AgentType string `json:"agent_type"`
	Status    string `json:"status"`
}

// TaskTool spawns a sub-agent, synchronously or in the background.
type TaskTool struct {
	spawner *Spawner
}

// NewTaskTool wires the Task tool to a spawner.
func NewTaskTool(spawner *Spawner) *TaskTool {
	return &TaskTool{spawner: spawner}
}

func (t *TaskTool) Name() string {
	return "task"
}

func (t *TaskTool) Description() string {
	return "Spawn a sub-agent to work on a self-contained task with its own tool access. " +
		"Available agent types:\n" + t.spawner.Catalog().Describe() +
		"Set background=true for long tasks; poll them with task_output."
}

func (t *TaskTool) Schema() json.RawMessage {
	return agent.SchemaFor[TaskInput]()
}

// Sub-agents may run commands and edit files, so a task is never a read-only
// call.
func (t *TaskTool) IsReadOnly(json.RawMessage) bool {
	return false
}

func (t *TaskTool) IsConcurrencySafe(json.RawMessage) bool {
	return false
}

func (t *TaskTool) Call(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) <-chan agent.ToolEvent {
	out := make(chan agent.ToolEvent)
	go func() {
		defer close(out)

		var in TaskInput
		if err := json.Unmarshal(input, &in); err != nil {
			out <- agent.ErrorEvent(fmt.Errorf("invalid task input: %w", err))
			return
		}

		if in.Background {
			task, err := t.spawner.RunBackground(ctx, in.AgentType, in.Prompt, tc)
			if err != nil {
				out <- agent.ErrorEvent(err)
				return
			}
			out <- agent.ResultEvent(TaskHandle{
				TaskID:    task.ID,
				AgentType: in.AgentType,
				Status:    string(TaskRunning),
			})
			return
		}

		result, err := t.spawner.Run(ctx, in.AgentType, in.Prompt, tc, func(line string) {
			out <- agent.ProgressEvent(line)
		})
		if err != nil {
			out <- agent.ErrorEvent(err)
			return
		}
		out <- agent.ResultEvent(result)
	}()
	return out
}

func (t *TaskTool) RenderResult(data any) string {
	switch v := data.(type) {
	case TaskHandle:
		return fmt.Sprintf("Started background task %s (%s). Poll it with task_output.", v.TaskID, v.AgentType)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", data)
	}
}
