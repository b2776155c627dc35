package ipc

import (
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// PingResult reports daemon liveness.
type PingResult struct {
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

// CreateSessionParams creates a session.
type CreateSessionParams struct {
	ProjectRoot string            `json:"project_root"`
	Model       string            `json:"model,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SessionParams addresses a single session.
type SessionParams struct {
	SessionID string `json:"session_id"`
}

// ListSessionsResult returns all sessions, newest first.
type ListSessionsResult struct {
	Sessions []*models.Session `json:"sessions"`
}

// CreateTaskParams creates a task within a session.
type CreateTaskParams struct {
	SessionID   string `json:"session_id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// TaskParams addresses a single task.
type TaskParams struct {
	TaskID string `json:"task_id"`
}

// ListTasksParams lists the tasks of a session.
type ListTasksParams struct {
	SessionID string `json:"session_id"`
}

// ListTasksResult returns a session's tasks, newest first.
type ListTasksResult struct {
	Tasks []*models.Task `json:"tasks"`
}

// LLMOverrides tunes the daemon's provider settings for a single run. Zero
// fields keep the daemon's configuration; EnableThinking is a pointer so an
// omitted field is distinguishable from an explicit false.
type LLMOverrides struct {
	Provider       string `json:"provider,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	EnableThinking *bool  `json:"enable_thinking,omitempty"`
	ThinkingBudget int    `json:"thinking_budget,omitempty"`
}

// ExecuteParams starts an agent run. An empty SessionID creates a fresh
// session rooted at ProjectRoot. SystemPrompt and LLM override the daemon's
// defaults for this run only.
type ExecuteParams struct {
	SessionID    string        `json:"session_id,omitempty"`
	ProjectRoot  string        `json:"project_root,omitempty"`
	Model        string        `json:"model,omitempty"`
	Prompt       string        `json:"prompt"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	LLM          *LLMOverrides `json:"llm_config,omitempty"`
}

// ExecuteResult is the immediate snapshot of the created run. The run
// proceeds in the daemon; poll get_output to follow it.
type ExecuteResult struct {
	TaskID      string            `json:"task_id"`
	SessionID   string            `json:"session_id"`
	Status      models.TaskStatus `json:"status"`
	OutputCount int               `json:"output_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
}

// StatusResult reports a task's current state.
type StatusResult struct {
	Task *models.Task `json:"task"`
}

// GetOutputParams reads task output from a position cursor.
type GetOutputParams struct {
	TaskID string `json:"task_id"`
	FromID int    `json:"from_id"`
}

// GetOutputResult returns the chunks at or after the cursor. HasMore is true
// exactly while the task is still running.
type GetOutputResult struct {
	Chunks  []models.OutputChunk `json:"chunks"`
	HasMore bool                 `json:"has_more"`
	Status  models.TaskStatus    `json:"status"`
}
