package models

import "time"

// SessionStatus is the lifecycle state of a worker session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Session is a worker-persisted conversation container. Sessions own tasks;
// deleting a session cascades to its tasks.
type Session struct {
	ID          string         `json:"id"`
	ProjectRoot string         `json:"project_root"`
	Model       string         `json:"model"`
	Status      SessionStatus  `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TaskStatus is the lifecycle state of a worker task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one unit of work owned by a session, typically a single agent run.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TaskDone reports whether the status is terminal.
func TaskDone(s TaskStatus) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}
