package subagent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a background task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskKilled    TaskState = "killed"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s != TaskRunning
}

// BackgroundTask tracks one backgrounded sub-agent run. The zero-capacity
// done channel closes exactly once on transition to a terminal state.
type BackgroundTask struct {
	ID          string
	AgentType   string
	Description string

	mu         sync.Mutex
	state      TaskState
	result     string
	err        error
	output     []string
	finishedAt time.Time

	done   chan struct{}
	cancel context.CancelFunc
}

// State returns the current lifecycle state.
func (t *BackgroundTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *BackgroundTask) Done() <-chan struct{} {
	return t.done
}

// Snapshot returns the accumulated output lines, the final result (empty
// while running), and the failure error if any.
func (t *BackgroundTask) Snapshot() (state TaskState, output []string, result string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.output))
	copy(out, t.output)
	return t.state, out, t.result, t.err
}

// AppendOutput records one progress line while the task runs.
func (t *BackgroundTask) AppendOutput(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskRunning {
		t.output = append(t.output, line)
	}
}

// Kill cancels the task's context. The runner goroutine observes the
// cancellation and transitions the state.
func (t *BackgroundTask) Kill() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *BackgroundTask) finish(state TaskState, result string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = state
	t.result = result
	t.err = err
	t.finishedAt = time.Now()
	close(t.done)
}

// defaultRetention is how long completed task records stay queryable.
const defaultRetention = 15 * time.Minute

// Manager indexes background tasks by short id and evicts terminal records
// past the retention window. Eviction runs inline on access; there is no
// janitor goroutine.
type Manager struct {
	mu        sync.Mutex
	tasks     map[string]*BackgroundTask
	retention time.Duration
	now       func() time.Time
}

// NewManager returns a manager with the default retention window.
func NewManager() *Manager {
	return &Manager{
		tasks:     make(map[string]*BackgroundTask),
		retention: defaultRetention,
		now:       time.Now,
	}
}

// newTask registers a running task and returns it. The id is short enough for
// the model to echo back verbatim.
func (m *Manager) newTask(agentType, description string, cancel context.CancelFunc) *BackgroundTask {
	t := &BackgroundTask{
		ID:          strings.Split(uuid.NewString(), "-")[0],
		AgentType:   agentType,
		Description: description,
		state:       TaskRunning,
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	m.mu.Lock()
	m.evictLocked()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return t
}

// Get returns the task by id, sweeping expired records first.
func (m *Manager) Get(id string) (*BackgroundTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	t, ok := m.tasks[id]
	return t, ok
}

// Running returns the ids of tasks still in flight.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.tasks {
		if !t.State().Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// KillAll cancels every running task. Used on loop abort so background work
// does not outlive its parent.
func (m *Manager) KillAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		t.Kill()
	}
}

func (m *Manager) evictLocked() {
	cutoff := m.now().Add(-m.retention)
	for id, t := range m.tasks {
		t.mu.Lock()
		expired := t.state.Terminal() && t.finishedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(m.tasks, id)
		}
	}
}
