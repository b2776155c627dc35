package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

// fixedProvider answers every completion with the same text, optionally
// blocking until the context is cancelled.
type fixedProvider struct {
	text  string
	block bool
	model string // records the configured model
}

func (p *fixedProvider) Name() string { return "fixed" }

func (p *fixedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &agent.CompletionResponse{
		Content:    []models.ContentBlock{models.TextBlock(p.text)},
		StopReason: models.StopEnd,
	}, nil
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		AgentType{Name: "worker", SystemPrompt: "work"},
		AgentType{Name: "special", Model: "special-model"},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func newTestSpawner(t *testing.T, provider agent.Provider) *Spawner {
	t.Helper()
	factory := func(cfg agent.LLMConfig) (agent.Provider, error) {
		if fp, ok := provider.(*fixedProvider); ok {
			fp.model = cfg.Model
		}
		return provider, nil
	}
	return NewSpawner(testCatalog(t), agent.NewRegistry(), factory)
}

func baseToolContext() *agent.ToolContext {
	return &agent.ToolContext{
		Cwd:            "/work",
		LLM:            agent.LLMConfig{Model: "parent-model"},
		ReadTimestamps: agent.NewFileTimestamps(),
	}
}

func TestSpawnerRunReturnsInnerText(t *testing.T) {
	s := newTestSpawner(t, &fixedProvider{text: "inner done"})
	got, err := s.Run(context.Background(), "worker", "do it", baseToolContext(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "inner done" {
		t.Fatalf("result = %q", got)
	}
}

func TestSpawnerAppliesModelOverride(t *testing.T) {
	provider := &fixedProvider{text: "x"}
	s := newTestSpawner(t, provider)
	if _, err := s.Run(context.Background(), "special", "go", baseToolContext(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.model != "special-model" {
		t.Fatalf("inner loop got model %q", provider.model)
	}

	provider.model = ""
	if _, err := s.Run(context.Background(), "worker", "go", baseToolContext(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.model != "parent-model" {
		t.Fatalf("parent model not inherited: %q", provider.model)
	}
}

func TestSpawnerUnknownType(t *testing.T) {
	s := newTestSpawner(t, &fixedProvider{text: "x"})
	if _, err := s.Run(context.Background(), "nope", "go", baseToolContext(), nil); err == nil {
		t.Fatal("unknown agent type accepted")
	}
}

func TestRunBackgroundCompletes(t *testing.T) {
	s := newTestSpawner(t, &fixedProvider{text: "bg done"})
	task, err := s.RunBackground(context.Background(), "worker", "go", baseToolContext())
	if err != nil {
		t.Fatalf("RunBackground: %v", err)
	}

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("background task never finished")
	}
	state, _, result, taskErr := task.Snapshot()
	if state != TaskCompleted || result != "bg done" || taskErr != nil {
		t.Fatalf("snapshot = %s %q %v", state, result, taskErr)
	}
}

func TestRunBackgroundKilled(t *testing.T) {
	s := newTestSpawner(t, &fixedProvider{block: true})
	task, err := s.RunBackground(context.Background(), "worker", "go", baseToolContext())
	if err != nil {
		t.Fatalf("RunBackground: %v", err)
	}

	task.Kill()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("killed task never settled")
	}
	if state := task.State(); state != TaskKilled {
		t.Fatalf("state = %s", state)
	}
}

func TestTaskToolSyncAndBackground(t *testing.T) {
	s := newTestSpawner(t, &fixedProvider{text: "tool result"})
	tool := NewTaskTool(s)

	var final agent.ToolEvent
	for ev := range tool.Call(context.Background(), json.RawMessage(`{"agent_type":"worker","prompt":"go"}`), baseToolContext()) {
		if ev.Type == agent.ToolEventResult {
			final = ev
		}
	}
	if final.Err != nil || final.Data.(string) != "tool result" {
		t.Fatalf("sync call = %+v", final)
	}

	for ev := range tool.Call(context.Background(), json.RawMessage(`{"agent_type":"worker","prompt":"go","background":true}`), baseToolContext()) {
		if ev.Type == agent.ToolEventResult {
			final = ev
		}
	}
	handle, ok := final.Data.(TaskHandle)
	if !ok || handle.TaskID == "" || handle.Status != string(TaskRunning) {
		t.Fatalf("background call = %+v", final)
	}

	// The handle is pollable through task_output.
	outTool := NewTaskOutputTool(s.Tasks())
	input := `{"task_id":"` + handle.TaskID + `","block":true,"timeout_ms":5000}`
	for ev := range outTool.Call(context.Background(), json.RawMessage(input), nil) {
		if ev.Type == agent.ToolEventResult {
			final = ev
		}
	}
	result := final.Data.(TaskOutputResult)
	if result.Status != "success" || result.State != TaskCompleted || result.Result != "tool result" {
		t.Fatalf("task_output = %+v", result)
	}
}

func TestTaskOutputUnknownTask(t *testing.T) {
	tool := NewTaskOutputTool(NewManager())
	var final agent.ToolEvent
	for ev := range tool.Call(context.Background(), json.RawMessage(`{"task_id":"ghost"}`), nil) {
		if ev.Type == agent.ToolEventResult {
			final = ev
		}
	}
	result := final.Data.(TaskOutputResult)
	if result.Status != "not_found" {
		t.Fatalf("result = %+v", result)
	}
	if got := tool.RenderResult(result); got != "task not found" {
		t.Fatalf("render = %q", got)
	}
}

func TestSpawnerFactoryErrorSurfaces(t *testing.T) {
	factory := func(agent.LLMConfig) (agent.Provider, error) {
		return nil, errors.New("no credentials")
	}
	s := NewSpawner(testCatalog(t), agent.NewRegistry(), factory)
	if _, err := s.Run(context.Background(), "worker", "go", baseToolContext(), nil); err == nil {
		t.Fatal("factory error swallowed")
	}
}
