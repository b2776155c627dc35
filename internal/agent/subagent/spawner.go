package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

// ProviderFactory builds a provider for an inner loop's LLM configuration.
type ProviderFactory func(cfg agent.LLMConfig) (agent.Provider, error)

// Spawner runs catalog agent types as nested loops over a filtered view of
// the parent registry. Recursion depth is unbounded; cancellation of the
// parent context propagates into every spawned loop.
type Spawner struct {
	catalog     *Catalog
	registry    *agent.Registry
	tasks       *Manager
	newProvider ProviderFactory

	// MaxIterations bounds inner loops. 0 means unbounded.
	MaxIterations int
}

// NewSpawner wires a spawner over the parent registry.
func NewSpawner(catalog *Catalog, registry *agent.Registry, newProvider ProviderFactory) *Spawner {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Spawner{
		catalog:     catalog,
		registry:    registry,
		tasks:       NewManager(),
		newProvider: newProvider,
	}
}

// Catalog returns the agent type catalog.
func (s *Spawner) Catalog() *Catalog {
	return s.catalog
}

// Tasks returns the background task manager.
func (s *Spawner) Tasks() *Manager {
	return s.tasks
}

// Run executes the named agent type to completion and returns the inner
// loop's final text. progress, when non-nil, receives human-readable status
// lines as the inner loop works.
func (s *Spawner) Run(ctx context.Context, typeName, prompt string, tc *agent.ToolContext, progress func(string)) (string, error) {
	loop, child, err := s.build(typeName, tc, progress)
	if err != nil {
		return "", err
	}

	result, err := loop.Run(ctx, []*models.Message{models.NewUserMessage(prompt)}, child)
	if err != nil {
		return "", err
	}
	if result.Final == nil {
		return "", fmt.Errorf("subagent: %s produced no final message", typeName)
	}
	return result.Final.Text(), nil
}

// RunBackground starts the named agent type detached and returns its task
// record immediately. The task's context derives from ctx, so cancelling the
// root conversation kills background work too.
func (s *Spawner) RunBackground(ctx context.Context, typeName, prompt string, tc *agent.ToolContext) (*BackgroundTask, error) {
	taskCtx, cancel := context.WithCancel(ctx)

	task := s.tasks.newTask(typeName, prompt, cancel)
	loop, child, err := s.build(typeName, tc, task.AppendOutput)
	if err != nil {
		cancel()
		task.finish(TaskFailed, "", err)
		return nil, err
	}

	go func() {
		defer cancel()
		result, err := loop.Run(taskCtx, []*models.Message{models.NewUserMessage(prompt)}, child)
		switch {
		case taskCtx.Err() != nil:
			task.finish(TaskKilled, "", taskCtx.Err())
		case err != nil:
			task.finish(TaskFailed, "", err)
		case result.Final == nil:
			task.finish(TaskFailed, "", fmt.Errorf("subagent: %s produced no final message", typeName))
		default:
			task.finish(TaskCompleted, result.Final.Text(), nil)
		}
	}()

	return task, nil
}

func (s *Spawner) build(typeName string, tc *agent.ToolContext, progress func(string)) (*agent.Loop, *agent.ToolContext, error) {
	agentType, ok := s.catalog.Get(typeName)
	if !ok {
		return nil, nil, fmt.Errorf("subagent: unknown agent type %q", typeName)
	}

	child := tc.Child()
	if agentType.Model != "" {
		child.LLM.Model = agentType.Model
	}

	provider, err := s.newProvider(child.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("subagent: %s: %w", typeName, err)
	}

	registry := s.registry.Subset(agentType.AllowedTools, agentType.DisallowedTools)

	var hooks *agent.Hooks
	if progress != nil {
		hooks = &agent.Hooks{
			ToolStart: func(_, name string, _ json.RawMessage) {
				progress(fmt.Sprintf("[%s] running %s", typeName, name))
			},
		}
	}

	loop := agent.NewLoop(provider, registry, hooks, agent.LoopConfig{
		System:        agentType.SystemPrompt,
		MaxIterations: s.MaxIterations,
	})
	return loop, child, nil
}
