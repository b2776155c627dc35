package tools

import (
	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/agent/subagent"
)

// NewRegistry assembles the full tool surface: shell, file access, and the
// sub-agent spawner. The task tools close over the registry itself so
// sub-agents see the same tools, scoped by their agent type.
func NewRegistry(newProvider subagent.ProviderFactory) (*agent.Registry, *subagent.Spawner) {
	registry := agent.NewRegistry()
	registry.Register(NewBashTool())
	registry.Register(NewReadFileTool())
	registry.Register(NewWriteFileTool())
	registry.Register(NewEditFileTool())

	spawner := subagent.NewSpawner(subagent.DefaultCatalog(), registry, newProvider)
	registry.Register(subagent.NewTaskTool(spawner))
	registry.Register(subagent.NewTaskOutputTool(spawner.Tasks()))
	return registry, spawner
}
