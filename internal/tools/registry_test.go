package tools

import (
	"testing"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/agent/subagent"
)

func TestNewRegistryWiresFullToolSurface(t *testing.T) {
	factory := subagent.ProviderFactory(func(agent.LLMConfig) (agent.Provider, error) {
		return nil, nil
	})
	registry, spawner := NewRegistry(factory)
	if spawner == nil {
		t.Fatal("no spawner")
	}

	for _, name := range []string{"bash", "read_file", "write_file", "edit_file", "task", "task_output"} {
		tool, ok := registry.Get(name)
		if !ok {
			t.Fatalf("tool %s not registered", name)
		}
		if tool.Description() == "" || len(tool.Schema()) == 0 {
			t.Fatalf("tool %s lacks description or schema", name)
		}
	}

	// Read-only classification drives the executor's parallelism.
	readFile, _ := registry.Get("read_file")
	if !readFile.IsReadOnly(nil) || !readFile.IsConcurrencySafe(nil) {
		t.Fatal("read_file should be safe to parallelize")
	}
	bash, _ := registry.Get("bash")
	if bash.IsReadOnly(nil) || bash.IsConcurrencySafe(nil) {
		t.Fatal("bash must be serialized")
	}
}
