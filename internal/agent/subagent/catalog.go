// Package subagent implements nested agent loops: a static catalog of agent
// types with scoped tool access, a spawner that runs an inner loop per task,
// and a background task manager with bounded retention. The Task and
// TaskOutput tools expose spawning to the parent loop.
package subagent

import (
	"fmt"
	"sort"
	"strings"
)

// AgentType describes one entry of the sub-agent catalog.
type AgentType struct {
	// Name is the catalog key the Task tool selects by.
	Name string

	// WhenToUse is surfaced in the Task tool description so the model can
	// pick the right agent.
	WhenToUse string

	// AllowedTools filters the parent registry. ["*"] or nil means all.
	AllowedTools []string

	// DisallowedTools are removed after the allow filter.
	DisallowedTools []string

	// SystemPrompt replaces the parent's system prompt for the inner loop.
	SystemPrompt string

	// Model overrides the parent's model when non-empty.
	Model string
}

// Catalog is an immutable name -> AgentType lookup.
type Catalog struct {
	types map[string]AgentType
}

// NewCatalog builds a catalog from the given types. Duplicate names are a
// programmer error.
func NewCatalog(types ...AgentType) (*Catalog, error) {
	m := make(map[string]AgentType, len(types))
	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("subagent: agent type with empty name")
		}
		if _, dup := m[t.Name]; dup {
			return nil, fmt.Errorf("subagent: duplicate agent type %q", t.Name)
		}
		m[t.Name] = t
	}
	return &Catalog{types: m}, nil
}

// Get returns the agent type by name.
func (c *Catalog) Get(name string) (AgentType, bool) {
	t, ok := c.types[name]
	return t, ok
}

// Names returns the catalog keys sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders a one-line-per-type summary for tool descriptions.
func (c *Catalog) Describe() string {
	var b strings.Builder
	for _, name := range c.Names() {
		t := c.types[name]
		fmt.Fprintf(&b, "- %s: %s\n", name, t.WhenToUse)
	}
	return b.String()
}

// DefaultCatalog returns the built-in agent types.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		AgentType{
			Name:      "general",
			WhenToUse: "Multi-step tasks that need the full tool set: writing code, running commands, editing files.",
			SystemPrompt: "You are a capable software engineering agent. Complete the given task " +
				"using the available tools, then summarize what you did and what you found.",
			AllowedTools: []string{"*"},
			DisallowedTools: []string{
				// Nested task spawning is allowed; output polling of the
				// parent's tasks is not.
				"task_output",
			},
		},
		AgentType{
			Name:      "explorer",
			WhenToUse: "Read-only codebase exploration and question answering. Cannot modify files or run arbitrary commands.",
			SystemPrompt: "You are a code exploration agent. Investigate the codebase with read-only " +
				"tools and answer the question precisely. Never attempt to modify anything.",
			AllowedTools: []string{"read_file", "bash"},
		},
		AgentType{
			Name:      "reviewer",
			WhenToUse: "Reviewing a change or file for correctness and style. Produces findings, does not fix them.",
			SystemPrompt: "You are a code review agent. Read the relevant files and report concrete " +
				"problems ordered by severity. Do not edit anything.",
			AllowedTools: []string{"read_file"},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}
