package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/anvil/pkg/models"
)

// Tool is the uniform contract every leaf tool implements. Input typing is
// erased at this boundary; each tool keeps its typed parameter struct
// internal and unmarshals from the raw input.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// IsReadOnly reports whether this call mutates no state. Read-only calls
	// are eligible for concurrent execution.
	IsReadOnly(input json.RawMessage) bool

	// IsConcurrencySafe reports whether this call may run alongside other
	// concurrency-safe calls.
	IsConcurrencySafe(input json.RawMessage) bool

	// Call starts the tool and returns its lazy event sequence: zero or more
	// progress/streaming items followed by exactly one terminal result. The
	// tool closes the channel after the result and must observe ctx at its
	// suspension points.
	Call(ctx context.Context, input json.RawMessage, tc *ToolContext) <-chan ToolEvent

	// RenderResult produces the assistant-visible string for a result payload.
	RenderResult(data any) string
}

// InputValidator is implemented by tools that validate beyond their schema.
type InputValidator interface {
	ValidateInput(input json.RawMessage, tc *ToolContext) error
}

// MaxToolInputSize bounds tool input JSON to prevent resource exhaustion.
const MaxToolInputSize = 10 << 20

// Registry holds the available tools keyed by name, with input schemas
// compiled at registration. Read-only after startup apart from explicit
// Register calls.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any previous tool of the same name. The
// input schema is compiled eagerly; a malformed schema is a programmer error
// and panics.
func (r *Registry) Register(tool Tool) {
	compiled := mustCompileSchema(tool.Name(), tool.Schema())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = compiled
}

func mustCompileSchema(name string, raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	url := "anvil://tools/" + name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("tool %s: invalid input schema: %v", name, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("tool %s: invalid input schema: %v", name, err))
	}
	return schema
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names sorted for stable provider requests.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the dialect-neutral tool definitions for providers.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ValidateInput checks input against the tool's compiled schema, then the
// tool's own validator when implemented. A nil error means the call may
// proceed.
func (r *Registry) ValidateInput(name string, input json.RawMessage, tc *ToolContext) error {
	if len(input) > MaxToolInputSize {
		return fmt.Errorf("tool input exceeds maximum size of %d bytes", MaxToolInputSize)
	}
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	var decoded any
	if len(input) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(decoded); err != nil {
			return fmt.Errorf("input validation failed: %v", err)
		}
	}
	if v, ok := tool.(InputValidator); ok {
		if err := v.ValidateInput(input, tc); err != nil {
			return err
		}
	}
	return nil
}

// Subset returns a new registry holding allowed minus disallowed tools.
// allowed == ["*"] (or nil) means every registered tool. Used by the
// sub-agent spawner to scope tool access.
func (r *Registry) Subset(allowed, disallowed []string) *Registry {
	deny := make(map[string]bool, len(disallowed))
	for _, name := range disallowed {
		deny[name] = true
	}
	allowAll := len(allowed) == 0
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if name == "*" {
			allowAll = true
			continue
		}
		allow[name] = true
	}

	sub := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, tool := range r.tools {
		if deny[name] {
			continue
		}
		if !allowAll && !allow[name] {
			continue
		}
		sub.tools[name] = tool
		sub.schemas[name] = r.schemas[name]
	}
	return sub
}

// RenderResult renders a terminal event into the assistant-visible string for
// a tool_result block.
func RenderResult(tool Tool, ev ToolEvent) string {
	if ev.ResultForAssistant != "" {
		return ev.ResultForAssistant
	}
	if s, ok := ev.Data.(string); ok {
		return s
	}
	if tool != nil {
		return tool.RenderResult(ev.Data)
	}
	if ev.Data == nil {
		return ""
	}
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Sprintf("%v", ev.Data)
	}
	return string(b)
}

// resultBlock folds a terminal event into a tool_result content block.
func resultBlock(tool Tool, toolUseID string, ev ToolEvent) models.ContentBlock {
	if ev.Err != nil {
		return models.ToolResultBlock(toolUseID, ev.Err.Error(), true)
	}
	return models.ToolResultBlock(toolUseID, RenderResult(tool, ev), false)
}
