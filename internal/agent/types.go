// Package agent implements the conversational tool-use loop: transcript
// normalization, the tool registry and contract, the batched tool executor,
// and the LLM turn state machine.
package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// LLMConfig carries provider selection and credentials for a loop instance.
// Sub-agents inherit it from their parent's ToolContext.
type LLMConfig struct {
	// Provider forces a dialect: "anthropic" or "openai". Empty selects by
	// model name heuristic.
	Provider string `json:"provider,omitempty"`

	Model   string `json:"model"`
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`

	// MaxTokens caps response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	EnableThinking bool `json:"enable_thinking,omitempty"`
	ThinkingBudget int  `json:"thinking_budget,omitempty"`
}

// Provider is the uniform LLM back-end contract. Implementations translate
// the request into their wire dialect and normalize the response into content
// blocks.
//
// Implementations must be safe for concurrent use; the loop itself issues at
// most one Complete call at a time.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// ToolDefinition is the dialect-neutral description of a tool handed to
// providers.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// CompletionRequest is a single provider call. Messages must already be
// normalized (see Normalize); progress messages are never included.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []*models.Message
	Tools    []ToolDefinition

	MaxTokens      int
	EnableThinking bool
	ThinkingBudget int
}

// CompletionResponse is the normalized provider result.
type CompletionResponse struct {
	Content    []models.ContentBlock
	Usage      *models.TokenUsage
	StopReason models.StopReason
}

// ToolUses returns the tool_use blocks of the response in order.
func (r *CompletionResponse) ToolUses() []models.ContentBlock {
	var uses []models.ContentBlock
	for _, b := range r.Content {
		if b.Type == models.BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// StreamSink receives live output lines from tools that stream (for example
// shell commands). Optional; tools must not block on a nil sink.
type StreamSink func(toolUseID, line string)

// FileTimestamps records when files were last read by the loop instance. Read
// tools touch it on success; write tools check it to refuse clobbering files
// the model has not seen. One instance per loop, shared with sub-tools only
// through the ToolContext.
type FileTimestamps struct {
	mu sync.Mutex
	m  map[string]time.Time
}

// NewFileTimestamps returns an empty timestamp map.
func NewFileTimestamps() *FileTimestamps {
	return &FileTimestamps{m: make(map[string]time.Time)}
}

// Touch records that path was read at t.
func (f *FileTimestamps) Touch(path string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[path] = t
}

// Get returns the recorded read time for path.
func (f *FileTimestamps) Get(path string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[path]
	return t, ok
}

// ToolContext is the request-scoped environment passed into every tool call.
// Cancellation travels on the call's context.Context, not here.
type ToolContext struct {
	// Cwd is the working directory tools resolve relative paths against.
	Cwd string

	// LLM is the provider configuration sub-agents inherit.
	LLM LLMConfig

	// ReadTimestamps is the read-before-write guard shared by file tools.
	ReadTimestamps *FileTimestamps

	// Sink, when set, receives streaming output lines.
	Sink StreamSink
}

// Child returns a copy suitable for a sub-agent: same cwd and LLM config,
// fresh timestamp map, no sink.
func (tc *ToolContext) Child() *ToolContext {
	return &ToolContext{
		Cwd:            tc.Cwd,
		LLM:            tc.LLM,
		ReadTimestamps: NewFileTimestamps(),
	}
}

// ToolEventType discriminates items of a tool's lazy output sequence.
type ToolEventType string

const (
	// ToolEventProgress is an intermediate status update.
	ToolEventProgress ToolEventType = "progress"

	// ToolEventStream is one live output line (stdout/stderr).
	ToolEventStream ToolEventType = "streaming_output"

	// ToolEventResult is the terminal item. Exactly one must be produced.
	ToolEventResult ToolEventType = "result"
)

// ToolEvent is one item of the pull sequence a tool call yields. The channel
// carrying these events is closed by the tool after the terminal result; a
// close without a result is treated as a tool execution failure.
type ToolEvent struct {
	Type ToolEventType

	// Content is progress text.
	Content string

	// Line is one streaming output line.
	Line string

	// Data is the terminal result payload, rendered for the assistant by the
	// tool's RenderResult.
	Data any

	// ResultForAssistant overrides RenderResult when non-empty.
	ResultForAssistant string

	// Err marks the terminal result as a failure.
	Err error
}

// ProgressEvent builds a progress item.
func ProgressEvent(content string) ToolEvent {
	return ToolEvent{Type: ToolEventProgress, Content: content}
}

// StreamEvent builds a streaming output item.
func StreamEvent(line string) ToolEvent {
	return ToolEvent{Type: ToolEventStream, Line: line}
}

// ResultEvent builds the terminal item.
func ResultEvent(data any) ToolEvent {
	return ToolEvent{Type: ToolEventResult, Data: data}
}

// ErrorEvent builds a terminal failure item.
func ErrorEvent(err error) ToolEvent {
	return ToolEvent{Type: ToolEventResult, Err: err}
}
