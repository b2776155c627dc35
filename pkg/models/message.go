// Package models defines the shared data model for the Anvil coding agent:
// conversation messages and content blocks, worker sessions and tasks, output
// chunks, and remote connection records. Types here are plain data; behavior
// lives in the packages that own each concern.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleProgress marks transient tool progress messages. Progress messages
	// are streamed to clients but never sent to the LLM provider.
	RoleProgress Role = "progress"
)

// BlockType discriminates content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's content list. The Type field
// selects which of the remaining fields are meaningful; blocks are data only
// and are never mutated after construction.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text carries the payload for text and thinking blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input describe a tool_use block.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content and IsError describe a tool_result block.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock returns a thinking content block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text}
}

// ToolUseBlock returns a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// TokenUsage records provider-reported token counts for one completion.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StopReason is the normalized finish reason of a completion.
type StopReason string

const (
	StopEnd     StopReason = "stop"
	StopToolUse StopReason = "tool_use"
	StopLength  StopReason = "length"
	StopError   StopReason = "error"
)

// Message is one entry of a conversation transcript. User and assistant
// messages carry an ordered list of content blocks. Progress messages carry a
// referent tool-use id and text and exist only for client streaming.
type Message struct {
	ID      string         `json:"id"`
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`

	// ToolUseID is the referent tool call for progress messages.
	ToolUseID string `json:"tool_use_id,omitempty"`

	// Usage holds provider token counts, present on assistant messages when
	// the provider reported them.
	Usage *TokenUsage `json:"usage,omitempty"`

	// StopReason is set on assistant messages.
	StopReason StopReason `json:"stop_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewUserMessage builds a user message from plain text.
func NewUserMessage(text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   []ContentBlock{TextBlock(text)},
		CreatedAt: time.Now(),
	}
}

// NewUserBlocksMessage builds a user message from content blocks.
func NewUserBlocksMessage(blocks ...ContentBlock) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   blocks,
		CreatedAt: time.Now(),
	}
}

// NewAssistantMessage builds an assistant message from content blocks.
func NewAssistantMessage(blocks []ContentBlock) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   blocks,
		CreatedAt: time.Now(),
	}
}

// NewProgressMessage builds a progress message attributed to a tool call.
func NewProgressMessage(toolUseID, text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      RoleProgress,
		ToolUseID: toolUseID,
		Content:   []ContentBlock{TextBlock(text)},
		CreatedAt: time.Now(),
	}
}

// ToolUses returns the tool_use blocks of the message in order.
func (m *Message) ToolUses() []ContentBlock {
	if m == nil {
		return nil
	}
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolResultIDs returns the tool_use ids referenced by tool_result blocks.
func (m *Message) ToolResultIDs() []string {
	if m == nil {
		return nil
	}
	var ids []string
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// Text concatenates the text blocks of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// LastText returns the last text block, or empty string.
func (m *Message) LastText() string {
	if m == nil {
		return ""
	}
	for i := len(m.Content) - 1; i >= 0; i-- {
		if m.Content[i].Type == BlockText {
			return m.Content[i].Text
		}
	}
	return ""
}
