package models

import "time"

// ChunkType discriminates output chunk variants appended to a task's buffer.
type ChunkType string

const (
	ChunkStatus     ChunkType = "status"
	ChunkText       ChunkType = "text"
	ChunkThinking   ChunkType = "thinking"
	ChunkToolUse    ChunkType = "tool_use"
	ChunkToolResult ChunkType = "tool_result"
	ChunkError      ChunkType = "error"
)

// ChunkAttrs carries optional attribution for a chunk.
type ChunkAttrs struct {
	ToolID     string `json:"tool_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	IsProgress bool   `json:"is_progress,omitempty"`
}

// OutputChunk is one record of a task's append-only output log. Positions are
// dense and strictly increasing per task; a chunk is never mutated after
// append.
type OutputChunk struct {
	Position  int         `json:"position"`
	Type      ChunkType   `json:"type"`
	Content   string      `json:"content"`
	Attrs     *ChunkAttrs `json:"attrs,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
