package agentlog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

// maxRecordedContent bounds entry content so a single huge tool result cannot
// dominate the ring.
const maxRecordedContent = 2048

// NewHooks returns loop hooks that record every observable event into the
// logger at the appropriate level. Tool hooks fire from concurrent executor
// goroutines, so the id -> name map is lock-guarded.
func NewHooks(l *Logger) *agent.Hooks {
	var mu sync.Mutex
	toolNames := make(map[string]string)
	nameOf := func(id string) string {
		mu.Lock()
		defer mu.Unlock()
		return toolNames[id]
	}
	forget := func(id string) string {
		mu.Lock()
		defer mu.Unlock()
		name := toolNames[id]
		delete(toolNames, id)
		return name
	}

	return &agent.Hooks{
		QueryStart: func(messages []*models.Message) {
			l.Append(Entry{
				Level:   LevelSummary,
				Type:    "query_start",
				Content: fmt.Sprintf("%d messages", len(messages)),
				Success: true,
			})
		},
		LLMRequest: func(req *agent.CompletionRequest) {
			l.Append(Entry{
				Level:   LevelLLM,
				Type:    "llm_request",
				Content: fmt.Sprintf("model=%s messages=%d tools=%d", req.Model, len(req.Messages), len(req.Tools)),
				Success: true,
			})
		},
		LLMResponse: func(resp *agent.CompletionResponse, d time.Duration, err error) {
			e := Entry{
				Level:    LevelLLM,
				Type:     "llm_response",
				Duration: d,
				Success:  err == nil,
			}
			if err != nil {
				e.Error = err.Error()
			} else {
				e.Content = fmt.Sprintf("stop=%s blocks=%d", resp.StopReason, len(resp.Content))
			}
			l.Append(e)
		},
		ToolStart: func(toolUseID, name string, input json.RawMessage) {
			mu.Lock()
			toolNames[toolUseID] = name
			mu.Unlock()
			l.Append(Entry{
				Level:   LevelTool,
				Type:    "tool_start",
				Tool:    name,
				Content: truncate(string(input)),
				Success: true,
			})
		},
		ToolProgress: func(toolUseID, text string) {
			l.Append(Entry{
				Level:   LevelFull,
				Type:    "tool_progress",
				Tool:    nameOf(toolUseID),
				Content: truncate(text),
				Success: true,
			})
		},
		ToolComplete: func(toolUseID string, result models.ContentBlock, d time.Duration) {
			l.Append(Entry{
				Level:    LevelTool,
				Type:     "tool_call",
				Tool:     forget(toolUseID),
				Content:  truncate(result.Content),
				Duration: d,
				Success:  true,
			})
		},
		ToolError: func(toolUseID string, errText string, d time.Duration) {
			l.Append(Entry{
				Level:    LevelTool,
				Type:     "tool_call",
				Tool:     forget(toolUseID),
				Error:    truncate(errText),
				Duration: d,
				Success:  false,
			})
		},
		QueryEnd: func(s agent.QuerySummary) {
			e := Entry{
				Level:    LevelSummary,
				Type:     "query_end",
				Content:  fmt.Sprintf("iterations=%d tools=%d in=%d out=%d cost=%.4f", s.Iterations, s.ToolCalls, s.InputTokens, s.OutputTokens, s.CostUSD),
				Duration: s.Duration,
				Success:  s.Err == nil,
			}
			if s.Err != nil {
				e.Error = s.Err.Error()
			}
			l.Append(e)
		},
		Abort: func() {
			l.Append(Entry{
				Level:   LevelSummary,
				Type:    "abort",
				Error:   "query aborted",
				Success: false,
			})
		},
	}
}

func truncate(s string) string {
	if len(s) <= maxRecordedContent {
		return s
	}
	return s[:maxRecordedContent] + "...[truncated]"
}
