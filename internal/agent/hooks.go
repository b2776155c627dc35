package agent

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// QuerySummary is delivered to OnQueryEnd with per-run accounting. Cost is
// advisory only and computed from fixed per-token constants; failed turns are
// not charged.
type QuerySummary struct {
	Iterations   int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
	Err          error
}

// Hooks are the loop's observation points. All fields are optional; dispatch
// through the nil-safe methods below. Hook functions must not block: they run
// inline on the loop goroutine.
type Hooks struct {
	QueryStart   func(messages []*models.Message)
	LLMRequest   func(req *CompletionRequest)
	LLMResponse  func(resp *CompletionResponse, duration time.Duration, err error)
	ToolStart    func(toolUseID, name string, input json.RawMessage)
	ToolProgress func(toolUseID, text string)
	ToolComplete func(toolUseID string, result models.ContentBlock, duration time.Duration)
	ToolError    func(toolUseID string, errText string, duration time.Duration)
	QueryEnd     func(summary QuerySummary)
	Abort        func()
}

func (h *Hooks) onQueryStart(messages []*models.Message) {
	if h != nil && h.QueryStart != nil {
		h.QueryStart(messages)
	}
}

func (h *Hooks) onLLMRequest(req *CompletionRequest) {
	if h != nil && h.LLMRequest != nil {
		h.LLMRequest(req)
	}
}

func (h *Hooks) onLLMResponse(resp *CompletionResponse, d time.Duration, err error) {
	if h != nil && h.LLMResponse != nil {
		h.LLMResponse(resp, d, err)
	}
}

func (h *Hooks) onToolStart(id, name string, input json.RawMessage) {
	if h != nil && h.ToolStart != nil {
		h.ToolStart(id, name, input)
	}
}

func (h *Hooks) onToolProgress(id, text string) {
	if h != nil && h.ToolProgress != nil {
		h.ToolProgress(id, text)
	}
}

func (h *Hooks) onToolComplete(id string, result models.ContentBlock, d time.Duration) {
	if h != nil && h.ToolComplete != nil {
		h.ToolComplete(id, result, d)
	}
}

func (h *Hooks) onToolError(id, errText string, d time.Duration) {
	if h != nil && h.ToolError != nil {
		h.ToolError(id, errText, d)
	}
}

func (h *Hooks) onQueryEnd(summary QuerySummary) {
	if h != nil && h.QueryEnd != nil {
		h.QueryEnd(summary)
	}
}

func (h *Hooks) onAbort() {
	if h != nil && h.Abort != nil {
		h.Abort()
	}
}
