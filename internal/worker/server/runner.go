package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/worker/ipc"
	"github.com/haasonsaas/anvil/pkg/models"
)

// Emit appends one chunk to a task's output buffer.
type Emit func(chunkType models.ChunkType, content string, attrs models.ChunkAttrs)

// RunSpec describes one agent run. SystemPrompt and LLM, when set, override
// the runner's defaults for this run only.
type RunSpec struct {
	ProjectRoot  string
	Model        string
	Prompt       string
	SystemPrompt string
	LLM          *ipc.LLMOverrides
}

// Runner executes one agent run for a task, streaming everything observable
// through emit. Implementations return the final assistant text.
type Runner interface {
	Run(ctx context.Context, spec RunSpec, emit Emit) (string, error)
}

// LoopRunner runs real agent loops. Registry and LLM describe the daemon's
// tool surface and provider credentials; every task gets a fresh loop.
type LoopRunner struct {
	Registry    *agent.Registry
	LLM         agent.LLMConfig
	System      string
	NewProvider func(agent.LLMConfig) (agent.Provider, error)

	// MaxIterations bounds each run. 0 means unbounded.
	MaxIterations int
}

// Run builds a loop whose hooks append chunks to the task buffer, then
// executes it to completion.
func (r *LoopRunner) Run(ctx context.Context, spec RunSpec, emit Emit) (string, error) {
	llm := r.LLM
	if spec.Model != "" {
		llm.Model = spec.Model
	}
	if o := spec.LLM; o != nil {
		if o.Provider != "" {
			llm.Provider = o.Provider
		}
		if o.BaseURL != "" {
			llm.BaseURL = o.BaseURL
		}
		if o.MaxTokens > 0 {
			llm.MaxTokens = o.MaxTokens
		}
		if o.EnableThinking != nil {
			llm.EnableThinking = *o.EnableThinking
		}
		if o.ThinkingBudget > 0 {
			llm.ThinkingBudget = o.ThinkingBudget
		}
	}
	system := r.System
	if spec.SystemPrompt != "" {
		system = spec.SystemPrompt
	}
	provider, err := r.NewProvider(llm)
	if err != nil {
		return "", err
	}

	hooks := &agent.Hooks{
		LLMResponse: func(resp *agent.CompletionResponse, _ time.Duration, err error) {
			if err != nil {
				emit(models.ChunkError, err.Error(), models.ChunkAttrs{})
				return
			}
			for _, b := range resp.Content {
				switch b.Type {
				case models.BlockText:
					emit(models.ChunkText, b.Text, models.ChunkAttrs{})
				case models.BlockThinking:
					emit(models.ChunkThinking, b.Text, models.ChunkAttrs{})
				}
			}
		},
		ToolStart: func(toolUseID, name string, input json.RawMessage) {
			emit(models.ChunkToolUse, string(input), models.ChunkAttrs{ToolID: toolUseID, ToolName: name})
		},
		ToolProgress: func(toolUseID, text string) {
			emit(models.ChunkStatus, text, models.ChunkAttrs{ToolID: toolUseID, IsProgress: true})
		},
		ToolComplete: func(toolUseID string, result models.ContentBlock, _ time.Duration) {
			emit(models.ChunkToolResult, result.Content, models.ChunkAttrs{ToolID: toolUseID})
		},
		ToolError: func(toolUseID string, errText string, _ time.Duration) {
			emit(models.ChunkToolResult, errText, models.ChunkAttrs{ToolID: toolUseID, IsError: true})
		},
	}

	loop := agent.NewLoop(provider, r.Registry, hooks, agent.LoopConfig{
		System:        system,
		MaxIterations: r.MaxIterations,
	})

	tc := &agent.ToolContext{
		Cwd:            spec.ProjectRoot,
		LLM:            llm,
		ReadTimestamps: agent.NewFileTimestamps(),
	}

	result, err := loop.Run(ctx, []*models.Message{models.NewUserMessage(spec.Prompt)}, tc)
	if err != nil {
		return "", err
	}
	if result.Final == nil {
		return "", nil
	}
	return result.Final.Text(), nil
}
