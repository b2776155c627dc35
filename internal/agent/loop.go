package agent

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// Advisory cost constants, USD per token. A single fixed pair is used for
// every model; cost is informational only.
const (
	costPerInputToken  = 3e-6
	costPerOutputToken = 15e-6
)

// ErrNoProvider is returned when the loop is constructed without a provider.
var ErrNoProvider = errors.New("agent: no provider configured")

// LoopConfig bounds a loop run.
type LoopConfig struct {
	// System is the system prompt for every completion of the run.
	System string

	// MaxIterations limits LLM↔tool turns. 0 means unbounded: the run ends
	// when the model stops requesting tools.
	MaxIterations int
}

// RunResult is the outcome of a completed loop run.
type RunResult struct {
	// Final is the last assistant message.
	Final *models.Message

	// Messages is the full transcript including tool_result user messages.
	Messages []*models.Message

	Summary QuerySummary
}

// Loop is the conversational state machine: normalize, complete, execute the
// requested tools, repeat until the model produces a terminal answer. A Loop
// owns its message list; only one completion call is ever in flight.
type Loop struct {
	provider Provider
	registry *Registry
	executor *Executor
	hooks    *Hooks
	config   LoopConfig
}

// NewLoop builds a loop over the given provider and registry. hooks may be
// nil.
func NewLoop(provider Provider, registry *Registry, hooks *Hooks, config LoopConfig) *Loop {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Loop{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, hooks),
		hooks:    hooks,
		config:   config,
	}
}

// Run executes the loop to termination. messages must contain at least one
// user message. On cancellation the Abort hook fires once and the context
// error is returned alongside the transcript accumulated so far.
func (l *Loop) Run(ctx context.Context, messages []*models.Message, tc *ToolContext) (*RunResult, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if len(messages) == 0 {
		return nil, errors.New("agent: empty initial message list")
	}
	if tc == nil {
		tc = &ToolContext{ReadTimestamps: NewFileTimestamps()}
	}
	if tc.ReadTimestamps == nil {
		tc.ReadTimestamps = NewFileTimestamps()
	}

	started := time.Now()
	state := append([]*models.Message(nil), messages...)
	summary := QuerySummary{}
	l.hooks.onQueryStart(state)

	finish := func(final *models.Message, err error) (*RunResult, error) {
		summary.Duration = time.Since(started)
		summary.Err = err
		if err == nil {
			summary.CostUSD = float64(summary.InputTokens)*costPerInputToken +
				float64(summary.OutputTokens)*costPerOutputToken
		}
		l.hooks.onQueryEnd(summary)
		return &RunResult{Final: final, Messages: state, Summary: summary}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			l.hooks.onAbort()
			return finish(nil, err)
		}
		if l.config.MaxIterations > 0 && summary.Iterations >= l.config.MaxIterations {
			return finish(lastAssistant(state), nil)
		}

		normalized, err := Normalize(state)
		if err != nil {
			return finish(nil, err)
		}

		req := &CompletionRequest{
			Model:          tc.LLM.Model,
			System:         l.config.System,
			Messages:       normalized,
			Tools:          l.registry.Definitions(),
			MaxTokens:      tc.LLM.MaxTokens,
			EnableThinking: tc.LLM.EnableThinking,
			ThinkingBudget: tc.LLM.ThinkingBudget,
		}

		l.hooks.onLLMRequest(req)
		llmStart := time.Now()
		resp, err := l.provider.Complete(ctx, req)
		l.hooks.onLLMResponse(resp, time.Since(llmStart), err)
		if err != nil {
			if ctx.Err() != nil {
				l.hooks.onAbort()
				return finish(nil, ctx.Err())
			}
			return finish(nil, err)
		}

		summary.Iterations++
		assistant := models.NewAssistantMessage(resp.Content)
		assistant.StopReason = resp.StopReason
		if resp.Usage != nil {
			assistant.Usage = resp.Usage
			summary.InputTokens += resp.Usage.InputTokens
			summary.OutputTokens += resp.Usage.OutputTokens
		}
		state = append(state, assistant)

		uses := resp.ToolUses()
		if len(uses) == 0 {
			return finish(assistant, nil)
		}

		summary.ToolCalls += len(uses)
		l.executor.Execute(ctx, uses, tc, func(msg *models.Message) {
			state = append(state, msg)
		})

		if err := ctx.Err(); err != nil {
			l.hooks.onAbort()
			return finish(nil, err)
		}
	}
}

func lastAssistant(messages []*models.Message) *models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			return messages[i]
		}
	}
	return nil
}
