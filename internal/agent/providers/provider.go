package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/backoff"
)

// defaultMaxAttempts bounds transient-failure retries per completion call.
const defaultMaxAttempts = 4

var retryPolicy = backoff.Policy{
	Initial: time.Second,
	Max:     30 * time.Second,
	Factor:  2,
	Jitter:  0.1,
}

// New selects the wire dialect for the configuration and returns a provider.
// An explicit cfg.Provider wins; otherwise model names containing "claude"
// route to the Anthropic dialect and everything else to chat-completions.
func New(cfg agent.LLMConfig) (agent.Provider, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if dialect == "" {
		if strings.Contains(strings.ToLower(cfg.Model), "claude") {
			dialect = "anthropic"
		} else {
			dialect = "openai"
		}
	}

	switch dialect {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", cfg.Provider)
	}
}

// completeWithRetry runs fn with the shared backoff policy, stopping early on
// errors that retrying cannot fix.
func completeWithRetry(ctx context.Context, fn func() (*agent.CompletionResponse, error)) (*agent.CompletionResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= defaultMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt < defaultMaxAttempts {
			if err := retryPolicy.Sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: %w", backoff.ErrMaxAttemptsExhausted, lastErr)
}
