package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
	minThinkingBudget     = 1024
	defaultThinkingBudget = 10000
)

// AnthropicProvider speaks the Anthropic messages API. Safe for concurrent
// use; each Complete call is independent.
type AnthropicProvider struct {
	client       sdk.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewAnthropicProvider validates the configuration and builds the SDK client.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       sdk.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete issues a non-streaming messages request, retrying transient
// failures, and normalizes the response into content blocks.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	return completeWithRetry(ctx, func() (*agent.CompletionResponse, error) {
		msg, err := p.client.Messages.New(ctx, *params)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return p.translateResponse(msg), nil
	})
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (*sdk.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudget)
		if budget < minThinkingBudget {
			budget = defaultThinkingBudget
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}

	return params, nil
}

// convertMessages translates the normalized transcript into message params.
// Thinking blocks are not re-encoded: the API requires signed thinking blocks
// on resend, and signatures are not retained.
func (p *AnthropicProvider) convertMessages(messages []*models.Message) ([]sdk.MessageParam, error) {
	result := make([]sdk.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		var content []sdk.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					content = append(content, sdk.NewTextBlock(b.Text))
				}
			case models.BlockToolUse:
				var input map[string]any
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool_use input for %s: %w", b.ID, err)
					}
				}
				content = append(content, sdk.NewToolUseBlock(b.ID, input, b.Name))
			case models.BlockToolResult:
				content = append(content, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, sdk.NewAssistantMessage(content...))
		} else {
			result = append(result, sdk.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []agent.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	result := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = sdk.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) translateResponse(msg *sdk.Message) *agent.CompletionResponse {
	resp := &agent.CompletionResponse{
		StopReason: translateStopReason(string(msg.StopReason)),
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				resp.Content = append(resp.Content, models.TextBlock(block.Text))
			}
		case "thinking":
			if block.Thinking != "" {
				resp.Content = append(resp.Content, models.ThinkingBlock(block.Thinking))
			}
		case "tool_use":
			resp.Content = append(resp.Content, models.ToolUseBlock(block.ID, block.Name, json.RawMessage(block.Input)))
		}
	}

	if msg.Usage.InputTokens != 0 || msg.Usage.OutputTokens != 0 {
		resp.Usage = &models.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		}
	}

	return resp
}

func translateStopReason(reason string) models.StopReason {
	switch reason {
	case "tool_use":
		return models.StopToolUse
	case "max_tokens":
		return models.StopLength
	default:
		return models.StopEnd
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr = providerErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					providerErr = providerErr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
