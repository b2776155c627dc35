package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider speaks the chat-completions dialect. It also serves
// OpenAI-compatible endpoints selected through a BaseURL override. Safe for
// concurrent use.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider. Only APIKey is required.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewOpenAIProvider validates the configuration and builds the SDK client.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete issues a non-streaming chat completion, retrying transient
// failures, and normalizes the response into content blocks.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	return completeWithRetry(ctx, func() (*agent.CompletionResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return p.translateResponse(&resp, model)
	})
}

// convertMessages flattens the block transcript into the chat-completions
// shape: the system prompt leads, assistant tool_use blocks become tool_calls,
// and each tool_result block becomes its own "tool" role message.
func (p *OpenAIProvider) convertMessages(messages []*models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			var text strings.Builder
			for _, b := range msg.Content {
				switch b.Type {
				case models.BlockText:
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(b.Text)
				case models.BlockToolResult:
					content := b.Content
					if b.IsError {
						content = "Error: " + content
					}
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    content,
						ToolCallID: b.ToolUseID,
					})
				}
			}
			if text.Len() > 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text.String(),
				})
			}

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var text strings.Builder
			for _, b := range msg.Content {
				switch b.Type {
				case models.BlockText:
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(b.Text)
				case models.BlockToolUse:
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   b.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.Name,
							Arguments: string(b.Input),
						},
					})
				}
			}
			oaiMsg.Content = text.String()
			if oaiMsg.Content == "" && len(oaiMsg.ToolCalls) == 0 {
				continue
			}
			result = append(result, oaiMsg)

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	return result, nil
}

func (p *OpenAIProvider) convertTools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) translateResponse(resp *openai.ChatCompletionResponse, model string) (*agent.CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", model, errors.New("response contained no choices"))
	}
	choice := resp.Choices[0]

	out := &agent.CompletionResponse{
		StopReason: translateFinishReason(choice.FinishReason),
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, models.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.ID == "" || tc.Function.Name == "" {
			continue
		}
		out.Content = append(out.Content, models.ToolUseBlock(tc.ID, tc.Function.Name, []byte(tc.Function.Arguments)))
	}

	if resp.Usage.PromptTokens != 0 || resp.Usage.CompletionTokens != 0 {
		out.Usage = &models.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

func translateFinishReason(reason openai.FinishReason) models.StopReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return models.StopToolUse
	case openai.FinishReasonLength:
		return models.StopLength
	default:
		return models.StopEnd
	}
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := NewProviderError("openai", model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	return NewProviderError("openai", model, err)
}
