package providers

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mikesmullin/subd/pkg/models"
)

// OpenAICompatible serves any endpoint speaking the OpenAI chat-completions
// dialect: OpenAI itself, xAI, OpenRouter, and local Ollama. The registered
// name decides which credentials and base URL configure the client.
type OpenAICompatible struct {
	name   string
	client *openai.Client
}

// NewOpenAICompatible builds a provider named name. baseURL may be empty for
// the OpenAI default endpoint.
func NewOpenAICompatible(name, apiKey, baseURL string) *OpenAICompatible {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatible{name: name, client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAICompatible) Name() string { return p.name }

// Complete runs a non-streaming chat completion and returns every choice;
// merging multiple choices is the agent loop's concern.
func (p *OpenAICompatible) Complete(ctx context.Context, req *Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.System, req.Messages),
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", p.name, err)
	}

	out := &Response{
		Usage: &models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		msg := models.ChatMessage{
			Role:    models.RoleAssistant,
			Content: c.Message.Content,
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		out.Choices = append(out.Choices, Choice{
			Message:      msg,
			FinishReason: string(c.FinishReason),
		})
	}
	return out, nil
}

func toOpenAIMessages(system string, messages []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

// FromEnv constructs the provider using <NAME>_API_KEY and <NAME>_BASE_URL
// style environment variables resolved by the caller.
func FromEnv(name, apiKey, baseURL string) (*OpenAICompatible, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("provider %s: neither API key nor base URL configured", name)
	}
	return NewOpenAICompatible(name, apiKey, baseURL), nil
}
