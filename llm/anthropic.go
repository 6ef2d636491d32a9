package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
)

const defaultAnthropicMaxTokens = 4000

// anthropicProvider wraps the langchaingo Anthropic client. The Messages
// API has no JSON mode, so the gateway applies the JSON instruction shim
// for it.
type anthropicProvider struct {
	model     llms.Model
	maxTokens int
}

// NewAnthropic creates a provider for Anthropic's Messages API.
func NewAnthropic(cfg Config) (Provider, error) {
	opts := []anthropic.Option{}
	if cfg.APIKey != "" {
		opts = append(opts, anthropic.WithToken(cfg.APIKey))
	}
	if cfg.Model != "" {
		opts = append(opts, anthropic.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	client, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating anthropic client: %w", err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &anthropicProvider{model: client, maxTokens: maxTokens}, nil
}

func (p *anthropicProvider) SupportsJSONMode() bool { return false }

func (p *anthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	callOpts := []llms.CallOption{
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(maxTokens),
	}
	if req.Model != "" {
		callOpts = append(callOpts, llms.WithModel(req.Model))
	}

	resp, err := p.model.GenerateContent(ctx, toMessageContent(req.Messages), callOpts...)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Content:      choice.Content,
		Model:        req.Model,
		FinishReason: choice.StopReason,
	}
	if v, ok := choice.GenerationInfo["InputTokens"].(int); ok {
		out.PromptTokens = v
	}
	if v, ok := choice.GenerationInfo["OutputTokens"].(int); ok {
		out.CompletionTokens = v
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	return out, nil
}

func (p *anthropicProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, ErrEmbeddingUnsupported
}

func toMessageContent(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}
