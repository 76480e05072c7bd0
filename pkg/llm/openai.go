package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAIProvider binds the gateway to a chat-completion HTTP API via the
// OpenAI Go SDK. A custom BaseURL supports any compatible endpoint.
type OpenAIProvider struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// OpenAIConfig configures the provider binding.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewOpenAIProvider creates the default provider binding.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Call sends prompt as a single user message and returns the completion
// text with the provider's token usage.
func (p *OpenAIProvider) Call(ctx context.Context, prompt string) (*ProviderResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: param.NewOpt(p.temperature),
		MaxTokens:   param.NewOpt(int64(p.maxTokens)),
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &ProviderResponse{
		Text: completion.Choices[0].Message.Content,
		Usage: &Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}
