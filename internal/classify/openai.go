package classify

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/deusflow/harvester/internal/gemini"
)

// OpenAI classifies through the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a provider. An empty baseURL means the public API.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: openai.GPT4oMini}
}

func (o *OpenAI) ClassifySector(ctx context.Context, keyword string, sectors []string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: gemini.Prompt(keyword, sectors),
			},
		},
		MaxTokens:   20,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI")
	}

	return gemini.ParseSector(resp.Choices[0].Message.Content, sectors)
}
