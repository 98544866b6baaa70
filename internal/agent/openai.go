package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAI uses the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds a client. baseURL may be empty to use the public API.
func NewOpenAI(apiKey, model, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (o *OpenAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
