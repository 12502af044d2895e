// Package ai wraps the OpenAI chat completion API used by the AI tools.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyCompletion is returned when the model produced no choices.
var ErrEmptyCompletion = errors.New("ai: empty completion")

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
}

// Request describes a JSON-mode chat completion.
type Request struct {
	Messages    []Message
	Temperature float32
}

// Completer produces the raw text of a JSON-mode completion.
type Completer interface {
	CompleteJSON(ctx context.Context, req Request) (string, error)
}

// OpenAI implements Completer with go-openai.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI constructs a completer. An empty baseURL uses the public API.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

// CompleteJSON requests a json_object response and returns the first choice content.
func (o *OpenAI) CompleteJSON(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          o.model,
		Messages:       messages,
		Temperature:    req.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// Roles re-exported for prompt builders.
const (
	RoleSystem = openai.ChatMessageRoleSystem
	RoleUser   = openai.ChatMessageRoleUser
)
