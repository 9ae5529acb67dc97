package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaClient talks to a local Ollama runtime, useful for development
// without cloud credentials.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client for an Ollama server, defaulting to the
// standard local address when hostURL is empty or invalid.
func NewOllamaClient(hostURL, model string) *OllamaClient {
	if hostURL == "" {
		hostURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaClient{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

func (c *OllamaClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	messages := make([]api.Message, 0, len(in.Messages))
	for _, msg := range in.Messages {
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var content string
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		return nil
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("ollama completion failed: %w", err)
	}
	return CompletionResponse{Content: content}, nil
}

func (c *OllamaClient) ModelName() string {
	return c.model
}
