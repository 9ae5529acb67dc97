package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient wraps the Google GenAI SDK. Client creation needs a context,
// so it is deferred to the first Complete call.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a raw Gemini client for the given model.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		apiKey: apiKey,
		model:  model,
	}
}

func (c *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if c.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return CompletionResponse{}, fmt.Errorf("failed to create gemini client: %w", err)
		}
		c.client = client
	}

	system, rest := splitSystem(in.Messages)

	//nolint:gosec // MaxTokens is bounded by config validation
	config := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(flatten(rest)), config)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("gemini completion failed: %w", err)
	}
	if result == nil {
		return CompletionResponse{}, fmt.Errorf("empty response from gemini")
	}
	return CompletionResponse{Content: result.Text()}, nil
}

func (c *GeminiClient) ModelName() string {
	return c.model
}
