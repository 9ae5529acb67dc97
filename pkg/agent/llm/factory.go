package llm

import (
	"fmt"
)

// Provider names accepted by the factory.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// NewClient constructs a raw client for the named provider. hostURL is only
// used by the ollama provider.
func NewClient(provider, model, apiKey, hostURL string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropicClient(apiKey, model), nil
	case ProviderOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAIClient(apiKey, model), nil
	case ProviderOllama:
		return NewOllamaClient(hostURL, model), nil
	case ProviderGemini:
		if apiKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		return NewGeminiClient(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
