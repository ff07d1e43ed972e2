package ai

import "context"

// Runtime is the minimal interface implemented by chat model backends:
// any OpenAI-compatible endpoint, or a local Ollama runtime.
type Runtime interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// Provider identifiers accepted by the configuration layer.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderTyphoon    = "typhoon"
	ProviderOllama     = "ollama"
)

// RequiresAPIKey reports whether a provider needs a credential to be usable.
func RequiresAPIKey(provider string) bool {
	return provider != ProviderOllama
}
