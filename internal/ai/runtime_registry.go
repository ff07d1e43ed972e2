package ai

import (
	"fmt"
	"sort"
	"time"
)

// RuntimeFactory builds a Runtime from the generic config below.
type RuntimeFactory func(RuntimeConfig) Runtime

// RuntimeConfig carries common knobs used by runtimes.
type RuntimeConfig struct {
	HTTPTimeout time.Duration
	RetryMax    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OpenAI-compatible endpoints
	APIKey  string
	BaseURL string
	// Ollama
	Host string
}

var registry = map[string]RuntimeFactory{}

// RegisterRuntime registers a provider name with its factory.
func RegisterRuntime(name string, f RuntimeFactory) { registry[name] = f }

// GetRuntime creates a Runtime for the given provider if registered.
func GetRuntime(name string, cfg RuntimeConfig) (Runtime, bool) {
	if f, ok := registry[name]; ok {
		return f(cfg), true
	}
	return nil, false
}

// MustRuntime is GetRuntime with an error for unknown providers.
func MustRuntime(name string, cfg RuntimeConfig) (Runtime, error) {
	rt, ok := GetRuntime(name, cfg)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %v)", name, Providers())
	}
	return rt, nil
}

// Providers lists registered provider names in sorted order.
func Providers() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// openAICompatible leaves timeout and retry defaults to NewClient.
func openAICompatible(defaultBaseURL string) RuntimeFactory {
	return func(c RuntimeConfig) Runtime {
		if c.BaseURL == "" {
			c.BaseURL = defaultBaseURL
		}
		return NewClient(c.APIKey, c.BaseURL, c.HTTPTimeout, c.RetryMax, c.BaseDelay, c.MaxDelay)
	}
}

func init() {
	RegisterRuntime(ProviderOpenAI, openAICompatible(DefaultBaseURL))
	RegisterRuntime(ProviderOpenRouter, openAICompatible("https://openrouter.ai/api/v1"))
	RegisterRuntime(ProviderTyphoon, openAICompatible("https://api.opentyphoon.ai/v1"))
	RegisterRuntime(ProviderOllama, func(c RuntimeConfig) Runtime {
		host := c.Host
		if host == "" {
			host = c.BaseURL
		}
		return NewOllamaClient(host, c.HTTPTimeout, c.RetryMax, c.BaseDelay, c.MaxDelay)
	})
}
