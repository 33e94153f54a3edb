// Package groq adapts Groq's OpenAI-compatible Chat Completions API to
// the provider.Provider contract by reusing provider/openai with a
// BaseURL override, grounded on the pack's OpenRouter-via-go-openai
// pattern (nexus internal/agent/providers/openrouter.go uses the same
// technique for a different OpenAI-compatible vendor).
package groq

import (
	"github.com/agentruntime/core/provider"
	"github.com/agentruntime/core/provider/openai"
)

const defaultBaseURL = "https://api.groq.com/openai/v1"

// Config configures the Groq adapter.
type Config struct {
	APIKey  string
	BaseURL string
	Prices  *provider.PriceTable
}

// New constructs a Groq provider.Provider.
func New(cfg Config) *openai.Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openai.New(openai.Config{
		Name:    "groq",
		APIKey:  cfg.APIKey,
		BaseURL: baseURL,
		Prices:  cfg.Prices,
	})
}
