// Package provider defines the ProviderAdapter contract: a uniform
// generate/embed/moderate surface over concrete LLM vendors, with
// normalized errors and per-call metrics. Concrete adapters live in
// provider/openai, provider/anthropic, and provider/groq.
package provider

import (
	"context"
	"fmt"

	"github.com/agentruntime/core/model"
)

// Options are the options recognized uniformly across providers.
// Providers ignore options they cannot honor rather than failing; which
// options were ignored is not recorded in Metrics or anywhere else.
type Options struct {
	Temperature    float64
	MaxTokens      int
	TopP           float64
	Stop           []string
	Stream         bool
	ResponseFormat string // "text" | "json"
}

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// GenerateRequest is the input to Provider.Generate.
type GenerateRequest struct {
	Messages []Message
	Model    string
	Options  Options
}

// Metrics is the per-call accounting attached to every provider response.
type Metrics struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMS        int64
	Provider         string
	Model            string
	Attempts         int
}

// GenerateResponse is the output of Provider.Generate.
type GenerateResponse struct {
	Content      string
	FinishReason string
	Metrics      Metrics
}

// EmbedResponse is the output of Provider.Embed.
type EmbedResponse struct {
	Vectors [][]float64
	Metrics Metrics
}

// ModerateResponse is the output of Provider.Moderate.
type ModerateResponse struct {
	Flags   []string
	Metrics Metrics
}

// Provider is the ProviderAdapter contract from spec.md §4.2. Embed and
// Moderate are optional: an adapter that doesn't support them returns an
// error wrapping model.ErrUnsupportedOp.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	Embed(ctx context.Context, inputs []string, modelName string) (EmbedResponse, error)
	Moderate(ctx context.Context, input string, modelName string) (ModerateResponse, error)
}

// PriceTable holds per-(provider, model) USD-per-token pricing, the
// "typed table" called for in spec.md's Design Notes. Prices are USD per
// single token, not per million, to keep CostUSD's formula a direct
// multiplication; callers that configure per-million prices divide by
// 1e6 before populating this table.
type PriceTable struct {
	prices map[string]map[string]Price
}

// Price is the input/output per-token price for one model.
type Price struct {
	InputPerToken  float64
	OutputPerToken float64
}

// NewPriceTable constructs an empty PriceTable.
func NewPriceTable() *PriceTable {
	return &PriceTable{prices: make(map[string]map[string]Price)}
}

// Set records the price for provider/model.
func (t *PriceTable) Set(providerName, modelName string, price Price) {
	if t.prices[providerName] == nil {
		t.prices[providerName] = make(map[string]Price)
	}
	t.prices[providerName][modelName] = price
}

// Cost computes cost_usd = prompt_tokens*in_price + completion_tokens*out_price.
// Cost calculation is linear in token counts per spec.md §8's testable
// property; an unpriced (provider, model) pair costs 0, not an error,
// since pricing is optional configuration.
func (t *PriceTable) Cost(providerName, modelName string, promptTokens, completionTokens int) float64 {
	byModel, ok := t.prices[providerName]
	if !ok {
		return 0
	}
	price, ok := byModel[modelName]
	if !ok {
		return 0
	}
	return float64(promptTokens)*price.InputPerToken + float64(completionTokens)*price.OutputPerToken
}

// ClassifyHTTPStatus maps an HTTP status code to the spec.md §4.2 error
// taxonomy. It is the single place adapters funnel vendor-specific
// status handling through, so the taxonomy stays uniform across
// provider/openai, provider/anthropic, and provider/groq.
func ClassifyHTTPStatus(status int, raw error) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: %v", model.ErrProviderAuth, raw)
	case status == 400 || status == 422:
		return fmt.Errorf("%w: %v", model.ErrProviderBadRequest, raw)
	case status == 429:
		return fmt.Errorf("%w: %v", model.ErrProviderRateLimit, raw)
	case status == 408 || status == 504:
		return fmt.Errorf("%w: %v", model.ErrProviderTimeout, raw)
	case status >= 500:
		return fmt.Errorf("%w: %v", model.ErrProviderUnavailable, raw)
	default:
		return fmt.Errorf("%w: %v", model.ErrProviderAPI, raw)
	}
}
