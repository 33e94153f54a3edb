// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to
// the provider.Provider contract.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentruntime/core/model"
	"github.com/agentruntime/core/provider"
)

// Config configures the adapter.
type Config struct {
	APIKey        string
	BaseURL       string
	Prices        *provider.PriceTable
	DefaultMaxTok int
}

// Adapter implements provider.Provider over the Anthropic Messages API.
type Adapter struct {
	client        *anthropicsdk.Client
	prices        *provider.PriceTable
	defaultMaxTok int
}

// New constructs an Adapter from cfg.
func New(cfg Config) *Adapter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	prices := cfg.Prices
	if prices == nil {
		prices = provider.NewPriceTable()
	}
	maxTok := cfg.DefaultMaxTok
	if maxTok <= 0 {
		maxTok = 1024
	}
	return &Adapter{
		client:        anthropicsdk.NewClient(opts...),
		prices:        prices,
		defaultMaxTok: maxTok,
	}
}

var _ provider.Provider = (*Adapter)(nil)

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Generate(ctx context.Context, req provider.GenerateRequest) (provider.GenerateResponse, error) {
	start := time.Now()

	var system string
	messages := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			messages = append(messages, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.Options.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(a.defaultMaxTok)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.F(anthropicsdk.Model(req.Model)),
		Messages:  anthropicsdk.F(messages),
		MaxTokens: anthropicsdk.F(maxTokens),
	}
	if system != "" {
		params.System = anthropicsdk.F([]anthropicsdk.TextBlockParam{anthropicsdk.NewTextBlock(system)})
	}
	if req.Options.Temperature != 0 {
		params.Temperature = anthropicsdk.Float(req.Options.Temperature)
	}
	if req.Options.TopP != 0 {
		params.TopP = anthropicsdk.Float(req.Options.TopP)
	}
	if len(req.Options.Stop) > 0 {
		params.StopSequences = anthropicsdk.F(req.Options.Stop)
	}

	resp, err := a.client.Messages.New(ctx, params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.GenerateResponse{Metrics: provider.Metrics{Provider: a.Name(), Model: req.Model, LatencyMS: latency}},
			a.classify(err)
	}

	var content string
	for _, block := range resp.Content {
		if text := block.Text; text != "" {
			content += text
		}
	}

	promptTokens := int(resp.Usage.InputTokens)
	completionTokens := int(resp.Usage.OutputTokens)
	metrics := provider.Metrics{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          a.prices.Cost(a.Name(), req.Model, promptTokens, completionTokens),
		LatencyMS:        latency,
		Provider:         a.Name(),
		Model:            req.Model,
	}
	return provider.GenerateResponse{
		Content:      content,
		FinishReason: string(resp.StopReason),
		Metrics:      metrics,
	}, nil
}

// Embed is not offered by the Anthropic Messages API.
func (a *Adapter) Embed(context.Context, []string, string) (provider.EmbedResponse, error) {
	return provider.EmbedResponse{}, fmt.Errorf("%w: anthropic provider does not support embed", model.ErrUnsupportedOp)
}

// Moderate is not offered by the Anthropic Messages API.
func (a *Adapter) Moderate(context.Context, string, string) (provider.ModerateResponse, error) {
	return provider.ModerateResponse{}, fmt.Errorf("%w: anthropic provider does not support moderate", model.ErrUnsupportedOp)
}

func (a *Adapter) classify(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return provider.ClassifyHTTPStatus(apiErr.StatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
}
