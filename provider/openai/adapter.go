// Package openai adapts github.com/sashabaranov/go-openai to the
// provider.Provider contract. The same adapter, pointed at a different
// BaseURL, also backs the Groq provider (see provider/groq) since Groq
// exposes an OpenAI-compatible Chat Completions endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/agentruntime/core/model"
	"github.com/agentruntime/core/provider"
)

// Config configures the adapter.
type Config struct {
	Name    string // reported by Name(); "openai" or "groq"
	APIKey  string
	BaseURL string // empty uses the SDK's default OpenAI endpoint
	Prices  *provider.PriceTable
}

// Adapter implements provider.Provider over the OpenAI Chat Completions API.
type Adapter struct {
	name   string
	client *openaisdk.Client
	prices *provider.PriceTable
}

// New constructs an Adapter from cfg.
func New(cfg Config) *Adapter {
	sdkConfig := openaisdk.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	prices := cfg.Prices
	if prices == nil {
		prices = provider.NewPriceTable()
	}
	return &Adapter{
		name:   name,
		client: openaisdk.NewClientWithConfig(sdkConfig),
		prices: prices,
	}
}

var _ provider.Provider = (*Adapter)(nil)

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Generate(ctx context.Context, req provider.GenerateRequest) (provider.GenerateResponse, error) {
	start := time.Now()
	messages := make([]openaisdk.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openaisdk.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	sdkReq := openaisdk.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Options.Temperature),
		TopP:        float32(req.Options.TopP),
		MaxTokens:   req.Options.MaxTokens,
		Stop:        req.Options.Stop,
	}
	if req.Options.ResponseFormat == "json" {
		sdkReq.ResponseFormat = &openaisdk.ChatCompletionResponseFormat{Type: openaisdk.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := a.client.CreateChatCompletion(ctx, sdkReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.GenerateResponse{Metrics: provider.Metrics{Provider: a.name, Model: req.Model, LatencyMS: latency}},
			a.classify(err)
	}
	if len(resp.Choices) == 0 {
		return provider.GenerateResponse{}, fmt.Errorf("%w: empty choices in response", model.ErrProviderAPI)
	}
	choice := resp.Choices[0]
	metrics := provider.Metrics{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          a.prices.Cost(a.name, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		LatencyMS:        latency,
		Provider:         a.name,
		Model:            req.Model,
	}
	return provider.GenerateResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Metrics:      metrics,
	}, nil
}

func (a *Adapter) Embed(ctx context.Context, inputs []string, modelName string) (provider.EmbedResponse, error) {
	start := time.Now()
	resp, err := a.client.CreateEmbeddings(ctx, openaisdk.EmbeddingRequest{
		Input: inputs,
		Model: openaisdk.EmbeddingModel(modelName),
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.EmbedResponse{Metrics: provider.Metrics{Provider: a.name, Model: modelName, LatencyMS: latency}},
			a.classify(err)
	}
	vectors := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float64, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float64(v)
		}
		vectors[i] = vec
	}
	return provider.EmbedResponse{
		Vectors: vectors,
		Metrics: provider.Metrics{
			PromptTokens: resp.Usage.PromptTokens,
			CostUSD:      a.prices.Cost(a.name, modelName, resp.Usage.PromptTokens, 0),
			LatencyMS:    latency,
			Provider:     a.name,
			Model:        modelName,
		},
	}, nil
}

func (a *Adapter) Moderate(ctx context.Context, input string, modelName string) (provider.ModerateResponse, error) {
	start := time.Now()
	resp, err := a.client.Moderations(ctx, openaisdk.ModerationRequest{Input: input})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return provider.ModerateResponse{Metrics: provider.Metrics{Provider: a.name, LatencyMS: latency}}, a.classify(err)
	}
	var flags []string
	for _, result := range resp.Results {
		categories := map[string]bool{
			"hate":                   result.Categories.Hate,
			"hate/threatening":       result.Categories.HateThreatening,
			"harassment":             result.Categories.Harassment,
			"harassment/threatening": result.Categories.HarassmentThreatening,
			"self-harm":              result.Categories.SelfHarm,
			"self-harm/intent":       result.Categories.SelfHarmIntent,
			"self-harm/instructions": result.Categories.SelfHarmInstructions,
			"sexual":                 result.Categories.Sexual,
			"sexual/minors":          result.Categories.SexualMinors,
			"violence":               result.Categories.Violence,
			"violence/graphic":       result.Categories.ViolenceGraphic,
		}
		for category, flagged := range categories {
			if flagged {
				flags = append(flags, category)
			}
		}
	}
	return provider.ModerateResponse{Flags: flags, Metrics: provider.Metrics{Provider: a.name, LatencyMS: latency}}, nil
}

// classify normalizes a go-openai error into the spec.md §4.2 taxonomy.
func (a *Adapter) classify(err error) error {
	var apiErr *openaisdk.APIError
	if errors.As(err, &apiErr) {
		return provider.ClassifyHTTPStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openaisdk.RequestError
	if errors.As(err, &reqErr) {
		return provider.ClassifyHTTPStatus(reqErr.HTTPStatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", model.ErrProviderUnavailable, err)
}
