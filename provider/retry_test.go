package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentruntime/core/model"
)

type scriptedProvider struct {
	responses []func() (GenerateResponse, error)
	calls     int
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if s.calls >= len(s.responses) {
		return GenerateResponse{}, errors.New("script exhausted")
	}
	resp, err := s.responses[s.calls]()
	s.calls++
	return resp, err
}

func (s *scriptedProvider) Embed(ctx context.Context, inputs []string, modelName string) (EmbedResponse, error) {
	return EmbedResponse{}, nil
}

func (s *scriptedProvider) Moderate(ctx context.Context, input string, modelName string) (ModerateResponse, error) {
	return ModerateResponse{}, nil
}

func TestWrapProviderRetriesRateLimitThenSucceeds(t *testing.T) {
	inner := &scriptedProvider{responses: []func() (GenerateResponse, error){
		func() (GenerateResponse, error) { return GenerateResponse{}, model.ErrProviderRateLimit },
		func() (GenerateResponse, error) { return GenerateResponse{}, model.ErrProviderRateLimit },
		func() (GenerateResponse, error) { return GenerateResponse{Content: "4"}, nil },
	}}
	wrapped := WrapProvider(inner, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})
	resp, err := wrapped.Generate(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "4" {
		t.Fatalf("content = %q, want 4", resp.Content)
	}
	if resp.Metrics.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", resp.Metrics.Attempts)
	}
}

func TestWrapProviderDoesNotRetryAuthError(t *testing.T) {
	inner := &scriptedProvider{responses: []func() (GenerateResponse, error){
		func() (GenerateResponse, error) { return GenerateResponse{}, model.ErrProviderAuth },
	}}
	wrapped := WrapProvider(inner, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond})
	_, err := wrapped.Generate(context.Background(), GenerateRequest{})
	if !errors.Is(err, model.ErrProviderAuth) {
		t.Fatalf("expected ErrProviderAuth, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on auth error)", inner.calls)
	}
}

func TestWrapProviderExhaustsRetriesOnPersistentRateLimit(t *testing.T) {
	inner := &scriptedProvider{responses: []func() (GenerateResponse, error){
		func() (GenerateResponse, error) { return GenerateResponse{}, model.ErrProviderRateLimit },
		func() (GenerateResponse, error) { return GenerateResponse{}, model.ErrProviderRateLimit },
		func() (GenerateResponse, error) { return GenerateResponse{}, model.ErrProviderRateLimit },
	}}
	wrapped := WrapProvider(inner, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})
	resp, err := wrapped.Generate(context.Background(), GenerateRequest{})
	if !errors.Is(err, model.ErrProviderRateLimit) {
		t.Fatalf("expected ErrProviderRateLimit, got %v", err)
	}
	if resp.Metrics.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", resp.Metrics.Attempts)
	}
}

func TestPriceTableCostIsLinearInTokens(t *testing.T) {
	table := NewPriceTable()
	table.Set("openai", "gpt-4.1-mini", Price{InputPerToken: 0.0000002, OutputPerToken: 0.0000008})
	cost := table.Cost("openai", "gpt-4.1-mini", 1000, 500)
	want := 1000*0.0000002 + 500*0.0000008
	if cost != want {
		t.Fatalf("cost = %v, want %v", cost, want)
	}
}

func TestPriceTableUnknownModelCostsZero(t *testing.T) {
	table := NewPriceTable()
	if cost := table.Cost("openai", "unknown-model", 100, 100); cost != 0 {
		t.Fatalf("cost = %v, want 0", cost)
	}
}

func TestClassifyHTTPStatusMapsToTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{401, model.ErrProviderAuth},
		{403, model.ErrProviderAuth},
		{400, model.ErrProviderBadRequest},
		{429, model.ErrProviderRateLimit},
		{408, model.ErrProviderTimeout},
		{500, model.ErrProviderUnavailable},
		{503, model.ErrProviderUnavailable},
		{418, model.ErrProviderAPI},
	}
	for _, c := range cases {
		err := ClassifyHTTPStatus(c.status, errors.New("raw"))
		if !errors.Is(err, c.want) {
			t.Errorf("status %d: got %v, want wrapping %v", c.status, err, c.want)
		}
	}
}
