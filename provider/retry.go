package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/agentruntime/core/model"
)

// RetryConfig controls WrapProvider's backoff policy. MaxAttempts
// includes the initial attempt. BaseDelay is the first retry's backoff
// before jitter; delay doubles each subsequent attempt and jitter adds
// up to BaseDelay extra (full jitter).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(error) bool
}

func (c RetryConfig) normalizedAttempts() int {
	if c.MaxAttempts <= 0 {
		return 1
	}
	return c.MaxAttempts
}

func (c RetryConfig) normalizedBaseDelay() time.Duration {
	if c.BaseDelay <= 0 {
		return 100 * time.Millisecond
	}
	return c.BaseDelay
}

// defaultShouldRetry retries the taxonomy kinds spec.md §4.2 marks
// retryable: RateLimit, Timeout, Unavailable, and transport errors
// (anything not matched to a specific kind by ClassifyHTTPStatus falls
// through to ProviderAPI, which this treats as non-retryable — only the
// three explicitly retryable kinds retry; adapters report deadlines and
// transport failures as Timeout or Unavailable, and context.Canceled
// never retries).
func defaultShouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch {
	case errors.Is(err, model.ErrProviderRateLimit):
		return true
	case errors.Is(err, model.ErrProviderTimeout):
		return true
	case errors.Is(err, model.ErrProviderUnavailable):
		return true
	default:
		return false
	}
}

func (c RetryConfig) shouldRetry(err error) bool {
	if c.ShouldRetry != nil {
		return c.ShouldRetry(err)
	}
	return defaultShouldRetry(err)
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	base := c.normalizedBaseDelay()
	delay := base * time.Duration(1<<uint(attempt-1))
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return delay + jitter
}

// retryingProvider decorates a Provider with the retry policy described
// above, grounded on the teacher's policy/retry decorator shape
// generalized from linear to exponential-with-jitter backoff.
type retryingProvider struct {
	inner  Provider
	config RetryConfig
}

// WrapProvider returns a Provider that retries Generate/Embed/Moderate
// calls per cfg.
func WrapProvider(inner Provider, cfg RetryConfig) Provider {
	return &retryingProvider{inner: inner, config: cfg}
}

func (p *retryingProvider) Name() string { return p.inner.Name() }

func (p *retryingProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var resp GenerateResponse
	var err error
	attempts := p.config.normalizedAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err = p.inner.Generate(ctx, req)
		resp.Metrics.Attempts = attempt
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
		if attempt == attempts || !p.config.shouldRetry(err) {
			return resp, err
		}
		if !sleepOrDone(ctx, p.config.backoff(attempt)) {
			return resp, ctx.Err()
		}
	}
	return resp, err
}

func (p *retryingProvider) Embed(ctx context.Context, inputs []string, modelName string) (EmbedResponse, error) {
	var resp EmbedResponse
	var err error
	attempts := p.config.normalizedAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err = p.inner.Embed(ctx, inputs, modelName)
		resp.Metrics.Attempts = attempt
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
		if attempt == attempts || !p.config.shouldRetry(err) {
			return resp, err
		}
		if !sleepOrDone(ctx, p.config.backoff(attempt)) {
			return resp, ctx.Err()
		}
	}
	return resp, err
}

func (p *retryingProvider) Moderate(ctx context.Context, input string, modelName string) (ModerateResponse, error) {
	var resp ModerateResponse
	var err error
	attempts := p.config.normalizedAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err = p.inner.Moderate(ctx, input, modelName)
		resp.Metrics.Attempts = attempt
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
		if attempt == attempts || !p.config.shouldRetry(err) {
			return resp, err
		}
		if !sleepOrDone(ctx, p.config.backoff(attempt)) {
			return resp, ctx.Err()
		}
	}
	return resp, err
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
