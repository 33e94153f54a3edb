// Package step implements StepProcessor: it executes one Step at a time
// per Turn (enforced by a per-turn sequence wait), dispatching by
// step_type to the provider, personality tool registry, or memory
// manager, grounded on nexus's internal/agent.Executor (semaphore
// back-pressure, panic-recovered execution, retry/backoff) and
// original_source/core/runtime.py's StepProcessor.handle_step_event
// (exact per-step-type parameter names).
package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/agentruntime/core/eventbus"
	"github.com/agentruntime/core/memory"
	"github.com/agentruntime/core/model"
	"github.com/agentruntime/core/personality"
	"github.com/agentruntime/core/provider"
	"github.com/agentruntime/core/runctx"
)

// ProviderResolver returns the provider.Provider registered under name.
type ProviderResolver func(name string) (provider.Provider, bool)

// Config bounds StepProcessor's behavior per spec.md §5/§6.
type Config struct {
	MaxConcurrentSteps   int
	MaxStepExecutionRetries int
	StepTimeout          time.Duration
}

// Processor subscribes to every step.execute.* event and runs steps one
// at a time per Turn, enforced by a per-turn sequence wait (plan.NextIndex),
// while bounding total in-flight steps across the process with a semaphore.
type Processor struct {
	bus           eventbus.Bus
	store         *runctx.Store
	personalities *personality.Manager
	memoryManager *memory.Manager
	resolveProv   ProviderResolver
	cfg           Config
	log           *slog.Logger
	now           func() time.Time

	sem chan struct{}
}

// New constructs a Processor and subscribes it to all three step.execute.* events.
func New(bus eventbus.Bus, store *runctx.Store, personalities *personality.Manager, memoryManager *memory.Manager, resolveProv ProviderResolver, cfg Config, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = 16
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	p := &Processor{
		bus:           bus,
		store:         store,
		personalities: personalities,
		memoryManager: memoryManager,
		resolveProv:   resolveProv,
		cfg:           cfg,
		log:           log,
		now:           time.Now,
		sem:           make(chan struct{}, cfg.MaxConcurrentSteps),
	}
	bus.Subscribe(model.EventTypeStepExecuteLLMCall, p.handleStepEvent)
	bus.Subscribe(model.EventTypeStepExecuteToolCall, p.handleStepEvent)
	bus.Subscribe(model.EventTypeStepExecuteMemoryOp, p.handleStepEvent)
	return p
}

func (p *Processor) handleStepEvent(ctx context.Context, envelope model.EventEnvelope) error {
	payload, ok := envelope.Payload.(model.StepExecutePayload)
	if !ok {
		return fmt.Errorf("step: unexpected payload type %T", envelope.Payload)
	}
	step := payload.Step

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	turn, err := p.store.GetTurn(ctx, step.TurnID)
	if err != nil {
		return nil // turn is gone, nothing to do
	}
	if turn.Status.IsTerminal() {
		return nil // dropped per §4.7 step 1
	}

	if !p.waitForTurn(ctx, step) {
		return nil
	}

	turn, err = p.store.GetTurn(ctx, step.TurnID)
	if err != nil || turn.Status.IsTerminal() {
		return nil
	}

	result := p.runWithRetries(ctx, turn, step)

	resultEnvelope := model.EventEnvelope{
		EventID:   uuid.NewString(),
		EventType: model.EventTypeStepResult,
		TraceID:   turn.TraceID,
		TurnID:    step.TurnID,
		PlanID:    step.PlanID,
		StepID:    step.StepID,
		Timestamp: p.now(),
		Payload:   model.StepResultPayload{Step: result},
	}
	return p.bus.Publish(ctx, resultEnvelope)
}

// waitForTurn blocks until plan.NextIndex has reached step.step_index for
// the turn, or the turn goes terminal or ctx is cancelled. It polls on a
// short tick rather than parking on a condition variable so a cancelled
// ctx always unblocks the waiter even if no further step ever completes.
func (p *Processor) waitForTurn(ctx context.Context, step model.Step) bool {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		turn, err := p.store.GetTurn(ctx, step.TurnID)
		if err != nil || turn.Plan == nil || turn.Status.IsTerminal() {
			return false
		}
		if turn.Plan.NextIndex() >= step.StepIndex {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

var retryableErrorKinds = map[string]bool{
	string(model.ErrorKindProviderRateLimit):  true,
	string(model.ErrorKindProviderTimeout):    true,
	string(model.ErrorKindProviderUnavailable): true,
}

func (p *Processor) runWithRetries(ctx context.Context, turn model.Turn, step model.Step) model.Step {
	step.Status = model.StepStatusRunning
	step.StartedAt = p.now()

	var lastResult model.Step
	maxAttempts := p.cfg.MaxStepExecutionRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastResult = p.executeOnce(ctx, turn, step)
		if lastResult.Status == model.StepStatusSucceeded {
			return lastResult
		}
		if lastResult.Error == nil || !retryableErrorKinds[lastResult.Error.Code] {
			return lastResult
		}
	}
	return lastResult
}

// executeOnce runs a single attempt of step with panic recovery and a
// per-step wall-clock timeout.
func (p *Processor) executeOnce(ctx context.Context, turn model.Turn, step model.Step) (result model.Step) {
	result = step
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	type outcome struct {
		value   any
		metrics *model.StepMetrics
		err     error
		kind    model.ErrorKind
	}
	out := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("step: handler panicked", "step_id", step.StepID, "panic", r, "stack", string(debug.Stack()))
				out <- outcome{err: fmt.Errorf("step panicked: %v", r), kind: model.ErrorKindToolExecution}
			}
		}()
		value, metrics, err := p.dispatch(execCtx, turn, step)
		if err != nil {
			out <- outcome{err: err, kind: classifyStepError(err), metrics: metrics}
			return
		}
		out <- outcome{value: value, metrics: metrics}
	}()

	select {
	case o := <-out:
		result.Metrics = o.metrics
		if o.err != nil {
			result.Status = model.StepStatusFailed
			result.Error = &model.ErrorInfo{Code: string(o.kind), Message: o.err.Error()}
			return result
		}
		result.Status = model.StepStatusSucceeded
		result.Result = o.value
		return result
	case <-execCtx.Done():
		result.Status = model.StepStatusFailed
		result.Error = &model.ErrorInfo{Code: string(model.ErrorKindProviderTimeout), Message: "step execution timed out"}
		return result
	}
}

func (p *Processor) dispatch(ctx context.Context, turn model.Turn, step model.Step) (any, *model.StepMetrics, error) {
	switch step.StepType {
	case model.StepTypeLLMCall:
		return p.dispatchLLMCall(ctx, turn, step)
	case model.StepTypeToolCall:
		return p.dispatchToolCall(ctx, turn, step)
	case model.StepTypeMemoryOp:
		return p.dispatchMemoryOp(ctx, step)
	default:
		return nil, nil, fmt.Errorf("%w: unknown step_type %q", model.ErrStepExecution, step.StepType)
	}
}

func (p *Processor) dispatchLLMCall(ctx context.Context, turn model.Turn, step model.Step) (any, *model.StepMetrics, error) {
	instance, ok := p.personalities.Get(turn.PersonalityID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: personality %q not found", model.ErrPersonalityNotFound, turn.PersonalityID)
	}
	prompt, _ := step.Parameters["prompt"].(string)
	modelName, _ := step.Parameters["model"].(string)
	if modelName == "" {
		modelName = instance.DefaultModel
	}
	providerName := instance.DefaultProvider
	if override, ok := step.Parameters["provider"].(string); ok && override != "" {
		providerName = override
	}
	prov, ok := p.resolveProv(providerName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: provider %q not configured", model.ErrProviderAPI, providerName)
	}

	resp, err := prov.Generate(ctx, provider.GenerateRequest{
		Messages: []provider.Message{
			{Role: "system", Content: instance.SystemPromptText},
			{Role: "user", Content: prompt},
		},
		Model: modelName,
	})
	if err != nil {
		return nil, stepMetricsFromProvider(resp.Metrics), err
	}
	return resp.Content, stepMetricsFromProvider(resp.Metrics), nil
}

func stepMetricsFromProvider(m provider.Metrics) *model.StepMetrics {
	return &model.StepMetrics{
		LatencyMS:        m.LatencyMS,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		CostUSD:          m.CostUSD,
		Provider:         m.Provider,
		Model:            m.Model,
	}
}

func (p *Processor) dispatchToolCall(ctx context.Context, turn model.Turn, step model.Step) (any, *model.StepMetrics, error) {
	toolName, _ := step.Parameters["tool_name"].(string)
	arguments, _ := step.Parameters["arguments"].(map[string]any)
	start := p.now()
	result, err := p.personalities.ExecuteTool(ctx, turn.PersonalityID, toolName, arguments)
	latency := p.now().Sub(start).Milliseconds()
	if err != nil {
		return nil, &model.StepMetrics{LatencyMS: latency}, fmt.Errorf("%w: %v", model.ErrToolExecution, err)
	}
	return result, &model.StepMetrics{LatencyMS: latency}, nil
}

func (p *Processor) dispatchMemoryOp(ctx context.Context, step model.Step) (any, *model.StepMetrics, error) {
	operation, _ := step.Parameters["operation"].(string)
	start := p.now()

	switch operation {
	case "search":
		query, _ := step.Parameters["query"].(string)
		limit := paramInt(step.Parameters["limit"])
		results := p.memoryManager.Search(ctx, query, limit, nil)
		return results, &model.StepMetrics{LatencyMS: p.now().Sub(start).Milliseconds()}, nil
	case "retrieve":
		id, _ := step.Parameters["id"].(string)
		entry, err := p.memoryManager.Get(ctx, id)
		latency := p.now().Sub(start).Milliseconds()
		if err != nil {
			return nil, &model.StepMetrics{LatencyMS: latency}, err
		}
		return entry, &model.StepMetrics{LatencyMS: latency}, nil
	case "store":
		text, _ := step.Parameters["text"].(string)
		metadata, _ := step.Parameters["metadata"].(map[string]any)
		id, err := p.memoryManager.Store(ctx, text, metadata)
		latency := p.now().Sub(start).Milliseconds()
		if err != nil {
			return nil, &model.StepMetrics{LatencyMS: latency}, err
		}
		return id, &model.StepMetrics{LatencyMS: latency}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown memory operation %q", model.ErrStepExecution, operation)
	}
}

// paramInt coerces a step parameter value into an int. Plan parameters
// arrive from JSON decoded into map[string]any, where json.Unmarshal
// represents every number as float64, so a plain type assertion to int
// would always fail.
func paramInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func classifyStepError(err error) model.ErrorKind {
	switch {
	case errors.Is(err, model.ErrProviderRateLimit):
		return model.ErrorKindProviderRateLimit
	case errors.Is(err, model.ErrProviderTimeout):
		return model.ErrorKindProviderTimeout
	case errors.Is(err, model.ErrProviderUnavailable):
		return model.ErrorKindProviderUnavailable
	case errors.Is(err, model.ErrProviderAuth):
		return model.ErrorKindProviderAuth
	case errors.Is(err, model.ErrToolExecution):
		return model.ErrorKindToolExecution
	case errors.Is(err, model.ErrMemoryBackend):
		return model.ErrorKindMemoryBackend
	default:
		return model.ErrorKindInternal
	}
}
