package step

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentruntime/core/eventbus"
	"github.com/agentruntime/core/memory"
	"github.com/agentruntime/core/memory/inmem"
	"github.com/agentruntime/core/model"
	"github.com/agentruntime/core/personality"
	"github.com/agentruntime/core/provider"
	"github.com/agentruntime/core/provider/providertest"
	"github.com/agentruntime/core/runctx"
	"github.com/agentruntime/core/tooling"
)

func setupTestPersonality(t *testing.T, handlers map[string]tooling.Handler) *personality.Manager {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "assistant")
	os.MkdirAll(dir, 0o755)
	toolsYAML := ""
	for name := range handlers {
		toolsYAML += "\n  - " + name
	}
	manifest := "id: assistant\nname: assistant\nversion: \"1.0.0\"\nprovider: test\nmodel: test-model\ntools:" + toolsYAML + "\n"
	os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644)

	registry := tooling.NewRegistry(handlers)
	mgr := personality.New(root, "", registry, nil)
	mgr.Load()
	return mgr
}

func turnWithPlan(turnID string, steps []model.Step) model.Turn {
	now := time.Now()
	plan := model.Plan{PlanID: "p1", TurnID: turnID, Steps: steps, Status: model.PlanStatusInProgress}
	return model.Turn{
		TurnID:        turnID,
		TraceID:       uuid.NewString(),
		Status:        model.TurnStatusExecuting,
		UserInput:     model.Message{Role: "user", Content: "hi"},
		PersonalityID: "assistant",
		PlanID:        "p1",
		Plan:          &plan,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestStepProcessorExecutesLLMCallAndPublishesResult(t *testing.T) {
	personalities := setupTestPersonality(t, nil)
	store := runctx.New(nil)
	bus := eventbus.New(nil)
	scripted := providertest.New(providertest.Response{Content: "hello there"})

	steps := []model.Step{{StepID: "s1", TurnID: "t1", PlanID: "p1", StepIndex: 0, StepType: model.StepTypeLLMCall, Parameters: map[string]any{"prompt": "hi"}, Status: model.StepStatusPending}}
	store.CreateTurn(context.Background(), turnWithPlan("t1", steps))

	var results []model.Step
	bus.Subscribe(model.EventTypeStepResult, func(ctx context.Context, envelope model.EventEnvelope) error {
		results = append(results, envelope.Payload.(model.StepResultPayload).Step)
		return nil
	})

	New(bus, store, personalities, nil, func(name string) (provider.Provider, bool) {
		return scripted, true
	}, Config{}, nil)

	bus.Publish(context.Background(), model.EventEnvelope{
		EventID: uuid.NewString(), EventType: model.EventTypeStepExecuteLLMCall,
		TraceID: "trace", TurnID: "t1", PlanID: "p1", StepID: "s1", Timestamp: time.Now(),
		Payload: model.StepExecutePayload{Step: steps[0]},
	})
	bus.Wait()

	if len(results) != 1 {
		t.Fatalf("expected 1 step result, got %d", len(results))
	}
	if results[0].Status != model.StepStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s: %+v", results[0].Status, results[0].Error)
	}
	if results[0].Result != "hello there" {
		t.Fatalf("unexpected result: %v", results[0].Result)
	}
}

func TestStepProcessorExecutesToolCallAndPublishesResult(t *testing.T) {
	var called int32
	personalities := setupTestPersonality(t, map[string]tooling.Handler{
		"search": func(ctx context.Context, args map[string]any) (any, error) {
			atomic.AddInt32(&called, 1)
			return "search result", nil
		},
	})
	store := runctx.New(nil)
	bus := eventbus.New(nil)

	steps := []model.Step{{StepID: "s1", TurnID: "t1", PlanID: "p1", StepIndex: 0, StepType: model.StepTypeToolCall, Parameters: map[string]any{"tool_name": "search", "arguments": map[string]any{}}, Status: model.StepStatusPending}}
	store.CreateTurn(context.Background(), turnWithPlan("t1", steps))

	var results []model.Step
	bus.Subscribe(model.EventTypeStepResult, func(ctx context.Context, envelope model.EventEnvelope) error {
		results = append(results, envelope.Payload.(model.StepResultPayload).Step)
		return nil
	})

	New(bus, store, personalities, nil, func(name string) (provider.Provider, bool) { return nil, false }, Config{}, nil)

	bus.Publish(context.Background(), model.EventEnvelope{
		EventID: uuid.NewString(), EventType: model.EventTypeStepExecuteToolCall,
		TraceID: "trace", TurnID: "t1", PlanID: "p1", StepID: "s1", Timestamp: time.Now(),
		Payload: model.StepExecutePayload{Step: steps[0]},
	})
	bus.Wait()

	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("expected tool to be called once, got %d", called)
	}
	if len(results) != 1 || results[0].Status != model.StepStatusSucceeded {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestStepProcessorExecutesMemoryStoreOp(t *testing.T) {
	personalities := setupTestPersonality(t, nil)
	store := runctx.New(nil)
	bus := eventbus.New(nil)
	memManager := memory.New(inmem.New(), 0, nil)

	steps := []model.Step{{StepID: "s1", TurnID: "t1", PlanID: "p1", StepIndex: 0, StepType: model.StepTypeMemoryOp, Parameters: map[string]any{"operation": "store", "text": "remember this"}, Status: model.StepStatusPending}}
	store.CreateTurn(context.Background(), turnWithPlan("t1", steps))

	var results []model.Step
	bus.Subscribe(model.EventTypeStepResult, func(ctx context.Context, envelope model.EventEnvelope) error {
		results = append(results, envelope.Payload.(model.StepResultPayload).Step)
		return nil
	})

	New(bus, store, personalities, memManager, func(name string) (provider.Provider, bool) { return nil, false }, Config{}, nil)

	bus.Publish(context.Background(), model.EventEnvelope{
		EventID: uuid.NewString(), EventType: model.EventTypeStepExecuteMemoryOp,
		TraceID: "trace", TurnID: "t1", PlanID: "p1", StepID: "s1", Timestamp: time.Now(),
		Payload: model.StepExecutePayload{Step: steps[0]},
	})
	bus.Wait()

	if len(results) != 1 || results[0].Status != model.StepStatusSucceeded {
		t.Fatalf("unexpected results: %+v", results)
	}
	if _, ok := results[0].Result.(string); !ok {
		t.Fatalf("expected store to return a string id, got %T", results[0].Result)
	}
}

func TestStepProcessorAttachesMetricsOnFailedProviderCall(t *testing.T) {
	personalities := setupTestPersonality(t, nil)
	store := runctx.New(nil)
	bus := eventbus.New(nil)
	scripted := providertest.New(providertest.Response{Err: model.ErrProviderRateLimit})

	steps := []model.Step{{StepID: "s1", TurnID: "t1", PlanID: "p1", StepIndex: 0, StepType: model.StepTypeLLMCall, Parameters: map[string]any{"prompt": "hi"}, Status: model.StepStatusPending}}
	store.CreateTurn(context.Background(), turnWithPlan("t1", steps))

	var results []model.Step
	bus.Subscribe(model.EventTypeStepResult, func(ctx context.Context, envelope model.EventEnvelope) error {
		results = append(results, envelope.Payload.(model.StepResultPayload).Step)
		return nil
	})

	New(bus, store, personalities, nil, func(name string) (provider.Provider, bool) {
		return scripted, true
	}, Config{MaxStepExecutionRetries: 0}, nil)

	bus.Publish(context.Background(), model.EventEnvelope{
		EventID: uuid.NewString(), EventType: model.EventTypeStepExecuteLLMCall,
		TraceID: "trace", TurnID: "t1", PlanID: "p1", StepID: "s1", Timestamp: time.Now(),
		Payload: model.StepExecutePayload{Step: steps[0]},
	})
	bus.Wait()

	if len(results) != 1 {
		t.Fatalf("expected 1 step result, got %d", len(results))
	}
	if results[0].Status != model.StepStatusFailed {
		t.Fatalf("expected FAILED, got %s", results[0].Status)
	}
	if results[0].Metrics == nil {
		t.Fatal("expected non-nil metrics on a failed step, per spec.md's retry-exhaustion property")
	}
}

func TestStepProcessorDropsStepWhenTurnAlreadyTerminal(t *testing.T) {
	personalities := setupTestPersonality(t, nil)
	store := runctx.New(nil)
	bus := eventbus.New(nil)

	steps := []model.Step{{StepID: "s1", TurnID: "t1", PlanID: "p1", StepIndex: 0, StepType: model.StepTypeLLMCall, Parameters: map[string]any{"prompt": "hi"}}}
	turn := turnWithPlan("t1", steps)
	turn.Status = model.TurnStatusFailed
	turn.ErrorInfo = &model.ErrorInfo{Code: "TurnTimeout", Message: "too slow"}
	store.CreateTurn(context.Background(), turn)

	var results []model.Step
	bus.Subscribe(model.EventTypeStepResult, func(ctx context.Context, envelope model.EventEnvelope) error {
		results = append(results, envelope.Payload.(model.StepResultPayload).Step)
		return nil
	})

	New(bus, store, personalities, nil, func(name string) (provider.Provider, bool) { return nil, false }, Config{}, nil)

	bus.Publish(context.Background(), model.EventEnvelope{
		EventID: uuid.NewString(), EventType: model.EventTypeStepExecuteLLMCall,
		TraceID: "trace", TurnID: "t1", PlanID: "p1", StepID: "s1", Timestamp: time.Now(),
		Payload: model.StepExecutePayload{Step: steps[0]},
	})
	bus.Wait()

	if len(results) != 0 {
		t.Fatalf("expected step to be dropped for terminal turn, got %d results", len(results))
	}
}

func TestStepProcessorSequencesStepsInOrder(t *testing.T) {
	personalities := setupTestPersonality(t, nil)
	store := runctx.New(nil)
	bus := eventbus.New(nil)
	scripted := providertest.New(
		providertest.Response{Content: "first"},
		providertest.Response{Content: "second"},
	)

	steps := []model.Step{
		{StepID: "s0", TurnID: "t1", PlanID: "p1", StepIndex: 0, StepType: model.StepTypeLLMCall, Parameters: map[string]any{"prompt": "a"}},
		{StepID: "s1", TurnID: "t1", PlanID: "p1", StepIndex: 1, StepType: model.StepTypeLLMCall, Parameters: map[string]any{"prompt": "b"}},
	}
	store.CreateTurn(context.Background(), turnWithPlan("t1", steps))

	var order []string
	bus.Subscribe(model.EventTypeStepResult, func(ctx context.Context, envelope model.EventEnvelope) error {
		result := envelope.Payload.(model.StepResultPayload).Step
		store.UpdateTurn(ctx, "t1", func(turn model.Turn) (model.Turn, error) {
			for i := range turn.Plan.Steps {
				if turn.Plan.Steps[i].StepID == result.StepID {
					turn.Plan.Steps[i] = result
				}
			}
			return turn, nil
		})
		order = append(order, result.StepID)
		return nil
	})

	New(bus, store, personalities, nil, func(name string) (provider.Provider, bool) { return scripted, true }, Config{}, nil)

	// publish step 1 first to verify it waits for step 0
	bus.Publish(context.Background(), model.EventEnvelope{
		EventID: uuid.NewString(), EventType: model.EventTypeStepExecuteLLMCall,
		TraceID: "trace", TurnID: "t1", PlanID: "p1", StepID: "s1", Timestamp: time.Now(),
		Payload: model.StepExecutePayload{Step: steps[1]},
	})
	time.Sleep(20 * time.Millisecond)
	bus.Publish(context.Background(), model.EventEnvelope{
		EventID: uuid.NewString(), EventType: model.EventTypeStepExecuteLLMCall,
		TraceID: "trace", TurnID: "t1", PlanID: "p1", StepID: "s0", Timestamp: time.Now(),
		Payload: model.StepExecutePayload{Step: steps[0]},
	})
	bus.Wait()

	if len(order) != 2 || order[0] != "s0" || order[1] != "s1" {
		t.Fatalf("expected step 0 to complete before step 1, got %v", order)
	}
}
