package turn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentruntime/core/eventbus"
	"github.com/agentruntime/core/model"
	"github.com/agentruntime/core/personality"
	"github.com/agentruntime/core/runctx"
	"github.com/agentruntime/core/tooling"
)

func setupManagerPersonality(t *testing.T) *personality.Manager {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "assistant")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte("id: assistant\nname: assistant\nversion: \"1.0.0\"\n"), 0o644)
	mgr := personality.New(root, "", tooling.NewRegistry(nil), nil)
	mgr.Load()
	return mgr
}

func TestStartTurnRejectsUnknownPersonality(t *testing.T) {
	bus := eventbus.New(nil)
	store := runctx.New(nil)
	personalities := setupManagerPersonality(t)
	m := New(bus, store, personalities, Config{}, nil)

	_, _, err := m.StartTurn(context.Background(), model.Message{Role: "user", Content: "hi"}, "missing", "", nil)
	if !errors.Is(err, model.ErrPersonalityNotFound) {
		t.Fatalf("expected ErrPersonalityNotFound, got %v", err)
	}
}

// TestStartTurnRejectsUnknownPersonalityWithDefaultConfigured exercises
// the realistic production configuration (a non-empty
// default_personality_id, per cmd/agentruntimed/main.go) where an
// unknown, non-empty personality_id must still be rejected rather than
// silently falling back to the default.
func TestStartTurnRejectsUnknownPersonalityWithDefaultConfigured(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "assistant")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte("id: assistant\nname: assistant\nversion: \"1.0.0\"\n"), 0o644)
	personalities := personality.New(root, "assistant", tooling.NewRegistry(nil), nil)
	personalities.Load()

	bus := eventbus.New(nil)
	store := runctx.New(nil)
	m := New(bus, store, personalities, Config{}, nil)

	_, _, err := m.StartTurn(context.Background(), model.Message{Role: "user", Content: "hi"}, "does_not_exist", "", nil)
	if !errors.Is(err, model.ErrPersonalityNotFound) {
		t.Fatalf("expected ErrPersonalityNotFound, got %v", err)
	}
}

func TestStartTurnRejectsEmptyUserContent(t *testing.T) {
	bus := eventbus.New(nil)
	store := runctx.New(nil)
	personalities := setupManagerPersonality(t)
	m := New(bus, store, personalities, Config{}, nil)

	_, _, err := m.StartTurn(context.Background(), model.Message{Role: "user", Content: ""}, "assistant", "", nil)
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestStartTurnPublishesTurnStartAndReturnsIDs(t *testing.T) {
	bus := eventbus.New(nil)
	store := runctx.New(nil)
	personalities := setupManagerPersonality(t)

	var seen []model.EventEnvelope
	bus.Subscribe(model.EventTypeTurnStart, func(ctx context.Context, envelope model.EventEnvelope) error {
		seen = append(seen, envelope)
		return nil
	})

	m := New(bus, store, personalities, Config{MaxTurnDuration: time.Hour}, nil)
	turnID, traceID, err := m.StartTurn(context.Background(), model.Message{Role: "user", Content: "hi"}, "assistant", "session-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	bus.Wait()

	if turnID == "" || traceID == "" {
		t.Fatal("expected non-empty turn_id and trace_id")
	}
	if len(seen) != 1 || seen[0].TurnID != turnID {
		t.Fatalf("expected turn.start published for %s, got %+v", turnID, seen)
	}

	stored, err := store.GetTurn(context.Background(), turnID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.TurnStatusPending {
		t.Fatalf("expected PENDING, got %s", stored.Status)
	}
}

func TestStartTurnAttachesSessionHistoryFromPriorTurn(t *testing.T) {
	bus := eventbus.New(nil)
	store := runctx.New(nil)
	personalities := setupManagerPersonality(t)

	m := New(bus, store, personalities, Config{MaxTurnDuration: time.Hour, MaxConversationHistoryTurns: 5}, nil)

	firstID, _, err := m.StartTurn(context.Background(), model.Message{Role: "user", Content: "what's the weather"}, "assistant", "session-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateTurn(context.Background(), firstID, func(turn model.Turn) (model.Turn, error) {
		turn.Status = model.TurnStatusCompleted
		resp := model.Message{Role: "assistant", Content: "sunny"}
		turn.FinalResponse = &resp
		return turn, nil
	}); err != nil {
		t.Fatal(err)
	}

	secondID, _, err := m.StartTurn(context.Background(), model.Message{Role: "user", Content: "and tomorrow?"}, "assistant", "session-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	bus.Wait()

	stored, err := store.GetTurn(context.Background(), secondID)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.Message{
		{Role: "user", Content: "what's the weather"},
		{Role: "assistant", Content: "sunny"},
	}
	if len(stored.History) != len(want) {
		t.Fatalf("expected %d history messages, got %d: %+v", len(want), len(stored.History), stored.History)
	}
	for i := range want {
		if stored.History[i] != want[i] {
			t.Fatalf("history[%d]: expected %+v, got %+v", i, want[i], stored.History[i])
		}
	}
}

func singleStepPlan(turnID string, status model.StepStatus, result any) *model.Plan {
	return &model.Plan{
		PlanID: "p1",
		TurnID: turnID,
		Status: model.PlanStatusInProgress,
		Steps: []model.Step{
			{StepID: "s0", TurnID: turnID, PlanID: "p1", StepIndex: 0, StepType: model.StepTypeLLMCall, Status: status, Result: result},
		},
	}
}

func TestHandleStepResultCompletesTurnOnLastStepSuccess(t *testing.T) {
	bus := eventbus.New(nil)
	store := runctx.New(nil)
	personalities := setupManagerPersonality(t)

	now := time.Now()
	turn := model.Turn{
		TurnID: "t1", TraceID: "trace1", Status: model.TurnStatusExecuting,
		UserInput: model.Message{Role: "user", Content: "hi"}, PersonalityID: "assistant",
		PlanID: "p1", Plan: singleStepPlan("t1", model.StepStatusPending, nil),
		CreatedAt: now, UpdatedAt: now,
	}
	store.CreateTurn(context.Background(), turn)

	var completed []model.EventEnvelope
	bus.Subscribe(model.EventTypeTurnCompleted, func(ctx context.Context, envelope model.EventEnvelope) error {
		completed = append(completed, envelope)
		return nil
	})

	New(bus, store, personalities, Config{MaxTurnDuration: time.Hour}, nil)

	result := model.Step{StepID: "s0", TurnID: "t1", PlanID: "p1", StepIndex: 0, StepType: model.StepTypeLLMCall, Status: model.StepStatusSucceeded, Result: "final answer"}
	bus.Publish(context.Background(), model.EventEnvelope{
		EventType: model.EventTypeStepResult, TraceID: "trace1", TurnID: "t1", PlanID: "p1", StepID: "s0",
		Timestamp: time.Now(), Payload: model.StepResultPayload{Step: result},
	})
	bus.Wait()

	if len(completed) != 1 {
		t.Fatalf("expected 1 turn.completed event, got %d", len(completed))
	}
	updated, err := store.GetTurn(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.TurnStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", updated.Status)
	}
	if updated.FinalResponse == nil || updated.FinalResponse.Content != "final answer" {
		t.Fatalf("unexpected final response: %+v", updated.FinalResponse)
	}
}

func TestHandleStepResultFailsTurnOnFailFast(t *testing.T) {
	bus := eventbus.New(nil)
	store := runctx.New(nil)
	personalities := setupManagerPersonality(t)

	now := time.Now()
	turn := model.Turn{
		TurnID: "t1", TraceID: "trace1", Status: model.TurnStatusExecuting,
		UserInput: model.Message{Role: "user", Content: "hi"}, PersonalityID: "assistant",
		PlanID: "p1", Plan: singleStepPlan("t1", model.StepStatusPending, nil),
		CreatedAt: now, UpdatedAt: now,
	}
	store.CreateTurn(context.Background(), turn)

	var failed []model.EventEnvelope
	bus.Subscribe(model.EventTypeTurnFailed, func(ctx context.Context, envelope model.EventEnvelope) error {
		failed = append(failed, envelope)
		return nil
	})

	New(bus, store, personalities, Config{MaxTurnDuration: time.Hour, FailFast: true}, nil)

	result := model.Step{
		StepID: "s0", TurnID: "t1", PlanID: "p1", StepIndex: 0, StepType: model.StepTypeLLMCall,
		Status: model.StepStatusFailed, Error: &model.ErrorInfo{Code: "ProviderTimeoutError", Message: "timed out"},
	}
	bus.Publish(context.Background(), model.EventEnvelope{
		EventType: model.EventTypeStepResult, TraceID: "trace1", TurnID: "t1", PlanID: "p1", StepID: "s0",
		Timestamp: time.Now(), Payload: model.StepResultPayload{Step: result},
	})
	bus.Wait()

	if len(failed) != 1 {
		t.Fatalf("expected 1 turn.failed event, got %d", len(failed))
	}
	updated, err := store.GetTurn(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.TurnStatusFailed {
		t.Fatalf("expected FAILED, got %s", updated.Status)
	}
	if updated.ErrorInfo == nil || updated.ErrorInfo.Code != string(model.ErrorKindStepExecution) {
		t.Fatalf("unexpected error info: %+v", updated.ErrorInfo)
	}
}

func TestTurnTimeoutTransitionsToFailedAndIsIdempotent(t *testing.T) {
	bus := eventbus.New(nil)
	store := runctx.New(nil)
	personalities := setupManagerPersonality(t)

	var failed []model.EventEnvelope
	bus.Subscribe(model.EventTypeTurnFailed, func(ctx context.Context, envelope model.EventEnvelope) error {
		failed = append(failed, envelope)
		return nil
	})

	m := New(bus, store, personalities, Config{MaxTurnDuration: 10 * time.Millisecond}, nil)
	turnID, _, err := m.StartTurn(context.Background(), model.Message{Role: "user", Content: "hi"}, "assistant", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	bus.Wait()

	updated, err := store.GetTurn(context.Background(), turnID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.TurnStatusFailed {
		t.Fatalf("expected FAILED after timeout, got %s", updated.Status)
	}
	if updated.ErrorInfo == nil || updated.ErrorInfo.Code != string(model.ErrorKindTurnTimeout) {
		t.Fatalf("expected TurnTimeout, got %+v", updated.ErrorInfo)
	}
	if len(failed) != 1 {
		t.Fatalf("expected exactly 1 turn.failed event, got %d", len(failed))
	}
}
