// Package turn implements TurnManager: it owns Turn lifecycle end to
// end — accepting user input, kicking off planning, aggregating step
// results, and emitting the terminal turn.completed/turn.failed event —
// grounded on the teacher's agent/runner.go Dispatch/errors.Join
// aggregation shape and agent/lifecycle.go's transition-table pattern,
// generalized from the teacher's RunState to Turn.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentruntime/core/eventbus"
	"github.com/agentruntime/core/model"
	"github.com/agentruntime/core/personality"
	"github.com/agentruntime/core/runctx"
)

// Config bounds TurnManager's behavior per spec.md §6's core_runtime knobs.
type Config struct {
	MaxTurnDuration             time.Duration
	FailFast                    bool
	MaxConversationHistoryTurns int
}

// Manager subscribes to step.result (as the aggregator); it arms the
// turn-duration watchdog itself in StartTurn rather than via turn.start.
type Manager struct {
	bus           eventbus.Bus
	store         *runctx.Store
	personalities *personality.Manager
	cfg           Config
	log           *slog.Logger
	now           func() time.Time
}

// New constructs a Manager and subscribes its aggregator to step.result.
func New(bus eventbus.Bus, store *runctx.Store, personalities *personality.Manager, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxTurnDuration <= 0 {
		cfg.MaxTurnDuration = 120 * time.Second
	}
	if cfg.MaxConversationHistoryTurns <= 0 {
		cfg.MaxConversationHistoryTurns = 10
	}
	m := &Manager{
		bus:           bus,
		store:         store,
		personalities: personalities,
		cfg:           cfg,
		log:           log,
		now:           time.Now,
	}
	bus.Subscribe(model.EventTypeStepResult, m.handleStepResult)
	return m
}

// StartTurn validates the request, creates a PENDING Turn, publishes
// turn.start, arms the turn-duration watchdog, and returns the new
// turn_id/trace_id to the caller.
func (m *Manager) StartTurn(ctx context.Context, userInput model.Message, personalityID, sessionID string, metadata map[string]any) (turnID, traceID string, err error) {
	if err := model.ValidateUserInput(userInput); err != nil {
		return "", "", err
	}
	if _, ok := m.personalities.Get(personalityID); !ok {
		return "", "", fmt.Errorf("%w: personality %q", model.ErrPersonalityNotFound, personalityID)
	}

	turnID = uuid.NewString()
	traceID = uuid.NewString()
	now := m.now()
	newTurn := model.Turn{
		TurnID:        turnID,
		Status:        model.TurnStatusPending,
		UserInput:     userInput,
		PersonalityID: personalityID,
		SessionID:     sessionID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      metadata,
		TraceID:       traceID,
		History:       m.store.ConversationHistory(sessionID, m.cfg.MaxConversationHistoryTurns),
	}
	if err := m.store.CreateTurn(ctx, newTurn); err != nil {
		return "", "", err
	}

	m.armTimeout(context.WithoutCancel(ctx), turnID, traceID)

	evt := model.EventEnvelope{
		EventID:   uuid.NewString(),
		EventType: model.EventTypeTurnStart,
		TraceID:   traceID,
		TurnID:    turnID,
		Timestamp: now,
		Payload:   model.TurnStartPayload{TurnID: turnID},
	}
	if err := m.bus.Publish(ctx, evt); err != nil {
		return "", "", err
	}
	return turnID, traceID, nil
}

// armTimeout schedules the turn-duration watchdog against detachedCtx
// (built with context.WithoutCancel so the watchdog survives the
// original request context being cancelled, while still carrying its
// values) since the caller of StartTurn may have already returned by
// the time the timer fires.
func (m *Manager) armTimeout(detachedCtx context.Context, turnID, traceID string) {
	time.AfterFunc(m.cfg.MaxTurnDuration, func() {
		m.timeoutTurn(detachedCtx, turnID, traceID)
	})
}

func (m *Manager) timeoutTurn(ctx context.Context, turnID, traceID string) {
	updated, err := m.store.UpdateTurn(ctx, turnID, func(t model.Turn) (model.Turn, error) {
		if err := model.TransitionTurnStatus(&t, model.TurnStatusFailed, m.now); err != nil {
			return t, err
		}
		t.ErrorInfo = &model.ErrorInfo{Code: string(model.ErrorKindTurnTimeout), Message: "turn exceeded max_turn_duration_seconds"}
		return t, nil
	})
	if err != nil {
		return
	}
	m.publishTurnFailed(ctx, updated)
}

var errAlreadyTerminal = fmt.Errorf("%w: turn already terminal", model.ErrInternal)

// handleStepResult merges one step's result into its Turn, rolls up
// metrics, and — if the step was the plan's last and succeeded, or
// failed with fail_fast configured — performs the idempotent terminal
// transition and publishes turn.completed/turn.failed.
func (m *Manager) handleStepResult(ctx context.Context, envelope model.EventEnvelope) error {
	payload, ok := envelope.Payload.(model.StepResultPayload)
	if !ok {
		return fmt.Errorf("turn: unexpected payload type %T", envelope.Payload)
	}
	result := payload.Step

	var terminalKind string // "completed", "failed", or ""
	updated, err := m.store.UpdateTurn(ctx, result.TurnID, func(t model.Turn) (model.Turn, error) {
		if t.Status.IsTerminal() {
			return t, errAlreadyTerminal
		}
		if t.Plan == nil {
			return t, fmt.Errorf("turn %q has no plan to merge step into", t.TurnID)
		}
		if t.SeenStepIDs == nil {
			t.SeenStepIDs = make(map[string]struct{})
		}
		if _, seen := t.SeenStepIDs[result.StepID]; seen {
			// duplicate step.result delivery: set-membership check per
			// spec.md §5, drop without re-aggregating metrics or
			// re-evaluating the terminal transition.
			return t, nil
		}
		t.SeenStepIDs[result.StepID] = struct{}{}

		mergeStep(t.Plan, result)
		if result.Metrics != nil {
			t.Metrics.Add(*result.Metrics)
		}
		t.UpdatedAt = m.now()

		if result.Status == model.StepStatusFailed && m.cfg.FailFast {
			msg := "step execution failed"
			if result.Error != nil {
				msg = result.Error.Message
			}
			if err := model.TransitionTurnStatus(&t, model.TurnStatusFailed, m.now); err != nil {
				return t, err
			}
			t.ErrorInfo = &model.ErrorInfo{Code: string(model.ErrorKindStepExecution), Message: msg}
			terminalKind = "failed"
			return t, nil
		}

		if result.StepIndex == len(t.Plan.Steps)-1 && result.Status == model.StepStatusSucceeded {
			final := deriveFinalResponse(t.Plan, result)
			if err := model.TransitionTurnStatus(&t, model.TurnStatusCompleted, m.now); err != nil {
				return t, err
			}
			t.FinalResponse = &final
			terminalKind = "completed"
			return t, nil
		}

		return t, nil
	})
	if err != nil {
		return nil // already terminal or transient race; drop per §4.8
	}

	switch terminalKind {
	case "completed":
		return m.publishTurnCompleted(ctx, updated)
	case "failed":
		return m.publishTurnFailed(ctx, updated)
	default:
		return nil
	}
}

func mergeStep(plan *model.Plan, result model.Step) {
	for i := range plan.Steps {
		if plan.Steps[i].StepID == result.StepID {
			plan.Steps[i] = result
			return
		}
	}
}

// deriveFinalResponse takes the last LLM_CALL step's textual result as
// the Turn's final response, falling back to the terminal step's own
// result if it was not an LLM_CALL.
func deriveFinalResponse(plan *model.Plan, last model.Step) model.Message {
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		step := plan.Steps[i]
		if step.StepType == model.StepTypeLLMCall && step.Status == model.StepStatusSucceeded {
			if content, ok := step.Result.(string); ok {
				return model.Message{Role: "assistant", Content: content}
			}
		}
	}
	if content, ok := last.Result.(string); ok {
		return model.Message{Role: "assistant", Content: content}
	}
	return model.Message{Role: "assistant", Content: fmt.Sprintf("%v", last.Result)}
}

func (m *Manager) publishTurnCompleted(ctx context.Context, t model.Turn) error {
	evt := model.EventEnvelope{
		EventID:   uuid.NewString(),
		EventType: model.EventTypeTurnCompleted,
		TraceID:   t.TraceID,
		TurnID:    t.TurnID,
		Timestamp: m.now(),
		Payload:   model.TurnCompletedPayload{TurnID: t.TurnID, FinalResponse: *t.FinalResponse, Metrics: t.Metrics},
	}
	return m.bus.Publish(ctx, evt)
}

func (m *Manager) publishTurnFailed(ctx context.Context, t model.Turn) error {
	errInfo := model.ErrorInfo{Code: string(model.ErrorKindInternal), Message: "unknown failure"}
	if t.ErrorInfo != nil {
		errInfo = *t.ErrorInfo
	}
	evt := model.EventEnvelope{
		EventID:   uuid.NewString(),
		EventType: model.EventTypeTurnFailed,
		TraceID:   t.TraceID,
		TurnID:    t.TurnID,
		Timestamp: m.now(),
		Payload:   model.TurnFailedPayload{TurnID: t.TurnID, Error: errInfo},
	}
	return m.bus.Publish(ctx, evt)
}

// GetTurn returns the current snapshot of a Turn, for HTTP polling.
func (m *Manager) GetTurn(ctx context.Context, turnID string) (model.Turn, error) {
	return m.store.GetTurn(ctx, turnID)
}
