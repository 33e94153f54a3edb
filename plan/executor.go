// Package plan implements PlanExecutor: it turns a started Turn into an
// ordered sequence of Steps by prompting the turn's personality's
// default provider for a JSON plan, grounded on
// original_source/core/runtime.py's PlanExecutor.generate_plan (prompt
// assembly, markdown-fence stripping, step validation) and the
// teacher's publish-then-iterate react loop shape.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentruntime/core/eventbus"
	"github.com/agentruntime/core/model"
	"github.com/agentruntime/core/personality"
	"github.com/agentruntime/core/provider"
	"github.com/agentruntime/core/runctx"
)

// ProviderResolver returns the provider.Provider registered under name.
type ProviderResolver func(name string) (provider.Provider, bool)

// Config bounds PlanExecutor's behavior per spec.md §6's core_runtime knobs.
type Config struct {
	MaxStepsPerPlan           int
	MaxPlanGenerationRetries  int
}

// Executor subscribes to turn.start and publishes one step.execute.*
// event per planned step, in index order, all up front — sequencing
// within the turn is enforced downstream by step's per-turn serialization.
type Executor struct {
	bus           eventbus.Bus
	store         *runctx.Store
	personalities *personality.Manager
	resolveProv   ProviderResolver
	cfg           Config
	log           *slog.Logger
	now           func() time.Time
}

// New constructs an Executor and subscribes it to turn.start.
func New(bus eventbus.Bus, store *runctx.Store, personalities *personality.Manager, resolveProv ProviderResolver, cfg Config, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxStepsPerPlan <= 0 {
		cfg.MaxStepsPerPlan = 32
	}
	if cfg.MaxPlanGenerationRetries <= 0 {
		cfg.MaxPlanGenerationRetries = 2
	}
	e := &Executor{
		bus:           bus,
		store:         store,
		personalities: personalities,
		resolveProv:   resolveProv,
		cfg:           cfg,
		log:           log,
		now:           time.Now,
	}
	bus.Subscribe(model.EventTypeTurnStart, e.handleTurnStart)
	return e
}

type rawPlan struct {
	Steps []rawStep `json:"steps"`
}

type rawStep struct {
	StepType    string         `json:"step_type"`
	Parameters  map[string]any `json:"parameters"`
	Description string         `json:"description"`
}

func (e *Executor) handleTurnStart(ctx context.Context, envelope model.EventEnvelope) error {
	turn, err := e.store.UpdateTurn(ctx, envelope.TurnID, func(t model.Turn) (model.Turn, error) {
		if err := model.TransitionTurnStatus(&t, model.TurnStatusPlanning, e.now); err != nil {
			return t, err
		}
		return t, nil
	})
	if err != nil {
		e.log.Info("plan: turn not eligible for planning", "turn_id", envelope.TurnID, "error", err)
		return nil
	}

	instance, ok := e.personalities.Get(turn.PersonalityID)
	if !ok {
		return e.failTurn(ctx, turn.TurnID, "PlanGenerationError", fmt.Sprintf("personality %q not found", turn.PersonalityID))
	}

	prov, ok := e.resolveProv(instance.DefaultProvider)
	if !ok {
		return e.failTurn(ctx, turn.TurnID, "PlanGenerationError", fmt.Sprintf("provider %q not configured", instance.DefaultProvider))
	}

	steps, err := e.generatePlan(ctx, turn, instance, prov)
	if err != nil {
		return e.failTurn(ctx, turn.TurnID, "PlanGenerationError", err.Error())
	}

	planID := uuid.NewString()
	modelSteps := make([]model.Step, len(steps))
	for i, s := range steps {
		modelSteps[i] = model.Step{
			StepID:      uuid.NewString(),
			PlanID:      planID,
			TurnID:      turn.TurnID,
			StepIndex:   i,
			StepType:    model.StepType(s.StepType),
			Parameters:  s.Parameters,
			Description: s.Description,
			Status:      model.StepStatusPending,
		}
	}
	newPlan := model.Plan{PlanID: planID, TurnID: turn.TurnID, Steps: modelSteps, Status: model.PlanStatusInProgress}

	updated, err := e.store.UpdateTurn(ctx, turn.TurnID, func(t model.Turn) (model.Turn, error) {
		t.PlanID = planID
		t.Plan = &newPlan
		if err := model.TransitionTurnStatus(&t, model.TurnStatusExecuting, e.now); err != nil {
			return t, err
		}
		return t, nil
	})
	if err != nil {
		e.log.Info("plan: turn terminated before plan could attach", "turn_id", turn.TurnID, "error", err)
		return nil
	}

	for _, step := range updated.Plan.Steps {
		evt := model.EventEnvelope{
			EventID:   uuid.NewString(),
			EventType: model.StepExecuteEventType(step.StepType),
			TraceID:   turn.TraceID,
			TurnID:    turn.TurnID,
			PlanID:    planID,
			StepID:    step.StepID,
			Timestamp: e.now(),
			Payload:   model.StepExecutePayload{Step: step},
		}
		if err := e.bus.Publish(ctx, evt); err != nil {
			e.log.Error("plan: failed to publish step event", "step_id", step.StepID, "error", err)
		}
	}
	return nil
}

// generatePlan prompts the provider for a JSON plan, retrying up to
// MaxPlanGenerationRetries times with the validator's error folded into
// the next prompt.
func (e *Executor) generatePlan(ctx context.Context, turn model.Turn, instance model.PersonalityInstance, prov provider.Provider) ([]rawStep, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxPlanGenerationRetries; attempt++ {
		prompt := e.buildPrompt(turn, instance, lastErr)
		resp, err := prov.Generate(ctx, provider.GenerateRequest{
			Messages: []provider.Message{
				{Role: "system", Content: instance.SystemPromptText},
				{Role: "user", Content: prompt},
			},
			Model:   instance.DefaultModel,
			Options: provider.Options{ResponseFormat: "json"},
		})
		if err != nil {
			return nil, fmt.Errorf("plan generation: provider call failed: %w", err)
		}

		steps, err := parsePlan(resp.Content, instance)
		if err != nil {
			lastErr = err
			continue
		}
		if verr := model.ValidatePlanSize(len(steps), e.cfg.MaxStepsPerPlan); verr != nil {
			lastErr = verr
			continue
		}
		return steps, nil
	}
	return nil, fmt.Errorf("exhausted %d plan generation retries: %w", e.cfg.MaxPlanGenerationRetries, lastErr)
}

func (e *Executor) buildPrompt(turn model.Turn, instance model.PersonalityInstance, validatorErr error) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, name := range instance.AvailableToolNames {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	b.WriteString("Available memory operations: search, retrieve, store\n\n")
	if len(turn.History) > 0 {
		b.WriteString("Conversation history:\n")
		for _, msg := range turn.History {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "User request: %s\n\n", turn.UserInput.Content)
	b.WriteString(`Respond with a JSON object: {"steps": [{"step_type": "LLM_CALL"|"TOOL_CALL"|"MEMORY_OP", "parameters": {...}, "description": "..."}]}`)
	if validatorErr != nil {
		fmt.Fprintf(&b, "\n\nThe previous response was invalid: %v\nCorrect it and respond again with valid JSON.", validatorErr)
	}
	return b.String()
}

func parsePlan(content string, instance model.PersonalityInstance) ([]rawStep, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var parsed rawPlan
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}

	availableTools := make(map[string]struct{}, len(instance.AvailableToolNames))
	for _, name := range instance.AvailableToolNames {
		availableTools[name] = struct{}{}
	}

	for i, step := range parsed.Steps {
		switch model.StepType(step.StepType) {
		case model.StepTypeLLMCall, model.StepTypeMemoryOp:
			// no further validation required
		case model.StepTypeToolCall:
			toolName, _ := step.Parameters["tool_name"].(string)
			if _, ok := availableTools[toolName]; !ok {
				return nil, fmt.Errorf("step %d: tool_call names unavailable tool %q", i, toolName)
			}
		default:
			return nil, fmt.Errorf("step %d: unknown step_type %q", i, step.StepType)
		}
	}
	return parsed.Steps, nil
}

func (e *Executor) failTurn(ctx context.Context, turnID, code, message string) error {
	updated, err := e.store.UpdateTurn(ctx, turnID, func(t model.Turn) (model.Turn, error) {
		if err := model.TransitionTurnStatus(&t, model.TurnStatusFailed, e.now); err != nil {
			return t, err
		}
		t.ErrorInfo = &model.ErrorInfo{Code: code, Message: message}
		return t, nil
	})
	if err != nil {
		return nil
	}
	evt := model.EventEnvelope{
		EventID:   uuid.NewString(),
		EventType: model.EventTypeTurnFailed,
		TraceID:   updated.TraceID,
		TurnID:    turnID,
		Timestamp: e.now(),
		Payload:   model.TurnFailedPayload{TurnID: turnID, Error: *updated.ErrorInfo},
	}
	return e.bus.Publish(ctx, evt)
}
