package model

import "fmt"

// ValidateTurn checks the invariants from spec.md §3: exactly one
// terminal status, final_response set iff COMPLETED, error_info set iff
// FAILED, updated_at >= created_at.
func ValidateTurn(t Turn) error {
	if t.TurnID == "" {
		return fmt.Errorf("%w: turn_id is required", ErrValidation)
	}
	if _, known := allowedTurnStatusTransitions[t.Status]; !known {
		return fmt.Errorf("%w: unknown turn status %q", ErrValidation, t.Status)
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return fmt.Errorf("%w: updated_at before created_at", ErrValidation)
	}
	if t.Status == TurnStatusCompleted && t.FinalResponse == nil {
		return fmt.Errorf("%w: completed turn missing final_response", ErrValidation)
	}
	if t.Status != TurnStatusCompleted && t.FinalResponse != nil {
		return fmt.Errorf("%w: final_response set on non-completed turn", ErrValidation)
	}
	if t.Status == TurnStatusFailed && t.ErrorInfo == nil {
		return fmt.Errorf("%w: failed turn missing error_info", ErrValidation)
	}
	if t.Status != TurnStatusFailed && t.ErrorInfo != nil {
		return fmt.Errorf("%w: error_info set on non-failed turn", ErrValidation)
	}
	return nil
}

// ValidateUserInput rejects empty user content, per spec.md's
// ValidationError ("missing fields, unknown personality").
func ValidateUserInput(msg Message) error {
	if msg.Content == "" {
		return fmt.Errorf("%w: user message content is required", ErrValidation)
	}
	return nil
}

// ValidatePlanSize enforces the max_steps_per_plan boundary and the
// zero-steps boundary from spec.md §8.
func ValidatePlanSize(steps int, maxSteps int) error {
	if steps == 0 {
		return fmt.Errorf("%w: plan has zero steps", ErrPlanGeneration)
	}
	if maxSteps > 0 && steps > maxSteps {
		return fmt.Errorf("%w: plan has %d steps, exceeds max_steps_per_plan=%d", ErrPlanGeneration, steps, maxSteps)
	}
	return nil
}

// ValidateEventEnvelope checks the required fields of an EventEnvelope.
func ValidateEventEnvelope(e EventEnvelope) error {
	if e.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrValidation)
	}
	if e.TurnID == "" {
		return fmt.Errorf("%w: turn_id is required", ErrValidation)
	}
	return nil
}
