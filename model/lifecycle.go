package model

import (
	"fmt"
	"time"
)

// allowedTurnStatusTransitions enumerates the Turn state machine from
// spec.md §4.8: PENDING -> PLANNING -> EXECUTING -> (COMPLETED | FAILED),
// with FAILED reachable from any non-terminal state.
var allowedTurnStatusTransitions = map[TurnStatus]map[TurnStatus]bool{
	TurnStatusPending: {
		TurnStatusPlanning: true,
		TurnStatusFailed:   true,
	},
	TurnStatusPlanning: {
		TurnStatusExecuting: true,
		TurnStatusFailed:    true,
	},
	TurnStatusExecuting: {
		TurnStatusCompleted: true,
		TurnStatusFailed:    true,
	},
	TurnStatusCompleted: {},
	TurnStatusFailed:    {},
}

// ValidateTurnStatusTransition reports whether moving a Turn from from
// to to is legal.
func ValidateTurnStatusTransition(from, to TurnStatus) error {
	allowed, known := allowedTurnStatusTransitions[from]
	if !known {
		return fmt.Errorf("%w: unknown turn status %q", ErrTurnStatusInvalid, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrTurnStatusTransitionInvalid, from, to)
	}
	return nil
}

// TransitionTurnStatus validates and applies a Turn status change,
// stamping UpdatedAt. It is the single synchronization point for
// at-most-one terminal status transition.
func TransitionTurnStatus(turn *Turn, to TurnStatus, now func() time.Time) error {
	if err := ValidateTurnStatusTransition(turn.Status, to); err != nil {
		return err
	}
	turn.Status = to
	turn.UpdatedAt = now()
	return nil
}
