// Package runctx implements ContextManager: the per-turn in-memory
// state store used by TurnManager, PlanExecutor and StepProcessor to
// load and save Turns, generalized from the teacher's runstore/inmem
// CAS store (RunState -> Turn) with striped per-turn locking added per
// the concurrency model's requirement that a step result and a turn
// timeout cannot race.
package runctx

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/agentruntime/core/memory"
	"github.com/agentruntime/core/model"
)

const stripeCount = 64

// Store maintains turn_id -> Turn with optimistic concurrency control
// (Turn.Version) and a striped lock held across each read-modify-write,
// so mutators of turns on different stripes do not wait for each other's
// whole cycle. Turns whose ids hash to the same stripe share it, and the
// map itself sits behind one RWMutex that every read and save takes
// briefly.
type Store struct {
	stripes [stripeCount]sync.Mutex

	mu        sync.RWMutex
	turns     map[string]model.Turn
	bySession map[string][]string // session_id -> turn_id, insertion order

	memoryManager *memory.Manager
}

// New constructs an empty Store bridging to memoryManager (may be nil
// if memory is not configured).
func New(memoryManager *memory.Manager) *Store {
	return &Store{
		turns:         make(map[string]model.Turn),
		bySession:     make(map[string][]string),
		memoryManager: memoryManager,
	}
}

func stripeFor(turnID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(turnID))
	return h.Sum32() % stripeCount
}

// Lock acquires the stripe guarding turnID and returns an unlock
// function. Callers hold this lock across a read-modify-write sequence
// so a step result and a turn timeout watchdog cannot race.
func (s *Store) Lock(turnID string) func() {
	stripe := &s.stripes[stripeFor(turnID)]
	stripe.Lock()
	return stripe.Unlock
}

// CreateTurn inserts a brand-new Turn. It returns model.ErrTurnAlreadyStarted
// if turnID is already present.
func (s *Store) CreateTurn(ctx context.Context, turn model.Turn) error {
	unlock := s.Lock(turn.TurnID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.turns[turn.TurnID]; exists {
		return fmt.Errorf("%w: turn %q", model.ErrTurnAlreadyStarted, turn.TurnID)
	}
	s.turns[turn.TurnID] = model.CloneTurn(turn)
	if turn.SessionID != "" {
		s.bySession[turn.SessionID] = append(s.bySession[turn.SessionID], turn.TurnID)
	}
	return nil
}

// GetTurn returns a cloned snapshot of the Turn, or model.ErrTurnNotFound.
func (s *Store) GetTurn(ctx context.Context, turnID string) (model.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return model.Turn{}, fmt.Errorf("%w: %q", model.ErrTurnNotFound, turnID)
	}
	return model.CloneTurn(turn), nil
}

// SaveTurn replaces the stored Turn outright, enforcing a CAS check: the
// stored version must equal turn.Version before the increment, or
// model.ErrTurnVersionConflict is returned. Callers must already hold
// the turn's stripe lock (via Lock) when the save follows a read in the
// same critical section.
func (s *Store) SaveTurn(ctx context.Context, turn model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.turns[turn.TurnID]
	if ok && existing.Version != turn.Version {
		return fmt.Errorf("%w: turn %q has version %d, save targeted version %d",
			model.ErrTurnVersionConflict, turn.TurnID, existing.Version, turn.Version)
	}
	next := model.CloneTurn(turn)
	next.Version = turn.Version + 1
	s.turns[turn.TurnID] = next
	return nil
}

// Mutator reads the current Turn and returns its mutated form.
type Mutator func(turn model.Turn) (model.Turn, error)

// UpdateTurn loads turnID, applies mutate, and saves the result under
// the turn's stripe lock, so the full read-modify-write cycle is
// atomic with respect to other mutators of the same turn.
func (s *Store) UpdateTurn(ctx context.Context, turnID string, mutate Mutator) (model.Turn, error) {
	unlock := s.Lock(turnID)
	defer unlock()

	current, err := s.GetTurn(ctx, turnID)
	if err != nil {
		return model.Turn{}, err
	}
	updated, err := mutate(current)
	if err != nil {
		return model.Turn{}, err
	}
	if err := s.SaveTurn(ctx, updated); err != nil {
		return model.Turn{}, err
	}
	return s.GetTurn(ctx, turnID)
}

// MemoryManager returns the bridged MemoryManager, per spec.md §4.5's
// get_memory_manager bridge from ContextManager to tool steps.
func (s *Store) MemoryManager() *memory.Manager {
	return s.memoryManager
}

// ConversationHistory returns the user/assistant messages of the last
// maxTurns turns recorded against sessionID, oldest first, for
// TurnManager to attach to a new Turn before planning begins. Turns
// still in flight contribute only their user message, since they have
// no FinalResponse yet. A non-positive maxTurns or unknown sessionID
// yields nil.
func (s *Store) ConversationHistory(sessionID string, maxTurns int) []model.Message {
	if sessionID == "" || maxTurns <= 0 {
		return nil
	}

	s.mu.RLock()
	turnIDs := s.bySession[sessionID]
	if len(turnIDs) > maxTurns {
		turnIDs = turnIDs[len(turnIDs)-maxTurns:]
	}
	turns := make([]model.Turn, 0, len(turnIDs))
	for _, id := range turnIDs {
		if t, ok := s.turns[id]; ok {
			turns = append(turns, t)
		}
	}
	s.mu.RUnlock()

	if len(turns) == 0 {
		return nil
	}
	history := make([]model.Message, 0, len(turns)*2)
	for _, t := range turns {
		history = append(history, t.UserInput)
		if t.FinalResponse != nil {
			history = append(history, *t.FinalResponse)
		}
	}
	return history
}
