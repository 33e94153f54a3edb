// Package eventbus implements the in-process publish/subscribe bus that
// sequences work between TurnManager, PlanExecutor, and StepProcessor.
//
// Dispatch is parallel: publish launches one goroutine per (handler,
// envelope) and does not wait for any of them. There is no ordering
// guarantee across event types, and none between handlers of the same
// type. Same-Turn ordering is enforced by the callers (runctx's per-turn
// locks and step's per-turn sequencing), not by the bus.
package eventbus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/agentruntime/core/model"
)

// Handler processes one published envelope. A returned error is logged
// with the envelope's trace_id; it never propagates to the publisher.
type Handler func(ctx context.Context, envelope model.EventEnvelope) error

// Bus is the EventBus contract: subscribe handlers per event type,
// publish fires them all without waiting.
type Bus interface {
	Subscribe(eventType model.EventType, handler Handler)
	Publish(ctx context.Context, envelope model.EventEnvelope) error
}

// InMemBus is the in-process EventBus implementation. It is the only
// Bus this module ships; the interface exists so a durable bus (e.g. an
// Apache Iggy-backed one, never implemented upstream) could be dropped
// in without touching callers.
type InMemBus struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[model.EventType][]Handler

	wg sync.WaitGroup
}

// New constructs an InMemBus. A nil logger defaults to slog.Default().
func New(log *slog.Logger) *InMemBus {
	if log == nil {
		log = slog.Default()
	}
	return &InMemBus{
		log:      log,
		handlers: make(map[model.EventType][]Handler),
	}
}

// Subscribe registers handler for eventType. Subscriptions are expected
// at startup; the subscription list is write-rare. Concurrent Publish
// calls share the read lock, held only long enough to copy the slice; a
// Subscribe in progress delays them for the length of its append.
func (b *InMemBus) Subscribe(eventType model.EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish validates the envelope, then starts one goroutine per
// registered handler for envelope.EventType. It returns as soon as the
// goroutines are launched; it does not wait for them to finish, and a
// handler error or panic never surfaces to the caller.
func (b *InMemBus) Publish(ctx context.Context, envelope model.EventEnvelope) error {
	if err := model.ValidateEventEnvelope(envelope); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[envelope.EventType]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("eventbus: handler panicked",
						"event_type", envelope.EventType,
						"trace_id", envelope.TraceID,
						"turn_id", envelope.TurnID,
						"panic", r,
						"stack", string(debug.Stack()))
				}
			}()
			if err := h(ctx, envelope); err != nil {
				b.log.Error("eventbus: handler returned error",
					"event_type", envelope.EventType,
					"trace_id", envelope.TraceID,
					"turn_id", envelope.TurnID,
					"error", err)
			}
		}()
	}
	return nil
}

// Wait blocks until every in-flight handler goroutine returns. It exists
// for tests and graceful shutdown; the bus never calls it internally,
// since Publish is explicitly fire-and-forget.
func (b *InMemBus) Wait() {
	b.wg.Wait()
}
