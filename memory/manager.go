package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentruntime/core/model"
)

// Manager is the facade StepProcessor and other callers use for
// search/retrieve/store, per spec.md §4.4. Search degrades to an empty
// result on backend failure rather than surfacing an error, since a
// MEMORY_OP step treats "no memories found" and "memory unavailable"
// identically; Get and Store surface backend errors since callers
// depend on the read or the new id succeeding.
type Manager struct {
	backend Backend
	cache   *lruCache
	log     *slog.Logger
}

// New constructs a Manager over backend with a read-through cache of
// the given capacity (0 uses a sensible default).
func New(backend Backend, cacheCapacity int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		backend: backend,
		cache:   newLRUCache(cacheCapacity),
		log:     log,
	}
}

// Search performs a similarity search. On backend error it logs and
// returns an empty result set rather than an error, matching the
// reference implementation's degraded-mode behavior.
func (m *Manager) Search(ctx context.Context, query string, limit int, filter map[string]any) []Result {
	results, err := m.backend.Search(ctx, query, limit, filter)
	if err != nil {
		m.log.Warn("memory: search degraded to empty result", "query", query, "error", err)
		return []Result{}
	}
	return results
}

// Get retrieves a single entry by id, consulting the cache first.
func (m *Manager) Get(ctx context.Context, id string) (Entry, error) {
	if cached, ok := m.cache.get(id); ok {
		return cached, nil
	}
	entry, err := m.backend.Get(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", model.ErrMemoryBackend, err)
	}
	m.cache.set(id, entry)
	return entry, nil
}

// Store writes a new entry and returns its id. The cache is primed with
// the new entry so an immediate Get does not round-trip the backend.
func (m *Manager) Store(ctx context.Context, text string, metadata map[string]any) (string, error) {
	id, err := m.backend.Store(ctx, Entry{Text: text, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrMemoryBackend, err)
	}
	m.cache.set(id, Entry{ID: id, Text: text, Metadata: metadata})
	return id, nil
}

// Delete removes an entry from the backend and invalidates any cached
// copy.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMemoryBackend, err)
	}
	m.cache.invalidate(id)
	return nil
}
