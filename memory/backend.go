// Package memory implements MemoryManager: a facade over a pluggable
// vector/text backend with a read-through cache in front of it, grounded
// on original_source/memory/manager.py's cache-then-backend fallthrough
// and nexus's internal/memory.Manager backend-selection shape.
package memory

import "context"

// Entry is one stored memory item.
type Entry struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Result is one search hit, scored by similarity (higher is better).
type Result struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]any
}

// Backend is the pluggable storage contract MemoryManager sits in front
// of. An implementation may be an in-process index (memory/inmem) or a
// vector database client.
type Backend interface {
	Search(ctx context.Context, query string, limit int, filter map[string]any) ([]Result, error)
	Get(ctx context.Context, id string) (Entry, error)
	Store(ctx context.Context, entry Entry) (string, error)
	Delete(ctx context.Context, id string) error
}
