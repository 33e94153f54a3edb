// Package inmem provides a process-local memory.Backend for tests and
// single-process deployments, grounded on the teacher's in-memory store
// idiom (map protected by a single RWMutex, generation counter for ids).
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agentruntime/core/memory"
)

// Backend is a non-durable, in-process memory.Backend. Search ranks
// entries by a naive token-overlap score; it is meant for development
// and tests, not production semantic search.
type Backend struct {
	mu      sync.RWMutex
	entries map[string]memory.Entry
}

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{entries: make(map[string]memory.Entry)}
}

var _ memory.Backend = (*Backend)(nil)

func (b *Backend) Search(ctx context.Context, query string, limit int, filter map[string]any) ([]memory.Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	queryTokens := tokenize(query)
	var results []memory.Result
	for _, entry := range b.entries {
		if !matchesFilter(entry.Metadata, filter) {
			continue
		}
		score := overlapScore(queryTokens, tokenize(entry.Text))
		if score <= 0 {
			continue
		}
		results = append(results, memory.Result{
			ID:       entry.ID,
			Text:     entry.Text,
			Score:    score,
			Metadata: entry.Metadata,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (b *Backend) Get(ctx context.Context, id string) (memory.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[id]
	if !ok {
		return memory.Entry{}, fmt.Errorf("memory entry %q not found", id)
	}
	return entry, nil
}

func (b *Backend) Store(ctx context.Context, entry memory.Entry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.ID] = entry
	return entry.ID, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
	return nil
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(s)) {
		tokens[word] = struct{}{}
	}
	return tokens
}

func overlapScore(query, candidate map[string]struct{}) float64 {
	if len(query) == 0 || len(candidate) == 0 {
		return 0
	}
	var matches int
	for token := range query {
		if _, ok := candidate[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func matchesFilter(metadata map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}
