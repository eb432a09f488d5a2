package search

import (
	"context"
	"sort"
	"sync"

	"github.com/smallbiznis/marketpulse/internal/clock"
)

type MemoryIndex struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[string]entry
}

func NewMemoryIndex(clk clock.Clock) *MemoryIndex {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryIndex{clock: clk, entries: make(map[string]entry)}
}

func (m *MemoryIndex) Index(_ context.Context, doc Document) error {
	if doc.RequestID == "" {
		return ErrMissingRequestID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[doc.RequestID] = newEntry(doc, m.clock.Now())
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, requestID)
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, userID, query string, limit int) ([]Result, error) {
	return searchEntries(m.newestFirst(userID), userID, query, limit), nil
}

func (m *MemoryIndex) Suggest(_ context.Context, userID, partial string, limit int) ([]Suggestion, error) {
	return suggestEntries(m.newestFirst(userID), userID, partial, limit), nil
}

// newestFirst returns userID's entries, most recently indexed first.
func (m *MemoryIndex) newestFirst(userID string) []entry {
	m.mu.RLock()
	out := make([]entry, 0)
	for _, e := range m.entries {
		if e.doc.UserID == userID {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].indexedAt.Equal(out[j].indexedAt) {
			return out[i].indexedAt.After(out[j].indexedAt)
		}
		return out[i].doc.RequestID > out[j].doc.RequestID
	})
	return out
}
