package checkpoint

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/marketpulse/internal/clock"
)

type memoryEntry struct {
	snapshot  Snapshot
	observed  bool
	expiresAt time.Time
}

// MemoryTracker keeps entries in process. It serves tests and single-node
// deployments without Redis.
type MemoryTracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     func() time.Duration
	entries map[string]*memoryEntry
}

func NewMemoryTracker(clk clock.Clock, ttl func() time.Duration) *MemoryTracker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryTracker{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
	}
}

func (t *MemoryTracker) Start(_ context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ErrInvalidTaskID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[taskID] = &memoryEntry{snapshot: Snapshot{
		TaskID:      taskID,
		Status:      StatusProcessing,
		LastUpdated: t.clock.Now(),
	}}
	return nil
}

func (t *MemoryTracker) Advance(_ context.Context, taskID string, index int) (Snapshot, bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Snapshot{}, false, ErrInvalidTaskID
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entryLocked(taskID)
	updated, applied := next(entry.snapshot, index, t.clock.Now())
	if applied {
		entry.snapshot = updated
	}
	return cloneSnapshot(entry.snapshot), applied, nil
}

func (t *MemoryTracker) Complete(_ context.Context, taskID string) (Snapshot, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Snapshot{}, ErrInvalidTaskID
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entryLocked(taskID)
	entry.snapshot = completed(entry.snapshot, t.clock.Now())
	return cloneSnapshot(entry.snapshot), nil
}

func (t *MemoryTracker) MarkTerminal(_ context.Context, taskID, status string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ErrInvalidTaskID
	}
	if status != StatusFailed && status != StatusAborted {
		return ErrInvalidStatus
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entryLocked(taskID)
	if entry.snapshot.Status == StatusCompleted {
		return nil
	}
	entry.snapshot.Status = status
	entry.snapshot.LastUpdated = t.clock.Now()
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, taskID string) (*Snapshot, error) {
	taskID = strings.TrimSpace(taskID)
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	now := t.clock.Now()
	if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		delete(t.entries, taskID)
		return nil, ErrNotFound
	}
	if entry.snapshot.Terminal() && !entry.observed {
		entry.observed = true
		if ttl := t.currentTTL(); ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
	}
	snapshot := cloneSnapshot(entry.snapshot)
	return &snapshot, nil
}

func (t *MemoryTracker) Forget(_ context.Context, taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, strings.TrimSpace(taskID))
	return nil
}

func (t *MemoryTracker) entryLocked(taskID string) *memoryEntry {
	entry, ok := t.entries[taskID]
	if !ok {
		entry = &memoryEntry{snapshot: Snapshot{TaskID: taskID, Status: StatusProcessing}}
		t.entries[taskID] = entry
	}
	return entry
}

func (t *MemoryTracker) currentTTL() time.Duration {
	if t.ttl == nil {
		return 0
	}
	return t.ttl()
}

func cloneSnapshot(s Snapshot) Snapshot {
	if s.CompletedCheckpoints != nil {
		s.CompletedCheckpoints = append([]string(nil), s.CompletedCheckpoints...)
	}
	return s
}
