package checkpoint

import (
	"context"
	"errors"
	"time"
)

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusAborted    = "aborted"
)

var (
	ErrNotFound      = errors.New("checkpoint_entry_not_found")
	ErrInvalidTaskID = errors.New("invalid_task_id")
	ErrInvalidStatus = errors.New("invalid_terminal_status")
)

// Snapshot is the pollable state of a task. Completed is the highest accepted
// checkpoint index; CompletedCheckpoints lists every accepted name in order.
type Snapshot struct {
	TaskID               string    `json:"request_id"`
	Status               string    `json:"status"`
	Progress             int       `json:"progress"`
	CurrentStep          string    `json:"current_step"`
	Completed            int       `json:"completed_checkpoints"`
	CompletedCheckpoints []string  `json:"checkpoints"`
	LastUpdated          time.Time `json:"last_updated"`
}

func (s Snapshot) Terminal() bool {
	return IsTerminal(s.Status)
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Tracker stores checkpoint progress for polling. Every implementation is
// single-writer per task and safe for concurrent readers.
type Tracker interface {
	// Start resets the entry of a task that is about to execute.
	Start(ctx context.Context, taskID string) error
	// Advance records index when it is greater than the last recorded index,
	// within 1..Total, and the entry is not terminal. The bool reports whether
	// the checkpoint was applied.
	Advance(ctx context.Context, taskID string, index int) (Snapshot, bool, error)
	Complete(ctx context.Context, taskID string) (Snapshot, error)
	MarkTerminal(ctx context.Context, taskID, status string) error
	Get(ctx context.Context, taskID string) (*Snapshot, error)
	Forget(ctx context.Context, taskID string) error
}

// next computes the state after accepting index on top of s.
func next(s Snapshot, index int, now time.Time) (Snapshot, bool) {
	if s.Terminal() || index <= s.Completed {
		return s, false
	}
	cp, ok := ByIndex(index)
	if !ok {
		return s, false
	}
	names := make([]string, 0, len(s.CompletedCheckpoints)+1)
	names = append(names, s.CompletedCheckpoints...)
	names = append(names, cp.Name)

	return Snapshot{
		TaskID:               s.TaskID,
		Status:               StatusProcessing,
		Progress:             max(Progress(index), s.Progress),
		CurrentStep:          cp.Display,
		Completed:            index,
		CompletedCheckpoints: names,
		LastUpdated:          now,
	}, true
}

func completed(s Snapshot, now time.Time) Snapshot {
	final := sequence[len(sequence)-1]
	s.Status = StatusCompleted
	s.Progress = 100
	s.CurrentStep = final.Display
	s.LastUpdated = now
	return s
}
