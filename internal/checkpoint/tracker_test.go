package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(ttl time.Duration) (*MemoryTracker, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewMemoryTracker(clk, func() time.Duration { return ttl }), clk
}

func TestSequenceShape(t *testing.T) {
	require.Equal(t, 17, Total)

	phases := map[Phase]int{}
	for i, cp := range Sequence() {
		assert.Equal(t, i+1, cp.Index)
		phases[cp.Phase]++
	}
	assert.Equal(t, map[Phase]int{
		PhaseInitialization:  1,
		PhaseQueryGeneration: 1,
		PhaseMarket:          4,
		PhaseCompetitor:      4,
		PhaseCustomer:        4,
		PhaseReport:          2,
		PhaseCompletion:      1,
	}, phases)

	cp, ok := ByName("final_report_delivered")
	require.True(t, ok)
	assert.Equal(t, 17, cp.Index)
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0, Progress(0))
	assert.Equal(t, 6, Progress(1))
	assert.Equal(t, 12, Progress(2))
	assert.Equal(t, 18, Progress(3))
	assert.Equal(t, 24, Progress(4))
	assert.Equal(t, 94, Progress(16))
	assert.Equal(t, 100, Progress(17))
	assert.Equal(t, 100, Progress(40))
	assert.Equal(t, 0, Progress(-3))
}

func TestAdvanceDropsDuplicatesAndStaleIndexes(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute)
	ctx := context.Background()
	require.NoError(t, tracker.Start(ctx, "task-1"))

	var applied []int
	for _, idx := range []int{1, 2, 2, 4, 3, 5} {
		_, ok, err := tracker.Advance(ctx, "task-1", idx)
		require.NoError(t, err)
		if ok {
			applied = append(applied, idx)
		}
	}
	assert.Equal(t, []int{1, 2, 4, 5}, applied)

	snapshot, err := tracker.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 5, snapshot.Completed)
	assert.Equal(t, Progress(5), snapshot.Progress)
	assert.Equal(t, "Market data extracted", snapshot.CurrentStep)
	assert.Equal(t, []string{
		"research_plan_created",
		"queries_generated",
		"market_search_completed",
		"market_extraction_completed",
	}, snapshot.CompletedCheckpoints)
}

func TestAdvanceRejectsOutOfRange(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute)
	ctx := context.Background()

	for _, idx := range []int{0, -1, 18} {
		_, ok, err := tracker.Advance(ctx, "task-2", idx)
		require.NoError(t, err)
		assert.False(t, ok, "index %d", idx)
	}
	_, _, err := tracker.Advance(ctx, "  ", 1)
	require.ErrorIs(t, err, ErrInvalidTaskID)
}

func TestFullRunIsMonotonicAndCompletesAtHundred(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute)
	ctx := context.Background()
	require.NoError(t, tracker.Start(ctx, "task-3"))

	last := 0
	for idx := 1; idx <= 16; idx++ {
		snapshot, ok, err := tracker.Advance(ctx, "task-3", idx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.GreaterOrEqual(t, snapshot.Progress, last)
		assert.Equal(t, Progress(idx), snapshot.Progress)
		last = snapshot.Progress
	}

	// checkpoint 17 never arrives
	snapshot, err := tracker.Complete(ctx, "task-3")
	require.NoError(t, err)
	assert.Equal(t, 100, snapshot.Progress)
	assert.Equal(t, StatusCompleted, snapshot.Status)

	_, ok, err := tracker.Advance(ctx, "task-3", 17)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkTerminal(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute)
	ctx := context.Background()

	_, _, err := tracker.Advance(ctx, "task-4", 1)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkTerminal(ctx, "task-4", StatusAborted))

	_, ok, err := tracker.Advance(ctx, "task-4", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, tracker.MarkTerminal(ctx, "task-4", StatusCompleted), ErrInvalidStatus)

	_, err = tracker.Complete(ctx, "task-5")
	require.NoError(t, err)
	require.NoError(t, tracker.MarkTerminal(ctx, "task-5", StatusFailed))
	snapshot, err := tracker.Get(ctx, "task-5")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snapshot.Status)
}

func TestTerminalEntryExpiresOnlyAfterObserved(t *testing.T) {
	tracker, clk := newTestTracker(time.Minute)
	ctx := context.Background()

	_, err := tracker.Complete(ctx, "task-6")
	require.NoError(t, err)

	clk.Advance(time.Hour)
	snapshot, err := tracker.Get(ctx, "task-6")
	require.NoError(t, err, "unobserved terminal entries stay")
	assert.Equal(t, 100, snapshot.Progress)

	clk.Advance(30 * time.Second)
	_, err = tracker.Get(ctx, "task-6")
	require.NoError(t, err)

	clk.Advance(31 * time.Second)
	_, err = tracker.Get(ctx, "task-6")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProcessingEntriesNeverExpire(t *testing.T) {
	tracker, clk := newTestTracker(time.Second)
	ctx := context.Background()

	_, _, err := tracker.Advance(ctx, "task-7", 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		clk.Advance(time.Hour)
		_, err := tracker.Get(ctx, "task-7")
		require.NoError(t, err)
	}

	require.NoError(t, tracker.Forget(ctx, "task-7"))
	_, err = tracker.Get(ctx, "task-7")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDecodeSnapshot(t *testing.T) {
	s := decodeSnapshot("task-8", map[string]string{
		"status":       "processing",
		"completed":    "4",
		"progress":     "24",
		"current_step": "Market search completed",
		"checkpoints":  "research_plan_created,queries_generated,market_search_completed",
		"updated_at":   "1746100800000",
	})
	assert.Equal(t, 4, s.Completed)
	assert.Equal(t, 24, s.Progress)
	assert.Len(t, s.CompletedCheckpoints, 3)
	assert.Equal(t, time.UnixMilli(1746100800000).UTC(), s.LastUpdated)

	empty := decodeSnapshot("task-9", map[string]string{"checkpoints": ""})
	assert.Equal(t, StatusProcessing, empty.Status)
	assert.Nil(t, empty.CompletedCheckpoints)
}
