package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestTracker(t *testing.T, ttl time.Duration) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewFakeClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewRedisTracker(client, clk, func() time.Duration { return ttl }), mr
}

func TestRedisAdvanceDropsDuplicatesAndStaleIndexes(t *testing.T) {
	tracker, _ := newRedisTestTracker(t, time.Minute)
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
	assert.Equal(t, StatusProcessing, snapshot.Status)
	assert.Equal(t, 5, snapshot.Completed)
	assert.Equal(t, Progress(5), snapshot.Progress)
	assert.Equal(t, "Market data extracted", snapshot.CurrentStep)
	assert.Equal(t, []string{
		"research_plan_created",
		"queries_generated",
		"market_search_completed",
		"market_extraction_completed",
	}, snapshot.CompletedCheckpoints)
	assert.Equal(t, time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC), snapshot.LastUpdated)
}

func TestRedisAdvanceRejectsOutOfRange(t *testing.T) {
	tracker, _ := newRedisTestTracker(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, tracker.Start(ctx, "task-2"))

	for _, idx := range []int{0, -1, 18} {
		_, ok, err := tracker.Advance(ctx, "task-2", idx)
		require.NoError(t, err)
		assert.False(t, ok, "index %d", idx)
	}
	_, _, err := tracker.Advance(ctx, " ", 1)
	require.ErrorIs(t, err, ErrInvalidTaskID)
}

func TestRedisCompleteForcesHundredAndBlocksAdvance(t *testing.T) {
	tracker, _ := newRedisTestTracker(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, tracker.Start(ctx, "task-3"))

	last := 0
	for idx := 1; idx <= 16; idx++ {
		snapshot, ok, err := tracker.Advance(ctx, "task-3", idx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.GreaterOrEqual(t, snapshot.Progress, last)
		last = snapshot.Progress
	}
	assert.Equal(t, 94, last)

	snapshot, err := tracker.Complete(ctx, "task-3")
	require.NoError(t, err)
	assert.Equal(t, 100, snapshot.Progress)
	assert.Equal(t, StatusCompleted, snapshot.Status)

	_, ok, err := tracker.Advance(ctx, "task-3", 17)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tracker.MarkTerminal(ctx, "task-3", StatusFailed))
	snapshot2, err := tracker.Get(ctx, "task-3")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snapshot2.Status, "completed entries ignore later terminal marks")
}

func TestRedisMarkTerminalBlocksAdvance(t *testing.T) {
	tracker, _ := newRedisTestTracker(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, tracker.Start(ctx, "task-4"))

	_, _, err := tracker.Advance(ctx, "task-4", 1)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkTerminal(ctx, "task-4", StatusAborted))

	snapshot, ok, err := tracker.Advance(ctx, "task-4", 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, snapshot.Terminal())
	assert.Equal(t, 1, snapshot.Completed)

	require.ErrorIs(t, tracker.MarkTerminal(ctx, "task-4", StatusCompleted), ErrInvalidStatus)
}

func TestRedisTerminalEntryExpiresOnlyAfterObserved(t *testing.T) {
	tracker, mr := newRedisTestTracker(t, time.Minute)
	ctx := context.Background()
	key := "checkpoint:task-5"

	require.NoError(t, tracker.Start(ctx, "task-5"))
	_, _, err := tracker.Advance(ctx, "task-5", 1)
	require.NoError(t, err)

	_, err = tracker.Get(ctx, "task-5")
	require.NoError(t, err)
	assert.Zero(t, mr.TTL(key), "processing entries carry no ttl")

	_, err = tracker.Complete(ctx, "task-5")
	require.NoError(t, err)
	assert.Zero(t, mr.TTL(key), "unobserved terminal entries carry no ttl")

	_, err = tracker.Get(ctx, "task-5")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(key))

	// a second read does not extend the ttl
	mr.FastForward(30 * time.Second)
	_, err = tracker.Get(ctx, "task-5")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL(key))

	mr.FastForward(31 * time.Second)
	_, err = tracker.Get(ctx, "task-5")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStartResetsAndForgetRemoves(t *testing.T) {
	tracker, _ := newRedisTestTracker(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, tracker.Start(ctx, "task-6"))
	_, _, err := tracker.Advance(ctx, "task-6", 3)
	require.NoError(t, err)

	require.NoError(t, tracker.Start(ctx, "task-6"))
	snapshot, err := tracker.Get(ctx, "task-6")
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.Completed)
	assert.Equal(t, 0, snapshot.Progress)
	assert.Nil(t, snapshot.CompletedCheckpoints)

	require.NoError(t, tracker.Forget(ctx, "task-6"))
	_, err = tracker.Get(ctx, "task-6")
	require.ErrorIs(t, err, ErrNotFound)
}
