package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestTokenBucketRefills(t *testing.T) {
	client, mr := newRedisTestClient(t)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mr.SetTime(start)
	b := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := b.Allow(ctx, "submit:u1", 1, 3)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 2-i, res.Remaining)
	}

	denied, err := b.Allow(ctx, "submit:u1", 1, 3)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, time.Second, denied.RetryAfter)
	assert.Equal(t, start.Add(3*time.Second), denied.ResetTime.UTC())
	assert.Equal(t, 6*time.Second, mr.TTL("submit:u1"))

	mr.SetTime(start.Add(time.Second))
	refilled, err := b.Allow(ctx, "submit:u1", 1, 3)
	require.NoError(t, err)
	assert.True(t, refilled.Allowed)

	other, err := b.Allow(ctx, "submit:u2", 1, 3)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
	assert.Equal(t, 2, other.Remaining, "buckets are independent")
}

func TestTokenBucketValidation(t *testing.T) {
	client, _ := newRedisTestClient(t)
	b := NewTokenBucket(client)
	ctx := context.Background()

	_, err := b.Allow(ctx, "", 1, 1)
	require.ErrorIs(t, err, ErrEmptyKey)
	_, err = b.Allow(ctx, "k", 1, 0)
	require.ErrorIs(t, err, ErrInvalidRate)

	var unset *TokenBucket
	_, err = unset.Allow(ctx, "k", 1, 1)
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Nil(t, NewTokenBucket(nil))
}

func TestRedisLockerLease(t *testing.T) {
	client, mr := newRedisTestClient(t)
	l := NewLocker(client)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "lease:refund_reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)
	assert.Equal(t, time.Minute, mr.TTL("lease:refund_reconcile"))

	_, ok, err = l.TryLock(ctx, "lease:refund_reconcile", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease is exclusive")

	require.NoError(t, l.Release(ctx, "lease:refund_reconcile", "foreign-token"))
	assert.True(t, mr.Exists("lease:refund_reconcile"), "a foreign token leaves the lease in place")

	require.NoError(t, l.Release(ctx, "lease:refund_reconcile", token))
	assert.False(t, mr.Exists("lease:refund_reconcile"))

	_, ok, err = l.TryLock(ctx, "lease:stale_task_recovery", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryLock(ctx, "lease:stale_task_recovery", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is reclaimable")

	_, _, err = l.TryLock(ctx, "", time.Second)
	require.ErrorIs(t, err, errEmptyLockKey)
	_, _, err = l.TryLock(ctx, "k", 0)
	require.ErrorIs(t, err, errInvalidLockTTL)
}
