package ratelimit

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/smallbiznis/marketpulse/internal/clock"
)

type bucketState struct {
	tokens float64
	ts     time.Time
}

// MemoryBucket is a process-local Bucket for single-node runs.
type MemoryBucket struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucketState
}

func NewMemoryBucket(clk clock.Clock) *MemoryBucket {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemoryBucket{clock: clk, buckets: make(map[string]*bucketState)}
}

func (b *MemoryBucket) Allow(_ context.Context, key string, rate float64, burst int) (*Result, error) {
	if err := validate(key, rate, burst); err != nil {
		return &Result{}, err
	}
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.buckets[key]
	if !ok {
		state = &bucketState{tokens: float64(burst), ts: now}
		b.buckets[key] = state
	} else if elapsed := now.Sub(state.ts); elapsed > 0 {
		state.tokens = math.Min(float64(burst), state.tokens+elapsed.Seconds()*rate)
		state.ts = now
	}

	allowed := state.tokens >= 1
	if allowed {
		state.tokens--
	}
	return decide(allowed, state.tokens, rate, burst, now), nil
}

type localLock struct {
	token     string
	expiresAt time.Time
}

// LocalLocker is the in-process JobLocker used when no Redis is configured.
type LocalLocker struct {
	mu    sync.Mutex
	clock clock.Clock
	seq   uint64
	locks map[string]localLock
}

func NewLocalLocker(clk clock.Clock) *LocalLocker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &LocalLocker{clock: clk, locks: make(map[string]localLock)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := validateLock(key, ttl); err != nil {
		return "", false, err
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.locks[key]; ok && now.Before(held.expiresAt) {
		return "", false, nil
	}
	l.seq++
	token := strconv.FormatUint(l.seq, 10)
	l.locks[key] = localLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.token == token {
		delete(l.locks, key)
	}
	return nil
}
