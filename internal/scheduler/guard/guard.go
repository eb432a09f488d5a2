// Package guard runs a function only while holding a named lease, so one
// replica at a time executes a scheduler job.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/marketpulse/internal/ratelimit"
)

// ErrNotAcquired means another holder owns the lease.
var ErrNotAcquired = errors.New("lease_not_acquired")

// WithLease runs fn while key is held. The lease is released with a fresh
// context so cancellation of ctx still frees it.
func WithLease(ctx context.Context, locker ratelimit.JobLocker, key string, ttl time.Duration, fn func(context.Context) error) error {
	if locker == nil {
		return fn(ctx)
	}
	token, ok, err := locker.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = locker.Release(releaseCtx, key, token)
	}()
	return fn(ctx)
}
