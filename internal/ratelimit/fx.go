package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewSubmitLimiter),
	fx.Provide(NewJobLocker),
)

type LockerParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Clock clock.Clock
}

// NewJobLocker picks the Redis lease when a client exists, otherwise an
// in-process one.
func NewJobLocker(p LockerParams) JobLocker {
	if locker := NewLocker(p.Redis); locker != nil {
		return locker
	}
	return NewLocalLocker(p.Clock)
}
