package checkpoint

import (
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("checkpoint",
	fx.Provide(NewTracker),
)

type TrackerParams struct {
	fx.In

	Redis  *redis.Client `optional:"true"`
	Clock  clock.Clock
	Policy *config.ResearchPolicyHolder
	Log    *zap.Logger
}

func NewTracker(p TrackerParams) Tracker {
	ttl := func() time.Duration { return p.Policy.Get().TrackerTTL }
	if p.Redis == nil {
		p.Log.Named("checkpoint").Info("using in-memory checkpoint tracker")
		return NewMemoryTracker(p.Clock, ttl)
	}
	return NewRedisTracker(p.Redis, p.Clock, ttl)
}
