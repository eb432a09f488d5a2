package search

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("search",
	fx.Provide(NewIndex),
)

type IndexParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Clock clock.Clock
}

func NewIndex(p IndexParams) Index {
	if p.Redis == nil {
		return NewMemoryIndex(p.Clock)
	}
	return NewRedisIndex(p.Redis, p.Clock)
}
