package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	creditdomain "github.com/smallbiznis/marketpulse/internal/credit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultRemainingTTL = 30 * time.Second

	keyRemaining = "remaining:%s"
)

// RemainingCache holds searches-remaining snapshots between ledger writes.
// Get treats backend failures as a miss; Invalidate reports them so the
// caller can log a possibly stale entry.
type RemainingCache interface {
	Get(ctx context.Context, userID, month string) (creditdomain.Remaining, bool)
	Set(ctx context.Context, userID, month string, remaining creditdomain.Remaining)
	Invalidate(ctx context.Context, userID, month string) error
}

type RemainingParams struct {
	fx.In

	Redis *redis.Client `optional:"true"`
	Log   *zap.Logger
}

// NewRemainingCache shares entries through Redis when a client is wired so
// ledger writes in one process invalidate reads served by another.
func NewRemainingCache(p RemainingParams) RemainingCache {
	if p.Redis == nil {
		p.Log.Named("cache").Info("using in-process searches-remaining cache")
		return NewMemoryRemainingCache()
	}
	return NewRedisRemainingCache(p.Redis, defaultRemainingTTL)
}

type memoryRemainingCache struct {
	entries Cache[string, creditdomain.Remaining]
	ttl     time.Duration
}

func NewMemoryRemainingCache() RemainingCache {
	return &memoryRemainingCache{
		entries: NewTTLCache[string, creditdomain.Remaining](),
		ttl:     defaultRemainingTTL,
	}
}

func (c *memoryRemainingCache) Get(_ context.Context, userID, month string) (creditdomain.Remaining, bool) {
	return c.entries.Get(cacheKey(userID, month))
}

func (c *memoryRemainingCache) Set(_ context.Context, userID, month string, remaining creditdomain.Remaining) {
	c.entries.Set(cacheKey(userID, month), remaining, c.ttl)
}

func (c *memoryRemainingCache) Invalidate(_ context.Context, userID, month string) error {
	c.entries.Delete(cacheKey(userID, month))
	return nil
}

type redisRemainingCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRemainingCache(client *redis.Client, ttl time.Duration) RemainingCache {
	if ttl <= 0 {
		ttl = defaultRemainingTTL
	}
	return &redisRemainingCache{client: client, ttl: ttl}
}

func remainingKey(userID, month string) string {
	return fmt.Sprintf(keyRemaining, cacheKey(userID, month))
}

func (c *redisRemainingCache) Get(ctx context.Context, userID, month string) (creditdomain.Remaining, bool) {
	var out creditdomain.Remaining
	raw, err := c.client.Get(ctx, remainingKey(userID, month)).Bytes()
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return creditdomain.Remaining{}, false
	}
	return out, true
}

func (c *redisRemainingCache) Set(ctx context.Context, userID, month string, remaining creditdomain.Remaining) {
	raw, err := json.Marshal(remaining)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, remainingKey(userID, month), raw, c.ttl).Err()
}

func (c *redisRemainingCache) Invalidate(ctx context.Context, userID, month string) error {
	err := c.client.Del(ctx, remainingKey(userID, month)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

var Module = fx.Module("cache",
	fx.Provide(NewRemainingCache),
)
