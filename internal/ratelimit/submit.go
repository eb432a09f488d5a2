package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keySubmitUser = "ratelimit:submit:user:%s"

	endpointSubmit = "research_submit"
)

// SubmitLimiter caps research submissions per user: SubmitRateLimit tokens
// refilled evenly over SubmitRateWindow.
type SubmitLimiter struct {
	bucket  Bucket
	rate    float64
	burst   int
	metrics *obsmetrics.Metrics
	log     *zap.Logger
}

type SubmitParams struct {
	fx.In

	Config  config.Config
	Redis   *redis.Client `optional:"true"`
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// NewSubmitLimiter returns nil when the limit is disabled. A nil limiter
// allows everything.
func NewSubmitLimiter(p SubmitParams) *SubmitLimiter {
	limit := p.Config.SubmitRateLimit
	window := p.Config.SubmitRateWindow
	if limit <= 0 || window <= 0 {
		return nil
	}

	var bucket Bucket = NewMemoryBucket(p.Clock)
	if tb := NewTokenBucket(p.Redis); tb != nil {
		bucket = tb
	}
	return &SubmitLimiter{
		bucket:  bucket,
		rate:    float64(limit) / window.Seconds(),
		burst:   limit,
		metrics: p.Metrics,
		log:     p.Log.Named("ratelimit.submit"),
	}
}

// Allow takes one submission token for userID. A backend error fails open.
func (l *SubmitLimiter) Allow(ctx context.Context, userID string) *Result {
	if l == nil {
		return &Result{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keySubmitUser, strings.TrimSpace(userID)), l.rate, l.burst)
	if err != nil {
		l.log.Warn("submit rate limit check failed, allowing", zap.Error(err))
		l.metrics.RecordRateLimitAllowed(ctx, endpointSubmit)
		return &Result{Allowed: true, Limit: l.burst}
	}
	if !res.Allowed {
		l.metrics.RecordRateLimitDenied(ctx, endpointSubmit, "user")
		return res
	}
	l.metrics.RecordRateLimitAllowed(ctx, endpointSubmit)
	return res
}

// RetryAfterSeconds rounds up for the Retry-After header.
func (r *Result) RetryAfterSeconds() int {
	if r == nil || r.RetryAfter <= 0 {
		return 0
	}
	return int((r.RetryAfter + time.Second - 1) / time.Second)
}
