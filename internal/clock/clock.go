package clock

import (
	"context"
	"time"

	"go.uber.org/fx"
)

type Clock interface {
	Now() time.Time
}

// Sleeper is implemented by clocks that control how waiting passes time.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	return SleepContext(ctx, d)
}

// Sleep waits d on clk when it is a Sleeper and on the wall clock otherwise.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if s, ok := clk.(Sleeper); ok {
		return s.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits d of wall time or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MonthKey formats t as the YYYY-MM billing month.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
