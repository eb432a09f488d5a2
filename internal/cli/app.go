package cli

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpulse/internal/cache"
	"github.com/smallbiznis/marketpulse/internal/checkpoint"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/smallbiznis/marketpulse/internal/credit"
	"github.com/smallbiznis/marketpulse/internal/engine"
	"github.com/smallbiznis/marketpulse/internal/observability"
	"github.com/smallbiznis/marketpulse/internal/observability/logger"
	"github.com/smallbiznis/marketpulse/internal/redisclient"
	"github.com/smallbiznis/marketpulse/internal/research"
	"github.com/smallbiznis/marketpulse/internal/search"
	"github.com/smallbiznis/marketpulse/pkg/db"
	"go.uber.org/fx"
)

const appTimeout = 30 * time.Second

// withServices boots the domain graph without HTTP, worker or scheduler,
// fills targets via fx.Populate, runs fn and shuts down.
func withServices(ctx context.Context, fn func(context.Context) error, targets ...any) error {
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		// stdout carries command output
		fx.Decorate(func(c logger.Config) logger.Config {
			c.Output = "stderr"
			return c
		}),
		fx.Provide(provideSnowflake),
		db.Module,
		clock.Module,
		redisclient.Module,
		cache.Module,
		checkpoint.Module,
		search.Module,
		engine.Module,
		credit.Module,
		research.Module,
		fx.Populate(targets...),
	)

	startCtx, cancel := context.WithTimeout(ctx, appTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), appTimeout)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx)
}

// Node 3 keeps CLI-issued ids disjoint from the API and workers.
func provideSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(3)
}
