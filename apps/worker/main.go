package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpulse/internal/cache"
	"github.com/smallbiznis/marketpulse/internal/checkpoint"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/smallbiznis/marketpulse/internal/credit"
	"github.com/smallbiznis/marketpulse/internal/engine"
	"github.com/smallbiznis/marketpulse/internal/observability"
	"github.com/smallbiznis/marketpulse/internal/ratelimit"
	"github.com/smallbiznis/marketpulse/internal/redisclient"
	"github.com/smallbiznis/marketpulse/internal/research"
	"github.com/smallbiznis/marketpulse/internal/scheduler"
	"github.com/smallbiznis/marketpulse/internal/search"
	"github.com/smallbiznis/marketpulse/internal/worker"
	"github.com/smallbiznis/marketpulse/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisclient.Module,

		// Domain services the worker drives
		cache.Module,
		checkpoint.Module,
		search.Module,
		engine.Module,
		credit.Module,
		research.Module,
		ratelimit.Module,

		// No server module!
		worker.Module,
		scheduler.Module,
	)
	app.Run()
}

// Node 2 keeps worker-issued ids disjoint from the API's.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
