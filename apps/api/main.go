package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpulse/internal/authorization"
	"github.com/smallbiznis/marketpulse/internal/cache"
	"github.com/smallbiznis/marketpulse/internal/checkpoint"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/smallbiznis/marketpulse/internal/credit"
	"github.com/smallbiznis/marketpulse/internal/engine"
	"github.com/smallbiznis/marketpulse/internal/migration"
	"github.com/smallbiznis/marketpulse/internal/observability"
	"github.com/smallbiznis/marketpulse/internal/providers"
	"github.com/smallbiznis/marketpulse/internal/ratelimit"
	"github.com/smallbiznis/marketpulse/internal/redisclient"
	"github.com/smallbiznis/marketpulse/internal/research"
	"github.com/smallbiznis/marketpulse/internal/search"
	"github.com/smallbiznis/marketpulse/internal/server"
	"github.com/smallbiznis/marketpulse/pkg/db"
	"go.uber.org/fx"
)

// The API process accepts submissions and serves status; research runs in
// apps/worker.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		redisclient.Module,

		cache.Module,
		checkpoint.Module,
		search.Module,
		engine.Module,
		credit.Module,
		research.Module,
		ratelimit.Module,
		authorization.Module,
		providers.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
