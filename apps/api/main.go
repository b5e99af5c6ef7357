package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/campuspay/fulfillment/internal/clock"
	"github.com/campuspay/fulfillment/internal/config"
	"github.com/campuspay/fulfillment/internal/credit"
	"github.com/campuspay/fulfillment/internal/engine"
	"github.com/campuspay/fulfillment/internal/gateway"
	"github.com/campuspay/fulfillment/internal/heartbeat"
	"github.com/campuspay/fulfillment/internal/migration"
	"github.com/campuspay/fulfillment/internal/notify"
	"github.com/campuspay/fulfillment/internal/observability"
	"github.com/campuspay/fulfillment/internal/outbox"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	"github.com/campuspay/fulfillment/internal/plan"
	"github.com/campuspay/fulfillment/internal/remote"
	"github.com/campuspay/fulfillment/internal/server"
	"github.com/campuspay/fulfillment/internal/transaction"
	"github.com/campuspay/fulfillment/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		plan.Module,
		remote.Module,
		outbox.Module,
		transaction.Module,
		credit.Module,
		gateway.Module,
		heartbeat.Module,
		notify.Module,
		engine.Module,

		fx.Invoke(hydrate),
		fx.Invoke(engine.Start),
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

// hydrate restores local state from the remote store on a cold start,
// before the HTTP surface or the engine loops come up.
func hydrate(lc fx.Lifecycle, svc outboxdomain.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Hydrate(ctx)
		},
	})
}
