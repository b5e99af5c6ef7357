package engine

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("engine",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// Start runs the engine loops for the lifetime of the process.
func Start(lc fx.Lifecycle, e *Engine) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go e.Run(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
