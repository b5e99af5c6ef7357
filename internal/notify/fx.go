package notify

import "go.uber.org/fx"

// Module wires the engine event hub.
var Module = fx.Module("notify",
	fx.Provide(NewHub),
)
