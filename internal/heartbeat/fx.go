package heartbeat

import "go.uber.org/fx"

// Module wires the verification heartbeat monitor.
var Module = fx.Module("heartbeat",
	fx.Provide(NewMonitor),
)
