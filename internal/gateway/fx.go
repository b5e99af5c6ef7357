package gateway

import (
	"github.com/campuspay/fulfillment/internal/clock"
	"github.com/campuspay/fulfillment/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the payment gateway selected at construction time.
var Module = fx.Module("gateway",
	fx.Provide(NewGateway),
)

// NewGateway picks the implementation from config. Anything other than
// "daraja" gets the sandbox so local runs never hit the provider.
func NewGateway(cfg config.Config, clk clock.Clock, log *zap.Logger) (Gateway, error) {
	if cfg.GatewayMode == config.GatewayDaraja {
		return NewDarajaGateway(cfg.Daraja, clk, log)
	}
	return NewSandboxGateway(), nil
}
