package outbox

import (
	"github.com/campuspay/fulfillment/internal/outbox/service"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox.service",
	fx.Provide(service.NewService),
)
