package transaction

import (
	"github.com/campuspay/fulfillment/internal/transaction/repository"
	"github.com/campuspay/fulfillment/internal/transaction/service"
	"go.uber.org/fx"
)

var Module = fx.Module("transaction.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
