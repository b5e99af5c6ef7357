package migration

import (
	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	txdomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module brings the schema up to date at startup. The schema is small
// enough that gorm's auto-migration covers it; there is no separate
// migration history to manage.
var Module = fx.Module("migrations",
	fx.Invoke(Run),
)

// Run applies the schema for every persisted model.
func Run(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&txdomain.Transaction{},
		&txdomain.ArchivedTransaction{},
		&creditdomain.Account{},
		&outboxdomain.Item{},
		&outboxdomain.DeadLetter{},
	)
}
