package service

import (
	"context"

	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	"github.com/campuspay/fulfillment/internal/outbox/domain"
	txndomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Hydrate performs the one-time catch-up pull from the remote store into an
// empty local store (cold start or disaster recovery). It is a read path:
// nothing here goes through the outbox, otherwise hydration would echo every
// document straight back to the remote.
func (s *Service) Hydrate(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM transactions`).Scan(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	txnDocs, err := s.remote.ReadAll(ctx, domain.CollectionTransactions)
	if err != nil {
		return err
	}
	acctDocs, err := s.remote.ReadAll(ctx, domain.CollectionCreditAccounts)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, doc := range txnDocs {
			txn := txndomain.FromDocPayload(doc.ID, doc.Data)
			if txn.UID == "" || txn.Status == "" {
				s.log.Warn("skipping malformed remote transaction", zap.String("id", doc.ID))
				continue
			}
			if err := tx.WithContext(ctx).Create(&txn).Error; err != nil {
				return err
			}
		}
		for _, doc := range acctDocs {
			acct := creditdomain.FromDocPayload(doc.ID, doc.Data)
			if err := tx.WithContext(ctx).Create(&acct).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("hydrated local store from remote",
		zap.Int("transactions", len(txnDocs)),
		zap.Int("credit_accounts", len(acctDocs)),
	)
	return nil
}
