package service

import (
	"context"
	"strings"
	"time"

	"github.com/campuspay/fulfillment/internal/clock"
	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	"github.com/campuspay/fulfillment/internal/plan"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// adminUnlimitedWindow is the expiry applied when an operator grants the
// unlimited flag without a plan-bound duration.
const adminUnlimitedWindow = 30 * 24 * time.Hour

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Outbox outboxdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	outbox outboxdomain.Service
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("credit.service"),
		clock:  p.Clock,
		outbox: p.Outbox,
	}
}

func (s *Service) GetAccount(ctx context.Context, uid string) (creditdomain.Account, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return creditdomain.Account{}, creditdomain.ErrInvalidUID
	}

	now := s.clock.Now()
	var acct creditdomain.Account

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := s.load(ctx, tx, uid)
		if err != nil {
			return err
		}
		if loaded == nil {
			created, err := s.create(ctx, tx, uid, now)
			if err != nil {
				return err
			}
			acct = *created
			return nil
		}

		updated, err := s.applyDailyReset(ctx, tx, loaded, now)
		if err != nil {
			return err
		}
		acct = *updated
		return nil
	})
	if err != nil {
		return creditdomain.Account{}, err
	}
	return acct, nil
}

func (s *Service) Balance(ctx context.Context, uid string) (creditdomain.Balance, error) {
	acct, err := s.GetAccount(ctx, uid)
	if err != nil {
		return creditdomain.Balance{}, err
	}
	return creditdomain.Balance{
		Credits:            acct.Credits,
		IsUnlimited:        acct.UnlimitedActive(s.clock.Now()),
		UnlimitedExpiresAt: acct.UnlimitedExpiresAt,
	}, nil
}

// ApplyFulfillment applies the purchased plan inside the caller's DB
// transaction. The delta is unconditional: calling it twice for the same
// completed transaction double-credits, so only the state-machine winner may
// invoke it.
func (s *Service) ApplyFulfillment(ctx context.Context, tx *gorm.DB, uid string, p plan.Plan, transactionRef string) error {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return creditdomain.ErrInvalidUID
	}

	now := s.clock.Now()
	var res *gorm.DB
	if p.Unlimited() {
		expiry := now.Add(p.Duration())
		res = tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			 SET unlimited_expires_at = ?, last_payment_ref = ?, updated_at = ?
			 WHERE uid = ?`,
			expiry,
			transactionRef,
			now,
			uid,
		)
	} else {
		// Atomic increment, never read-modify-write: concurrent
		// fulfillments for the same uid must not lose updates.
		res = tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			 SET credits = credits + ?, last_payment_ref = ?, updated_at = ?
			 WHERE uid = ?`,
			p.Credits,
			transactionRef,
			now,
			uid,
		)
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// First contact with this uid is a fulfillment, not a read; seed
		// without the first-read bonus.
		today := startOfDay(now)
		acct := creditdomain.Account{
			UID:            uid,
			LastDailyReset: &today,
			LastPaymentRef: transactionRef,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if p.Unlimited() {
			expiry := now.Add(p.Duration())
			acct.UnlimitedExpiresAt = &expiry
		} else {
			acct.Credits = p.Credits
		}
		if err := tx.WithContext(ctx).Create(&acct).Error; err != nil {
			return err
		}
	}

	loaded, err := s.load(ctx, tx, uid)
	if err != nil {
		return err
	}
	return s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionCreditAccounts, uid, outboxdomain.OpUpdate, loaded.DocPayload())
}

func (s *Service) ConsumeOne(ctx context.Context, uid string) (int64, error) {
	acct, err := s.GetAccount(ctx, uid)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	if acct.UnlimitedActive(now) {
		return creditdomain.CreditsUnlimited, nil
	}

	var remaining int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The credits > 0 guard makes the decrement safe under
		// concurrent consumption for the same uid.
		res := tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			 SET credits = credits - 1, updated_at = ?
			 WHERE uid = ? AND credits > 0`,
			now,
			uid,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return creditdomain.ErrInsufficientCredits
		}

		loaded, err := s.load(ctx, tx, uid)
		if err != nil {
			return err
		}
		remaining = loaded.Credits
		return s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionCreditAccounts, uid, outboxdomain.OpUpdate, loaded.DocPayload())
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// AdminSetAbsolute sets (never adds to) the balance. Administrative writes
// still go through the outbox so the remote store converges.
func (s *Service) AdminSetAbsolute(ctx context.Context, uid string, credits int64, unlimited bool) error {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return creditdomain.ErrInvalidUID
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expiry *time.Time
		if unlimited {
			until := now.Add(adminUnlimitedWindow)
			expiry = &until
		}

		res := tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			 SET credits = ?, unlimited_expires_at = ?, updated_at = ?
			 WHERE uid = ?`,
			credits,
			expiry,
			now,
			uid,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			today := startOfDay(now)
			acct := creditdomain.Account{
				UID:                uid,
				Credits:            credits,
				UnlimitedExpiresAt: expiry,
				LastDailyReset:     &today,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := tx.WithContext(ctx).Create(&acct).Error; err != nil {
				return err
			}
		}

		loaded, err := s.load(ctx, tx, uid)
		if err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionCreditAccounts, uid, outboxdomain.OpUpdate, loaded.DocPayload())
	})
}

func (s *Service) load(ctx context.Context, db *gorm.DB, uid string) (*creditdomain.Account, error) {
	var acct creditdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_accounts WHERE uid = ? LIMIT 1`,
		uid,
	).Scan(&acct).Error
	if err != nil {
		return nil, err
	}
	if acct.UID == "" {
		return nil, nil
	}
	return &acct, nil
}

func (s *Service) create(ctx context.Context, tx *gorm.DB, uid string, now time.Time) (*creditdomain.Account, error) {
	today := startOfDay(now)
	acct := creditdomain.Account{
		UID:            uid,
		Credits:        creditdomain.FirstTimeBonus,
		LastDailyReset: &today,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&acct).Error; err != nil {
		return nil, err
	}
	if err := s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionCreditAccounts, uid, outboxdomain.OpCreate, acct.DocPayload()); err != nil {
		return nil, err
	}
	return &acct, nil
}

// applyDailyReset advances lastDailyReset to today on every first access of
// the day, but only boosts balances below the free floor.
func (s *Service) applyDailyReset(ctx context.Context, tx *gorm.DB, acct *creditdomain.Account, now time.Time) (*creditdomain.Account, error) {
	today := startOfDay(now)
	if acct.LastDailyReset != nil && !acct.LastDailyReset.Before(today) {
		return acct, nil
	}

	// The boost is guarded on the live balance, never the one loaded
	// earlier: a fulfillment or consumption committing after our read
	// must not be overwritten by a stale absolute write.
	res := tx.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET credits = ?, last_daily_reset = ?, updated_at = ?
		 WHERE uid = ? AND (last_daily_reset IS NULL OR last_daily_reset < ?)
		   AND credits < ?`,
		creditdomain.DailyFreeCredits,
		today,
		now,
		acct.UID,
		today,
		creditdomain.DailyFreeCredits,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Balance at or above the floor: advance the reset marker only.
		res = tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			 SET last_daily_reset = ?, updated_at = ?
			 WHERE uid = ? AND (last_daily_reset IS NULL OR last_daily_reset < ?)`,
			today,
			now,
			acct.UID,
			today,
		)
		if res.Error != nil {
			return nil, res.Error
		}
	}

	loaded, err := s.load(ctx, tx, acct.UID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected > 0 {
		if err := s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionCreditAccounts, acct.UID, outboxdomain.OpUpdate, loaded.DocPayload()); err != nil {
			return nil, err
		}
	}
	return loaded, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
