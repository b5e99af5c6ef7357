package domain

import (
	"context"
	"time"

	"github.com/campuspay/fulfillment/internal/plan"
	"gorm.io/gorm"
)

const (
	// FirstTimeBonus seeds accounts created on first read.
	FirstTimeBonus = 3
	// DailyFreeCredits is the floor the daily reset raises balances to.
	DailyFreeCredits = 3
	// CreditsUnlimited is the sentinel balance reported while an unlimited
	// plan is active.
	CreditsUnlimited int64 = -1
)

// Account is the per-user credit balance. Never hard-deleted.
type Account struct {
	UID                string     `json:"uid" gorm:"primaryKey;type:text"`
	Credits            int64      `json:"credits" gorm:"not null;default:0"`
	UnlimitedExpiresAt *time.Time `json:"unlimited_expires_at,omitempty"`
	LastDailyReset     *time.Time `json:"last_daily_reset,omitempty"`
	LastPaymentRef     string     `json:"last_payment_ref,omitempty" gorm:"type:text"`
	CreatedAt          time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time  `json:"updated_at" gorm:"not null"`
}

func (Account) TableName() string { return "credit_accounts" }

// UnlimitedActive reports whether the unlimited window covers now.
func (a Account) UnlimitedActive(now time.Time) bool {
	return a.UnlimitedExpiresAt != nil && a.UnlimitedExpiresAt.After(now)
}

// Balance is the consumption-facing read model.
type Balance struct {
	Credits            int64      `json:"credits"`
	IsUnlimited        bool       `json:"is_unlimited"`
	UnlimitedExpiresAt *time.Time `json:"unlimited_expires_at,omitempty"`
}

// Service is the credit ledger contract.
type Service interface {
	// GetAccount lazily creates unknown accounts with the first-time bonus
	// and applies the daily reset rule on every access.
	GetAccount(ctx context.Context, uid string) (Account, error)
	Balance(ctx context.Context, uid string) (Balance, error)
	// ApplyFulfillment runs inside the caller's DB transaction and performs
	// an unconditional delta; the caller owns the once-per-transaction
	// idempotency guard.
	ApplyFulfillment(ctx context.Context, tx *gorm.DB, uid string, p plan.Plan, transactionRef string) error
	ConsumeOne(ctx context.Context, uid string) (int64, error)
	AdminSetAbsolute(ctx context.Context, uid string, credits int64, unlimited bool) error
}

// DocPayload is the remote-store document shape for an account.
func (a Account) DocPayload() map[string]any {
	doc := map[string]any{
		"credits":   a.Credits,
		"updatedAt": a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.UnlimitedExpiresAt != nil {
		doc["unlimitedExpiresAt"] = a.UnlimitedExpiresAt.UTC().Format(time.RFC3339)
	}
	if a.LastDailyReset != nil {
		doc["lastDailyReset"] = a.LastDailyReset.UTC().Format("2006-01-02")
	}
	if a.LastPaymentRef != "" {
		doc["lastPaymentRef"] = a.LastPaymentRef
	}
	return doc
}
