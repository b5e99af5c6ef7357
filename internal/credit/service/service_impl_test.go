package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/campuspay/fulfillment/internal/clock"
	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	outboxservice "github.com/campuspay/fulfillment/internal/outbox/service"
	"github.com/campuspay/fulfillment/internal/plan"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupLedger(t *testing.T) (creditdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	_ = db.Exec("PRAGMA journal_mode = WAL").Error

	if err := db.AutoMigrate(&creditdomain.Account{}, &outboxdomain.Item{}, &outboxdomain.DeadLetter{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	outboxSvc := outboxservice.NewService(outboxservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
	})
	svc := NewService(Params{
		DB:     db,
		Log:    log,
		Clock:  clk,
		Outbox: outboxSvc,
	})
	return svc, db, clk
}

func outboxRows(t *testing.T, db *gorm.DB, uid string) int64 {
	t.Helper()
	var count int64
	err := db.Raw(
		`SELECT COUNT(1) FROM outbox_items WHERE collection = ? AND doc_id = ?`,
		outboxdomain.CollectionCreditAccounts, uid,
	).Scan(&count).Error
	if err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	return count
}

func TestFirstReadSeedsBonus(t *testing.T) {
	svc, db, _ := setupLedger(t)
	ctx := context.Background()

	acct, err := svc.GetAccount(ctx, "u-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != creditdomain.FirstTimeBonus {
		t.Fatalf("credits = %d, want %d", acct.Credits, creditdomain.FirstTimeBonus)
	}
	if acct.LastDailyReset == nil {
		t.Fatal("expected last_daily_reset on seed")
	}
	if got := outboxRows(t, db, "u-1"); got != 1 {
		t.Fatalf("outbox rows = %d, want 1", got)
	}
}

func TestDailyResetBoostsBelowFloor(t *testing.T) {
	svc, _, clk := setupLedger(t)
	ctx := context.Background()

	if _, err := svc.GetAccount(ctx, "u-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.ConsumeOne(ctx, "u-1"); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	clk.Advance(24 * time.Hour)
	acct, err := svc.GetAccount(ctx, "u-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != creditdomain.DailyFreeCredits {
		t.Fatalf("credits after reset = %d, want %d", acct.Credits, creditdomain.DailyFreeCredits)
	}
}

func TestDailyResetLeavesHigherBalance(t *testing.T) {
	svc, _, clk := setupLedger(t)
	ctx := context.Background()

	if err := svc.AdminSetAbsolute(ctx, "u-1", 5, false); err != nil {
		t.Fatalf("admin set: %v", err)
	}

	clk.Advance(24 * time.Hour)
	acct, err := svc.GetAccount(ctx, "u-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != 5 {
		t.Fatalf("credits = %d, want 5 (reset is a floor, not a set)", acct.Credits)
	}
	today := clk.Now().Truncate(24 * time.Hour)
	if acct.LastDailyReset == nil || acct.LastDailyReset.Before(today) {
		t.Fatalf("last_daily_reset = %v, want advanced to %v", acct.LastDailyReset, today)
	}
}

func TestDailyResetNeverClobbersConcurrentFulfillment(t *testing.T) {
	svc, db, clk := setupLedger(t)
	ctx := context.Background()
	impl := svc.(*Service)

	if err := svc.AdminSetAbsolute(ctx, "u-1", 5, false); err != nil {
		t.Fatalf("admin set: %v", err)
	}

	clk.Advance(24 * time.Hour)

	// Snapshot loaded before the reset write, as GetAccount does.
	stale, err := impl.load(ctx, db, "u-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stale.Credits != 5 {
		t.Fatalf("stale credits = %d, want 5", stale.Credits)
	}

	// A fulfillment commits between that read and the reset write.
	if err := applyInTx(ctx, svc, "u-1", plan.Plan{ID: "pro", Credits: 25, Price: 50}, "txn-1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := impl.applyDailyReset(ctx, tx, stale, clk.Now())
		return err
	})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}

	acct, err := impl.load(ctx, db, "u-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if acct.Credits != 30 {
		t.Fatalf("credits = %d, want 30 (reset must not overwrite the fulfillment)", acct.Credits)
	}
	today := clk.Now().Truncate(24 * time.Hour)
	if acct.LastDailyReset == nil || acct.LastDailyReset.Before(today) {
		t.Fatalf("last_daily_reset = %v, want advanced to %v", acct.LastDailyReset, today)
	}
}

func TestDailyResetBoostGuardedOnLiveBalance(t *testing.T) {
	svc, db, clk := setupLedger(t)
	ctx := context.Background()
	impl := svc.(*Service)

	if err := svc.AdminSetAbsolute(ctx, "u-1", 1, false); err != nil {
		t.Fatalf("admin set: %v", err)
	}

	clk.Advance(24 * time.Hour)

	stale, err := impl.load(ctx, db, "u-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// The stale snapshot is below the floor, but a fulfillment lands
	// before the reset write. The boost must see the live balance.
	if err := applyInTx(ctx, svc, "u-1", plan.Plan{ID: "pro", Credits: 25, Price: 50}, "txn-1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := impl.applyDailyReset(ctx, tx, stale, clk.Now())
		return err
	})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}

	acct, err := impl.load(ctx, db, "u-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if acct.Credits != 26 {
		t.Fatalf("credits = %d, want 26 (no stale boost down to the floor)", acct.Credits)
	}
}

func TestSameDayAccessIsNoop(t *testing.T) {
	svc, db, clk := setupLedger(t)
	ctx := context.Background()

	if _, err := svc.GetAccount(ctx, "u-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := outboxRows(t, db, "u-1")

	clk.Advance(2 * time.Hour)
	acct, err := svc.GetAccount(ctx, "u-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != creditdomain.FirstTimeBonus {
		t.Fatalf("credits = %d, want %d", acct.Credits, creditdomain.FirstTimeBonus)
	}
	if got := outboxRows(t, db, "u-1"); got != before {
		t.Fatalf("same-day access enqueued %d extra outbox rows", got-before)
	}
}

func TestConsumeOne(t *testing.T) {
	svc, _, _ := setupLedger(t)
	ctx := context.Background()

	remaining, err := svc.ConsumeOne(ctx, "u-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if remaining != creditdomain.FirstTimeBonus-1 {
		t.Fatalf("remaining = %d, want %d", remaining, creditdomain.FirstTimeBonus-1)
	}
}

func TestConsumeOneExhausted(t *testing.T) {
	svc, _, _ := setupLedger(t)
	ctx := context.Background()

	for i := 0; i < creditdomain.FirstTimeBonus; i++ {
		if _, err := svc.ConsumeOne(ctx, "u-1"); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if _, err := svc.ConsumeOne(ctx, "u-1"); !errors.Is(err, creditdomain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
}

func TestConsumeUnlimitedLeavesBalance(t *testing.T) {
	svc, db, _ := setupLedger(t)
	ctx := context.Background()

	if err := svc.AdminSetAbsolute(ctx, "u-1", 2, true); err != nil {
		t.Fatalf("admin set: %v", err)
	}

	remaining, err := svc.ConsumeOne(ctx, "u-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if remaining != creditdomain.CreditsUnlimited {
		t.Fatalf("remaining = %d, want %d sentinel", remaining, creditdomain.CreditsUnlimited)
	}

	var acct creditdomain.Account
	if err := db.Raw(`SELECT * FROM credit_accounts WHERE uid = ?`, "u-1").Scan(&acct).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if acct.Credits != 2 {
		t.Fatalf("credits = %d, unlimited consumption must not decrement", acct.Credits)
	}
}

func TestUnlimitedExpiryFallsBackToCredits(t *testing.T) {
	svc, _, clk := setupLedger(t)
	ctx := context.Background()

	if _, err := svc.GetAccount(ctx, "u-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := applyInTx(ctx, svc, "u-1", plan.Plan{ID: "unlimited_day", Price: 30, DurationDays: 1}, "txn-1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if remaining, err := svc.ConsumeOne(ctx, "u-1"); err != nil || remaining != creditdomain.CreditsUnlimited {
		t.Fatalf("consume during window = (%d, %v), want unlimited sentinel", remaining, err)
	}

	clk.Advance(25 * time.Hour)
	remaining, err := svc.ConsumeOne(ctx, "u-1")
	if err != nil {
		t.Fatalf("consume after expiry: %v", err)
	}
	if remaining == creditdomain.CreditsUnlimited {
		t.Fatal("expired window must fall back to the credit balance")
	}
}

func TestApplyFulfillmentSeedsWithoutBonus(t *testing.T) {
	svc, _, _ := setupLedger(t)
	ctx := context.Background()

	if err := applyInTx(ctx, svc, "u-new", plan.Plan{ID: "value", Credits: 10, Price: 30}, "txn-1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	acct, err := svc.GetAccount(ctx, "u-new")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != 10 {
		t.Fatalf("credits = %d, want 10 (no first-read bonus on fulfillment seed)", acct.Credits)
	}
	if acct.LastPaymentRef != "txn-1" {
		t.Fatalf("last_payment_ref = %q, want txn-1", acct.LastPaymentRef)
	}
}

func TestApplyFulfillmentIncrements(t *testing.T) {
	svc, _, _ := setupLedger(t)
	ctx := context.Background()

	if _, err := svc.GetAccount(ctx, "u-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := applyInTx(ctx, svc, "u-1", plan.Plan{ID: "pro", Credits: 25, Price: 50}, "txn-1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	acct, err := svc.GetAccount(ctx, "u-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != creditdomain.FirstTimeBonus+25 {
		t.Fatalf("credits = %d, want %d", acct.Credits, creditdomain.FirstTimeBonus+25)
	}
}

func TestApplyFulfillmentUnlimitedSetsExpiry(t *testing.T) {
	svc, _, clk := setupLedger(t)
	ctx := context.Background()

	if err := applyInTx(ctx, svc, "u-1", plan.Plan{ID: "unlimited_week", Price: 150, DurationDays: 7}, "txn-1"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	bal, err := svc.Balance(ctx, "u-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.IsUnlimited {
		t.Fatal("expected unlimited active")
	}
	want := clk.Now().Add(7 * 24 * time.Hour)
	if bal.UnlimitedExpiresAt == nil || !bal.UnlimitedExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", bal.UnlimitedExpiresAt, want)
	}
}

func TestAdminSetAbsolute(t *testing.T) {
	svc, _, clk := setupLedger(t)
	ctx := context.Background()

	if _, err := svc.GetAccount(ctx, "u-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := svc.AdminSetAbsolute(ctx, "u-1", 42, false); err != nil {
		t.Fatalf("admin set: %v", err)
	}

	acct, err := svc.GetAccount(ctx, "u-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != 42 {
		t.Fatalf("credits = %d, want 42 (set, not add)", acct.Credits)
	}

	if err := svc.AdminSetAbsolute(ctx, "u-1", 0, true); err != nil {
		t.Fatalf("grant unlimited: %v", err)
	}
	bal, err := svc.Balance(ctx, "u-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.IsUnlimited {
		t.Fatal("expected unlimited after admin grant")
	}
	want := clk.Now().Add(30 * 24 * time.Hour)
	if bal.UnlimitedExpiresAt == nil || !bal.UnlimitedExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", bal.UnlimitedExpiresAt, want)
	}
}

func TestInvalidUID(t *testing.T) {
	svc, _, _ := setupLedger(t)
	ctx := context.Background()

	if _, err := svc.GetAccount(ctx, "  "); !errors.Is(err, creditdomain.ErrInvalidUID) {
		t.Fatalf("err = %v, want ErrInvalidUID", err)
	}
	if err := svc.AdminSetAbsolute(ctx, "", 1, false); !errors.Is(err, creditdomain.ErrInvalidUID) {
		t.Fatalf("err = %v, want ErrInvalidUID", err)
	}
}

// applyInTx runs ApplyFulfillment the way the transaction state machine
// does: inside a DB transaction owned by the caller.
func applyInTx(ctx context.Context, svc creditdomain.Service, uid string, p plan.Plan, ref string) error {
	impl := svc.(*Service)
	return impl.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return svc.ApplyFulfillment(ctx, tx, uid, p, ref)
	})
}
