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
	creditservice "github.com/campuspay/fulfillment/internal/credit/service"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	outboxservice "github.com/campuspay/fulfillment/internal/outbox/service"
	"github.com/campuspay/fulfillment/internal/plan"
	txndomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"github.com/campuspay/fulfillment/internal/transaction/repository"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc       txndomain.Service
	creditSvc creditdomain.Service
	db        *gorm.DB
	clk       *clock.FakeClock
}

func setupService(t *testing.T) *fixture {
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

	if err := db.AutoMigrate(
		&txndomain.Transaction{},
		&txndomain.ArchivedTransaction{},
		&creditdomain.Account{},
		&outboxdomain.Item{},
		&outboxdomain.DeadLetter{},
	); err != nil {
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
	creditSvc := creditservice.NewService(creditservice.Params{
		DB:     db,
		Log:    log,
		Clock:  clk,
		Outbox: outboxSvc,
	})
	svc := NewService(Params{
		DB:        db,
		Log:       log,
		Clock:     clk,
		Catalog:   plan.DefaultCatalog(),
		Repo:      repository.Provide(),
		CreditSvc: creditSvc,
		Outbox:    outboxSvc,
	})

	return &fixture{svc: svc, creditSvc: creditSvc, db: db, clk: clk}
}

func countOutbox(t *testing.T, db *gorm.DB, collection, docID string, op outboxdomain.Operation) int64 {
	t.Helper()
	var count int64
	err := db.Raw(
		`SELECT COUNT(1) FROM outbox_items WHERE collection = ? AND doc_id = ? AND op = ?`,
		collection, docID, op,
	).Scan(&count).Error
	if err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	return count
}

func TestCreateManualStartsVerifying(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind:   txndomain.KindManual,
		UID:    "u-1",
		PlanID: "starter",
		Amount: 10,
		Phone:  "254700000001",
		Code:   "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if txn.Status != txndomain.StatusManualVerifying {
		t.Fatalf("status = %s, want %s", txn.Status, txndomain.StatusManualVerifying)
	}
	if txn.ID == "" {
		t.Fatal("expected generated id for manual entry")
	}
	if got := countOutbox(t, f.db, outboxdomain.CollectionTransactions, txn.ID, outboxdomain.OpCreate); got != 1 {
		t.Fatalf("outbox create rows = %d, want 1", got)
	}
}

func TestCreateAutomatedUsesProviderRef(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_140320261001",
		Kind:        txndomain.KindAutomated,
		UID:         "u-1",
		PlanID:      "value",
		Amount:      30,
		Phone:       "254700000001",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if txn.ID != "ws_CO_140320261001" {
		t.Fatalf("id = %s, want provider ref", txn.ID)
	}
	if txn.Status != txndomain.StatusPending {
		t.Fatalf("status = %s, want %s", txn.Status, txndomain.StatusPending)
	}
}

func TestCreateValidation(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   txndomain.CreateInput
		want error
	}{
		{
			name: "missing uid",
			in:   txndomain.CreateInput{Kind: txndomain.KindAutomated, PlanID: "starter", Amount: 10, Phone: "254700000001"},
			want: txndomain.ErrValidation,
		},
		{
			name: "missing phone",
			in:   txndomain.CreateInput{Kind: txndomain.KindAutomated, UID: "u-1", PlanID: "starter", Amount: 10},
			want: txndomain.ErrValidation,
		},
		{
			name: "manual without code",
			in:   txndomain.CreateInput{Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10, Phone: "254700000001"},
			want: txndomain.ErrValidation,
		},
		{
			name: "unknown kind",
			in:   txndomain.CreateInput{Kind: "CASH", UID: "u-1", PlanID: "starter", Amount: 10, Phone: "254700000001"},
			want: txndomain.ErrValidation,
		},
		{
			name: "unknown plan",
			in:   txndomain.CreateInput{Kind: txndomain.KindAutomated, UID: "u-1", PlanID: "mega", Amount: 10, Phone: "254700000001"},
			want: txndomain.ErrUnknownPlan,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDuplicateCompletedCodeRejected(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10,
		Phone: "254700000001", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.SubmitVerification(ctx, first.ID, true, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}

	_, err = f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-2", PlanID: "starter", Amount: 10,
		Phone: "254700000002", Code: "QCX12ABCDE",
	})
	if !errors.Is(err, txndomain.ErrDuplicateCode) {
		t.Fatalf("err = %v, want ErrDuplicateCode", err)
	}
}

func TestCodeRetryAfterFailureAllowed(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10,
		Phone: "254700000001", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.SubmitVerification(ctx, first.ID, false, nil); err != nil {
		t.Fatalf("reject: %v", err)
	}

	second, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10,
		Phone: "254700000001", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if second.Status != txndomain.StatusManualVerifying {
		t.Fatalf("status = %s, want %s", second.Status, txndomain.StatusManualVerifying)
	}
}

func TestWebhookSuccessCompletesAndCredits(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_1", Kind: txndomain.KindAutomated, UID: "u-1",
		PlanID: "value", Amount: 30, Phone: "254700000001",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	settled, err := f.svc.ApplyWebhook(ctx, txn.ID, txndomain.OutcomeSuccess)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if settled.Status != txndomain.StatusCompleted {
		t.Fatalf("status = %s, want %s", settled.Status, txndomain.StatusCompleted)
	}
	if settled.VerifiedAt == nil {
		t.Fatal("expected verified_at to be set")
	}

	// Fulfillment seeded the account directly: plan credits, no first-read
	// bonus on top.
	acct, err := f.creditSvc.GetAccount(ctx, "u-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != 10 {
		t.Fatalf("credits = %d, want 10", acct.Credits)
	}
	if got := countOutbox(t, f.db, outboxdomain.CollectionTransactions, txn.ID, outboxdomain.OpUpdate); got != 1 {
		t.Fatalf("outbox update rows = %d, want 1", got)
	}
}

func TestWebhookReplayOnCompletedIsNoop(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_1", Kind: txndomain.KindAutomated, UID: "u-1",
		PlanID: "value", Amount: 30, Phone: "254700000001",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.ApplyWebhook(ctx, txn.ID, txndomain.OutcomeSuccess); err != nil {
		t.Fatalf("first webhook: %v", err)
	}

	replayed, err := f.svc.ApplyWebhook(ctx, txn.ID, txndomain.OutcomeSuccess)
	if err != nil {
		t.Fatalf("replay must ack, got %v", err)
	}
	if replayed.Status != txndomain.StatusCompleted {
		t.Fatalf("status = %s, want %s", replayed.Status, txndomain.StatusCompleted)
	}

	acct, err := f.creditSvc.GetAccount(ctx, "u-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Credits != 10 {
		t.Fatalf("credits after replay = %d, want 10 (no double fulfillment)", acct.Credits)
	}
}

func TestWebhookFailure(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_1", Kind: txndomain.KindAutomated, UID: "u-1",
		PlanID: "starter", Amount: 10, Phone: "254700000001",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	settled, err := f.svc.ApplyWebhook(ctx, txn.ID, txndomain.OutcomeFailure)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if settled.Status != txndomain.StatusFailed {
		t.Fatalf("status = %s, want %s", settled.Status, txndomain.StatusFailed)
	}
	if settled.FailureReason != "gateway_failure" {
		t.Fatalf("failure_reason = %q, want gateway_failure", settled.FailureReason)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(1) FROM credit_accounts WHERE uid = ?`, "u-1").Scan(&count).Error; err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if count != 0 {
		t.Fatal("failed payment must not touch the ledger")
	}
}

func TestWebhookOnManualIsInvalidTransition(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10,
		Phone: "254700000001", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.ApplyWebhook(ctx, txn.ID, txndomain.OutcomeSuccess); !errors.Is(err, txndomain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestWebhookUnknownTransaction(t *testing.T) {
	f := setupService(t)
	if _, err := f.svc.ApplyWebhook(context.Background(), "ws_CO_missing", txndomain.OutcomeSuccess); !errors.Is(err, txndomain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitVerificationValid(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "unlimited_day", Amount: 30,
		Phone: "254700000001", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	settled, err := f.svc.SubmitVerification(ctx, txn.ID, true, map[string]any{"verifier": "sim-01"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if settled.Status != txndomain.StatusCompleted {
		t.Fatalf("status = %s, want %s", settled.Status, txndomain.StatusCompleted)
	}
	if len(settled.VerificationMetadata) == 0 {
		t.Fatal("expected verification metadata to be stored")
	}

	bal, err := f.creditSvc.Balance(ctx, "u-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.IsUnlimited {
		t.Fatal("expected unlimited window after fulfillment")
	}
}

func TestSubmitVerificationReplayRaces(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10,
		Phone: "254700000001", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.SubmitVerification(ctx, txn.ID, true, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.svc.SubmitVerification(ctx, txn.ID, true, nil); !errors.Is(err, txndomain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestSubmitVerificationInvalidCode(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10,
		Phone: "254700000001", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	settled, err := f.svc.SubmitVerification(ctx, txn.ID, false, nil)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if settled.Status != txndomain.StatusFailed {
		t.Fatalf("status = %s, want %s", settled.Status, txndomain.StatusFailed)
	}
	if settled.FailureReason != "invalid_code" {
		t.Fatalf("failure_reason = %q, want invalid_code", settled.FailureReason)
	}
}

func TestExpireStale(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	pending, err := f.svc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_1", Kind: txndomain.KindAutomated, UID: "u-1",
		PlanID: "starter", Amount: 10, Phone: "254700000001",
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	manual, err := f.svc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-2", PlanID: "starter", Amount: 10,
		Phone: "254700000002", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create manual: %v", err)
	}

	f.clk.Advance(2 * time.Minute)
	settled, err := f.svc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_2", Kind: txndomain.KindAutomated, UID: "u-3",
		PlanID: "starter", Amount: 10, Phone: "254700000003",
	})
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if _, err := f.svc.ApplyWebhook(ctx, settled.ID, txndomain.OutcomeSuccess); err != nil {
		t.Fatalf("settle fresh: %v", err)
	}

	f.clk.Advance(4 * time.Minute)
	cutoff := f.clk.Now().Add(-5 * time.Minute)

	expired, err := f.svc.ExpireStale(ctx, cutoff, 50)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 2 {
		t.Fatalf("expired = %d, want 2", expired)
	}

	for _, id := range []string{pending.ID, manual.ID} {
		got, err := f.svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != txndomain.StatusFailed || got.FailureReason != txndomain.FailureReasonTimeout {
			t.Fatalf("txn %s = %s/%s, want FAILED/timeout", id, got.Status, got.FailureReason)
		}
	}

	fresh, err := f.svc.Get(ctx, settled.ID)
	if err != nil {
		t.Fatalf("get settled: %v", err)
	}
	if fresh.Status != txndomain.StatusCompleted {
		t.Fatalf("settled txn must survive the sweep, got %s", fresh.Status)
	}

	again, err := f.svc.ExpireStale(ctx, cutoff, 50)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again != 0 {
		t.Fatalf("second sweep expired %d, want 0", again)
	}
}

func TestArchiveBefore(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn, err := f.svc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_1", Kind: txndomain.KindAutomated, UID: "u-1",
		PlanID: "starter", Amount: 10, Phone: "254700000001",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.ApplyWebhook(ctx, txn.ID, txndomain.OutcomeSuccess); err != nil {
		t.Fatalf("settle: %v", err)
	}

	f.clk.Advance(91 * 24 * time.Hour)
	cutoff := f.clk.Now().AddDate(0, 0, -90)

	archived, err := f.svc.ArchiveBefore(ctx, cutoff, 50)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived = %d, want 1", archived)
	}

	if _, err := f.svc.Get(ctx, txn.ID); !errors.Is(err, txndomain.ErrNotFound) {
		t.Fatalf("live row should be gone, got %v", err)
	}

	var row txndomain.ArchivedTransaction
	if err := f.db.Raw(`SELECT * FROM transactions_archive WHERE id = ?`, txn.ID).Scan(&row).Error; err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if row.ID != txn.ID || row.Status != txndomain.StatusCompleted {
		t.Fatalf("archive row = %+v, want completed copy of %s", row, txn.ID)
	}
	if got := countOutbox(t, f.db, outboxdomain.CollectionTransactions, txn.ID, outboxdomain.OpDelete); got != 1 {
		t.Fatalf("outbox delete rows = %d, want 1", got)
	}
}
