package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/campuspay/fulfillment/internal/clock"
	"github.com/campuspay/fulfillment/internal/config"
	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	creditservice "github.com/campuspay/fulfillment/internal/credit/service"
	"github.com/campuspay/fulfillment/internal/heartbeat"
	"github.com/campuspay/fulfillment/internal/notify"
	obsmetrics "github.com/campuspay/fulfillment/internal/observability/metrics"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	outboxservice "github.com/campuspay/fulfillment/internal/outbox/service"
	"github.com/campuspay/fulfillment/internal/plan"
	"github.com/campuspay/fulfillment/internal/remote"
	txndomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	txnrepository "github.com/campuspay/fulfillment/internal/transaction/repository"
	txnservice "github.com/campuspay/fulfillment/internal/transaction/service"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type engineFixture struct {
	engine  *Engine
	txSvc   txndomain.Service
	monitor *heartbeat.Monitor
	hub     *notify.Hub
	store   *remote.MemoryStore
	db      *gorm.DB
	clk     *clock.FakeClock
}

func setupEngine(t *testing.T) *engineFixture {
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
	store := remote.NewMemoryStore()

	outboxSvc := outboxservice.NewService(outboxservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Remote: store,
	})
	creditSvc := creditservice.NewService(creditservice.Params{
		DB:     db,
		Log:    log,
		Clock:  clk,
		Outbox: outboxSvc,
	})
	txSvc := txnservice.NewService(txnservice.Params{
		DB:        db,
		Log:       log,
		Clock:     clk,
		Catalog:   plan.DefaultCatalog(),
		Repo:      txnrepository.Provide(),
		CreditSvc: creditSvc,
		Outbox:    outboxSvc,
	})
	monitor := heartbeat.NewMonitor(heartbeat.Params{
		Clock:  clk,
		Log:    log,
		Config: config.Config{HeartbeatThreshold: 30 * time.Second},
	})
	hub := notify.NewHub()
	metrics := obsmetrics.NewEngineMetrics(prometheus.NewRegistry(), obsmetrics.Config{ServiceName: "campuspay-test"})

	eng, err := New(Params{
		Log:       log,
		Clock:     clk,
		TxSvc:     txSvc,
		CreditSvc: creditSvc,
		OutboxSvc: outboxSvc,
		Monitor:   monitor,
		Hub:       hub,
		Metrics:   metrics,
		Config:    Config{VerificationTimeout: 5 * time.Minute, RetentionDays: 90, DrainBatchSize: 50},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	return &engineFixture{
		engine:  eng,
		txSvc:   txSvc,
		monitor: monitor,
		hub:     hub,
		store:   store,
		db:      db,
		clk:     clk,
	}
}

func TestNewRejectsMissingDeps(t *testing.T) {
	if _, err := New(Params{}); err != ErrInvalidConfig {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestDrainJobPushesQueued(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	txn, err := f.txSvc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_1", Kind: txndomain.KindAutomated, UID: "u-1",
		PlanID: "starter", Amount: 10, Phone: "254700000001",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.engine.DrainJob(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, ok := f.store.Doc(outboxdomain.CollectionTransactions, txn.ID); !ok {
		t.Fatal("transaction not mirrored after drain")
	}
}

func TestSweepJobExpiresStaleVerifications(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	txn, err := f.txSvc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10,
		Phone: "254700000001", Code: "QCX12ABCDE",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Inside the timeout window nothing expires.
	f.clk.Advance(4 * time.Minute)
	if err := f.engine.SweepJob(ctx); err != nil {
		t.Fatalf("early sweep: %v", err)
	}
	got, err := f.txSvc.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != txndomain.StatusManualVerifying {
		t.Fatalf("status = %s, early sweep must not expire", got.Status)
	}

	f.clk.Advance(2 * time.Minute)
	if err := f.engine.SweepJob(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, err = f.txSvc.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != txndomain.StatusFailed || got.FailureReason != txndomain.FailureReasonTimeout {
		t.Fatalf("txn = %s/%s, want FAILED/timeout", got.Status, got.FailureReason)
	}
}

func TestArchiveJobMovesOldTerminalRows(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	txn, err := f.txSvc.Create(ctx, txndomain.CreateInput{
		ProviderRef: "ws_CO_1", Kind: txndomain.KindAutomated, UID: "u-1",
		PlanID: "starter", Amount: 10, Phone: "254700000001",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.txSvc.ApplyWebhook(ctx, txn.ID, txndomain.OutcomeSuccess); err != nil {
		t.Fatalf("settle: %v", err)
	}

	f.clk.Advance(91 * 24 * time.Hour)
	if err := f.engine.ArchiveJob(ctx); err != nil {
		t.Fatalf("archive: %v", err)
	}

	var archived int64
	if err := f.db.Raw(`SELECT COUNT(1) FROM transactions_archive`).Scan(&archived).Error; err != nil {
		t.Fatalf("count archive: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived = %d, want 1", archived)
	}
}

func TestReconnectTickBroadcastsEdges(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	sub, _, err := f.hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Startup with no verifier in sight: no disconnect noise.
	if err := f.engine.ReconnectTick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected startup event %s", ev.Type)
	default:
	}

	f.monitor.RecordPoll()
	if err := f.engine.ReconnectTick(ctx); err != nil {
		t.Fatalf("connect tick: %v", err)
	}
	select {
	case ev := <-sub.Events():
		if ev.Type != notify.EventVerifierConnected {
			t.Fatalf("event = %s, want %s", ev.Type, notify.EventVerifierConnected)
		}
	default:
		t.Fatal("expected a connect event")
	}

	// The connect edge must have kicked the drain loop.
	select {
	case <-f.engine.drainKick:
	default:
		t.Fatal("connect edge did not kick drain")
	}

	// Steady state: no repeat events.
	if err := f.engine.ReconnectTick(ctx); err != nil {
		t.Fatalf("steady tick: %v", err)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected steady-state event %s", ev.Type)
	default:
	}

	f.clk.Advance(time.Minute)
	if err := f.engine.ReconnectTick(ctx); err != nil {
		t.Fatalf("disconnect tick: %v", err)
	}
	select {
	case ev := <-sub.Events():
		if ev.Type != notify.EventVerifierDisconnected {
			t.Fatalf("event = %s, want %s", ev.Type, notify.EventVerifierDisconnected)
		}
	default:
		t.Fatal("expected a disconnect event")
	}
}

func TestStatsJobPublishesSnapshot(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	if _, err := f.txSvc.Create(ctx, txndomain.CreateInput{
		Kind: txndomain.KindManual, UID: "u-1", PlanID: "starter", Amount: 10,
		Phone: "254700000001", Code: "QCX12ABCDE",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.monitor.RecordPoll()

	sub, _, err := f.hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := f.engine.StatsJob(ctx); err != nil {
		t.Fatalf("stats: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != notify.EventStats {
			t.Fatalf("event = %s, want %s", ev.Type, notify.EventStats)
		}
		if ev.Stats == nil {
			t.Fatal("stats payload missing")
		}
		if ev.Stats.PendingManual != 1 {
			t.Fatalf("pending_manual = %d, want 1", ev.Stats.PendingManual)
		}
		if !ev.Stats.VerifierConnected {
			t.Fatal("expected verifier connected in stats")
		}
		if ev.Stats.OutboxDepth != 1 {
			t.Fatalf("outbox_depth = %d, want 1 undrained item", ev.Stats.OutboxDepth)
		}
	default:
		t.Fatal("expected a stats event")
	}
}

func TestKickDrainNeverBlocks(t *testing.T) {
	f := setupEngine(t)
	for i := 0; i < 10; i++ {
		f.engine.KickDrain()
	}
}
