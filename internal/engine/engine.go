package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/campuspay/fulfillment/internal/clock"
	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	"github.com/campuspay/fulfillment/internal/heartbeat"
	"github.com/campuspay/fulfillment/internal/notify"
	obsmetrics "github.com/campuspay/fulfillment/internal/observability/metrics"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	txdomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrInvalidConfig reports missing engine dependencies.
var ErrInvalidConfig = errors.New("engine_invalid_config")

// Job names used in logs and metrics.
const (
	JobDrain     = "drain"
	JobSweep     = "sweep"
	JobReconnect = "reconnect"
	JobArchive   = "archive"
	JobStats     = "stats"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	TxSvc     txdomain.Service
	CreditSvc creditdomain.Service
	OutboxSvc outboxdomain.Service
	Monitor   *heartbeat.Monitor
	Hub       *notify.Hub
	Metrics   *obsmetrics.EngineMetrics `optional:"true"`
	Config    Config                    `optional:"true"`
}

// Engine runs the background loops: outbox drain, stale verification
// sweep, reconnect edge watch, retention archive, and stats broadcast.
type Engine struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	txSvc     txdomain.Service
	creditSvc creditdomain.Service
	outboxSvc outboxdomain.Service
	monitor   *heartbeat.Monitor
	hub       *notify.Hub
	metrics   *obsmetrics.EngineMetrics

	// drainKick wakes the drain loop ahead of its ticker, typically on a
	// verifier reconnect edge. Buffered so kicks never block.
	drainKick chan struct{}

	mu           sync.Mutex
	wasConnected bool
	everObserved bool
}

func New(p Params) (*Engine, error) {
	if p.Log == nil || p.Clock == nil || p.TxSvc == nil || p.CreditSvc == nil || p.OutboxSvc == nil || p.Monitor == nil || p.Hub == nil {
		return nil, ErrInvalidConfig
	}
	return &Engine{
		log:       p.Log.Named("engine").With(zap.String("component", "engine")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		txSvc:     p.TxSvc,
		creditSvc: p.CreditSvc,
		outboxSvc: p.OutboxSvc,
		monitor:   p.Monitor,
		hub:       p.Hub,
		metrics:   p.Metrics,
		drainKick: make(chan struct{}, 1),
	}, nil
}

// KickDrain requests an immediate drain pass. Used on reconnect edges so
// queued work flushes without waiting out the ticker.
func (e *Engine) KickDrain() {
	select {
	case e.drainKick <- struct{}{}:
	default:
	}
}

func (e *Engine) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, e.cfg.JobTimeout)
	defer cancel()

	e.metrics.IncJobRun(name)

	err := fn(ctx)
	e.metrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		e.metrics.IncJobTimeout(name)
		e.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", e.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	e.metrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// DrainJob pushes one batch of queued mutations to the remote store.
func (e *Engine) DrainJob(ctx context.Context) error {
	result, err := e.outboxSvc.DrainOnce(ctx, e.cfg.DrainBatchSize)
	if err != nil {
		return err
	}
	e.metrics.AddBatchProcessed(JobDrain, "outbox_items", result.Pushed)
	if result.Retried > 0 || result.DeadLetter > 0 {
		e.metrics.IncJobErrorReason(JobDrain, obsmetrics.EngineErrorReasonRemote)
		e.log.Warn("drain pass had failures",
			zap.Int("pushed", result.Pushed),
			zap.Int("retried", result.Retried),
			zap.Int("dead_letter", result.DeadLetter),
		)
	}
	return nil
}

// SweepJob fails in-flight transactions older than the verification timeout.
func (e *Engine) SweepJob(ctx context.Context) error {
	cutoff := e.clock.Now().Add(-e.cfg.VerificationTimeout)
	expired, err := e.txSvc.ExpireStale(ctx, cutoff, e.cfg.DrainBatchSize)
	if err != nil {
		return err
	}
	if expired > 0 {
		e.metrics.AddBatchProcessed(JobSweep, "transactions", expired)
		e.log.Info("expired stale verifications", zap.Int("count", expired))
	}
	return nil
}

// ArchiveJob moves terminal transactions past retention into the archive table.
func (e *Engine) ArchiveJob(ctx context.Context) error {
	cutoff := e.clock.Now().AddDate(0, 0, -e.cfg.RetentionDays)
	archived, err := e.txSvc.ArchiveBefore(ctx, cutoff, e.cfg.DrainBatchSize)
	if err != nil {
		return err
	}
	if archived > 0 {
		e.metrics.AddBatchProcessed(JobArchive, "transactions", archived)
		e.log.Info("archived transactions", zap.Int("count", archived))
	}
	return nil
}

// ReconnectTick observes the verifier liveness signal and broadcasts
// edges. A connect edge also kicks the drain loop.
func (e *Engine) ReconnectTick(ctx context.Context) error {
	_ = ctx
	connected := e.monitor.Connected()
	e.metrics.SetVerifierConnected(connected)

	e.mu.Lock()
	edge := !e.everObserved || connected != e.wasConnected
	first := !e.everObserved
	e.wasConnected = connected
	e.everObserved = true
	e.mu.Unlock()

	if !edge {
		return nil
	}
	// Suppress the startup "disconnected" edge; nothing has lapsed yet.
	if first && !connected {
		return nil
	}

	eventType := notify.EventVerifierDisconnected
	if connected {
		eventType = notify.EventVerifierConnected
	}
	e.hub.Publish(notify.Event{Type: eventType, At: e.clock.Now()})
	e.log.Info("verifier liveness edge", zap.Bool("connected", connected))

	if connected {
		e.KickDrain()
	}
	return nil
}

// StatsJob publishes the current engine status and refreshes the gauges.
func (e *Engine) StatsJob(ctx context.Context) error {
	stats, err := e.CollectStats(ctx)
	if err != nil {
		return err
	}
	e.metrics.SetOutboxDepth(stats.OutboxDepth)
	e.metrics.SetDeadLetterCount(stats.DeadLetters)
	e.hub.Publish(notify.Event{Type: notify.EventStats, At: e.clock.Now(), Stats: &stats})
	return nil
}

// CollectStats assembles the status snapshot served by the API.
func (e *Engine) CollectStats(ctx context.Context) (notify.Stats, error) {
	pending, err := e.txSvc.PendingManualVerifications(ctx)
	if err != nil {
		return notify.Stats{}, err
	}
	depth, err := e.outboxSvc.Depth(ctx)
	if err != nil {
		return notify.Stats{}, err
	}
	deadLetters, err := e.outboxSvc.DeadLetterCount(ctx)
	if err != nil {
		return notify.Stats{}, err
	}
	return notify.Stats{
		PendingManual:     int64(len(pending)),
		VerifierConnected: e.monitor.Connected(),
		OutboxDepth:       depth,
		DeadLetters:       deadLetters,
	}, nil
}

// Run blocks until ctx is canceled, driving every loop on its own cadence.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	loops := []struct {
		name     string
		interval time.Duration
		kick     <-chan struct{}
		fn       func(context.Context) error
	}{
		{JobDrain, e.cfg.DrainInterval, e.drainKick, e.DrainJob},
		{JobSweep, e.cfg.SweepInterval, nil, e.SweepJob},
		{JobReconnect, e.cfg.ReconnectInterval, nil, e.ReconnectTick},
		{JobArchive, e.cfg.ArchiveInterval, nil, e.ArchiveJob},
		{JobStats, e.cfg.StatsInterval, nil, e.StatsJob},
	}

	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, kick <-chan struct{}, fn func(context.Context) error) {
			defer wg.Done()
			e.runLoop(ctx, name, interval, kick, fn)
		}(loop.name, loop.interval, loop.kick, loop.fn)
	}

	wg.Wait()
}

func (e *Engine) runLoop(ctx context.Context, name string, interval time.Duration, kick <-chan struct{}, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.runJob(ctx, name, fn); err != nil {
			e.log.Warn("job failed", zap.String("job", name), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
	}
}
