package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/campuspay/fulfillment/internal/clock"
	creditdomain "github.com/campuspay/fulfillment/internal/credit/domain"
	obsmetrics "github.com/campuspay/fulfillment/internal/observability/metrics"
	outboxdomain "github.com/campuspay/fulfillment/internal/outbox/domain"
	"github.com/campuspay/fulfillment/internal/plan"
	txndomain "github.com/campuspay/fulfillment/internal/transaction/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const failureReasonGateway = "gateway_failure"
const failureReasonInvalidCode = "invalid_code"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Catalog    *plan.Catalog
	Repo       txndomain.Repository
	CreditSvc  creditdomain.Service
	Outbox     outboxdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	catalog    *plan.Catalog
	repo       txndomain.Repository
	creditSvc  creditdomain.Service
	outbox     outboxdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) txndomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("transaction.service"),
		clock:      p.Clock,
		catalog:    p.Catalog,
		repo:       p.Repo,
		creditSvc:  p.CreditSvc,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, in txndomain.CreateInput) (txndomain.Transaction, error) {
	in.UID = strings.TrimSpace(in.UID)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Code = strings.TrimSpace(in.Code)
	in.ProviderRef = strings.TrimSpace(in.ProviderRef)

	if in.UID == "" {
		return txndomain.Transaction{}, fmt.Errorf("%w: uid required", txndomain.ErrValidation)
	}
	if in.Phone == "" {
		return txndomain.Transaction{}, fmt.Errorf("%w: phone required", txndomain.ErrValidation)
	}
	switch in.Kind {
	case txndomain.KindAutomated, txndomain.KindManual, txndomain.KindAdminEntered:
	default:
		return txndomain.Transaction{}, fmt.Errorf("%w: unknown kind %q", txndomain.ErrValidation, in.Kind)
	}
	if in.Kind == txndomain.KindManual && in.Code == "" {
		return txndomain.Transaction{}, fmt.Errorf("%w: confirmation code required", txndomain.ErrValidation)
	}
	if _, ok := s.catalog.Lookup(in.PlanID); !ok {
		return txndomain.Transaction{}, fmt.Errorf("%w: %q", txndomain.ErrUnknownPlan, in.PlanID)
	}
	if in.Amount <= 0 {
		return txndomain.Transaction{}, fmt.Errorf("%w: amount must be positive", txndomain.ErrValidation)
	}

	now := s.clock.Now()
	txn := txndomain.Transaction{
		ID:        in.ProviderRef,
		UID:       in.UID,
		PlanID:    strings.TrimSpace(in.PlanID),
		Amount:    in.Amount,
		Phone:     in.Phone,
		Code:      in.Code,
		Kind:      in.Kind,
		Status:    txndomain.StatusPending,
		CreatedAt: now,
	}
	if txn.ID == "" {
		txn.ID = ulid.Make().String()
	}
	if in.Kind == txndomain.KindManual {
		txn.Status = txndomain.StatusManualVerifying
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if txn.Code != "" {
			// A code may be retried after a failed attempt, but a code
			// that already fulfilled a purchase is spent.
			completed, err := s.repo.HasCompletedCode(ctx, tx, txn.Code)
			if err != nil {
				return err
			}
			if completed {
				return txndomain.ErrDuplicateCode
			}
		}
		if err := s.repo.Insert(ctx, tx, &txn); err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionTransactions, txn.ID, outboxdomain.OpCreate, txn.DocPayload())
	})
	if err != nil {
		return txndomain.Transaction{}, err
	}

	s.log.Info("transaction created",
		zap.String("id", txn.ID),
		zap.String("uid", txn.UID),
		zap.String("kind", string(txn.Kind)),
		zap.String("status", string(txn.Status)),
	)
	return txn, nil
}

func (s *Service) Get(ctx context.Context, id string) (txndomain.Transaction, error) {
	found, err := s.repo.Find(ctx, s.db, id)
	if err != nil {
		return txndomain.Transaction{}, err
	}
	if found == nil {
		return txndomain.Transaction{}, txndomain.ErrNotFound
	}
	return *found, nil
}

func (s *Service) FindByCode(ctx context.Context, code string) (*txndomain.Transaction, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	return s.repo.FindByCode(ctx, s.db, code)
}

func (s *Service) PendingManualVerifications(ctx context.Context) ([]txndomain.Transaction, error) {
	return s.repo.PendingManual(ctx, s.db)
}

// ApplyWebhook settles an automated payment. Confirmations arrive at least
// once, so a webhook for an already-completed transaction is a success no-op,
// never a second fulfillment.
func (s *Service) ApplyWebhook(ctx context.Context, id string, outcome txndomain.WebhookOutcome) (txndomain.Transaction, error) {
	if outcome != txndomain.OutcomeSuccess && outcome != txndomain.OutcomeFailure {
		return txndomain.Transaction{}, fmt.Errorf("%w: unknown outcome %q", txndomain.ErrValidation, outcome)
	}

	var out txndomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.repo.Find(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return txndomain.ErrNotFound
		}
		if cur.Status == txndomain.StatusCompleted {
			out = *cur
			return nil
		}
		if cur.Status != txndomain.StatusPending {
			return txndomain.ErrInvalidTransition
		}

		if outcome == txndomain.OutcomeFailure {
			settled, err := s.fail(ctx, tx, cur, txndomain.StatusPending, failureReasonGateway, cur.VerificationMetadata)
			if err != nil {
				return err
			}
			out = *settled
			return nil
		}

		settled, err := s.complete(ctx, tx, cur, txndomain.StatusPending, cur.VerificationMetadata)
		if err != nil {
			return err
		}
		out = *settled
		return nil
	})
	if err != nil {
		return txndomain.Transaction{}, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, string(outcome))
	}
	return out, nil
}

// SubmitVerification settles a manual payment from the verification device.
// Unlike webhooks, a replayed result is an error: the device must learn that
// its submission raced, not that it succeeded twice.
func (s *Service) SubmitVerification(ctx context.Context, id string, isValid bool, metadata map[string]any) (txndomain.Transaction, error) {
	var md datatypes.JSON
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return txndomain.Transaction{}, fmt.Errorf("%w: metadata not serializable", txndomain.ErrValidation)
		}
		md = datatypes.JSON(raw)
	}

	var out txndomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.repo.Find(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return txndomain.ErrNotFound
		}
		if cur.Status != txndomain.StatusManualVerifying {
			return txndomain.ErrInvalidState
		}

		if !isValid {
			settled, err := s.fail(ctx, tx, cur, txndomain.StatusManualVerifying, failureReasonInvalidCode, md)
			if err != nil {
				return err
			}
			out = *settled
			return nil
		}

		settled, err := s.complete(ctx, tx, cur, txndomain.StatusManualVerifying, md)
		if err != nil {
			return err
		}
		out = *settled
		return nil
	})
	if err != nil {
		return txndomain.Transaction{}, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordManualVerification(ctx, isValid)
	}
	return out, nil
}

// complete wins the CAS to COMPLETED and applies fulfillment exactly once,
// in the same DB transaction as the status flip.
func (s *Service) complete(ctx context.Context, tx *gorm.DB, cur *txndomain.Transaction, from txndomain.Status, metadata datatypes.JSON) (*txndomain.Transaction, error) {
	p, ok := s.catalog.Lookup(cur.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", txndomain.ErrUnknownPlan, cur.PlanID)
	}

	now := s.clock.Now()
	won, err := s.repo.TransitionStatus(ctx, tx, cur.ID, from, txndomain.StatusCompleted, &now, "", metadata)
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent delivery settled this id first.
		latest, err := s.repo.Find(ctx, tx, cur.ID)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Status == txndomain.StatusCompleted && from == txndomain.StatusPending {
			return latest, nil
		}
		if from == txndomain.StatusManualVerifying {
			return nil, txndomain.ErrInvalidState
		}
		return nil, txndomain.ErrInvalidTransition
	}

	if err := s.creditSvc.ApplyFulfillment(ctx, tx, cur.UID, p, cur.ID); err != nil {
		return nil, err
	}

	settled := *cur
	settled.Status = txndomain.StatusCompleted
	settled.VerifiedAt = &now
	settled.FailureReason = ""
	settled.VerificationMetadata = metadata
	if err := s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionTransactions, settled.ID, outboxdomain.OpUpdate, settled.DocPayload()); err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordFulfillment(ctx, cur.PlanID)
	}
	s.log.Info("transaction completed",
		zap.String("id", cur.ID),
		zap.String("uid", cur.UID),
		zap.String("plan_id", cur.PlanID),
	)
	return &settled, nil
}

func (s *Service) fail(ctx context.Context, tx *gorm.DB, cur *txndomain.Transaction, from txndomain.Status, reason string, metadata datatypes.JSON) (*txndomain.Transaction, error) {
	won, err := s.repo.TransitionStatus(ctx, tx, cur.ID, from, txndomain.StatusFailed, nil, reason, metadata)
	if err != nil {
		return nil, err
	}
	if !won {
		if from == txndomain.StatusManualVerifying {
			return nil, txndomain.ErrInvalidState
		}
		return nil, txndomain.ErrInvalidTransition
	}

	settled := *cur
	settled.Status = txndomain.StatusFailed
	settled.FailureReason = reason
	settled.VerificationMetadata = metadata
	if err := s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionTransactions, settled.ID, outboxdomain.OpUpdate, settled.DocPayload()); err != nil {
		return nil, err
	}

	s.log.Info("transaction failed",
		zap.String("id", cur.ID),
		zap.String("reason", reason),
	)
	return &settled, nil
}

// ExpireStale fails in-flight transactions older than cutoff. Fulfillment
// never ran for these, so the credit ledger is untouched. Re-running the
// sweep is harmless: the CAS loses against rows already failed.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	stale, err := s.repo.ListStaleInFlight(ctx, s.db, cutoff, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, txn := range stale {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			won, err := s.repo.TransitionStatus(ctx, tx, txn.ID, txn.Status, txndomain.StatusFailed, nil, txndomain.FailureReasonTimeout, txn.VerificationMetadata)
			if err != nil {
				return err
			}
			if !won {
				return nil
			}
			expired++
			settled := txn
			settled.Status = txndomain.StatusFailed
			settled.FailureReason = txndomain.FailureReasonTimeout
			return s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionTransactions, settled.ID, outboxdomain.OpUpdate, settled.DocPayload())
		})
		if err != nil {
			return expired, err
		}
	}

	if expired > 0 {
		s.log.Info("expired stale transactions", zap.Int("count", expired))
	}
	return expired, nil
}

// ArchiveBefore moves terminal rows past the retention window into the
// archive table. Completed transactions are revenue history; they are never
// hard-deleted locally, only removed from the live table and mirror.
func (s *Service) ArchiveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	old, err := s.repo.ListTerminalBefore(ctx, s.db, cutoff, limit)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, txn := range old {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row := txndomain.ArchivedTransaction{
				ID:                   txn.ID,
				UID:                  txn.UID,
				PlanID:               txn.PlanID,
				Amount:               txn.Amount,
				Phone:                txn.Phone,
				Code:                 txn.Code,
				Kind:                 txn.Kind,
				Status:               txn.Status,
				CreatedAt:            txn.CreatedAt,
				VerifiedAt:           txn.VerifiedAt,
				FailureReason:        txn.FailureReason,
				VerificationMetadata: txn.VerificationMetadata,
				ArchivedAt:           s.clock.Now(),
			}
			if err := s.repo.InsertArchive(ctx, tx, &row); err != nil {
				return err
			}
			if err := s.repo.Delete(ctx, tx, txn.ID); err != nil {
				return err
			}
			return s.outbox.Enqueue(ctx, tx, outboxdomain.CollectionTransactions, txn.ID, outboxdomain.OpDelete, nil)
		})
		if err != nil {
			return archived, err
		}
		archived++
	}

	if archived > 0 {
		s.log.Info("archived transactions past retention", zap.Int("count", archived))
	}
	return archived, nil
}
