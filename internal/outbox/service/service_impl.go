package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/campuspay/fulfillment/internal/clock"
	"github.com/campuspay/fulfillment/internal/outbox/domain"
	"github.com/campuspay/fulfillment/internal/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Config bounds the retry policy for failed pushes.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 8,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	return c
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Remote remote.Store `optional:"true"`
	Config Config       `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	remote remote.Store
	cfg    Config
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("outbox.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		remote: p.Remote,
		cfg:    p.Config.withDefaults(),
	}
}

// Enqueue appends the mutation inside the caller's DB transaction.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, collection, docID string, op domain.Operation, payload map[string]any) error {
	collection = strings.TrimSpace(collection)
	docID = strings.TrimSpace(docID)
	if collection == "" || docID == "" {
		return fmt.Errorf("outbox enqueue: collection and doc id required")
	}

	var body datatypes.JSON
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("outbox enqueue: %w", err)
		}
		body = datatypes.JSON(raw)
	}

	now := s.clock.Now()
	item := domain.Item{
		ID:            s.genID.Generate(),
		Collection:    collection,
		DocID:         docID,
		Op:            op,
		Payload:       body,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	return tx.WithContext(ctx).Create(&item).Error
}

// DrainOnce pushes up to batchSize due items in insertion order. A failed
// push schedules a bounded exponential retry; items that exhaust
// MaxAttempts move to the dead-letter table instead of being dropped.
func (s *Service) DrainOnce(ctx context.Context, batchSize int) (domain.DrainResult, error) {
	var result domain.DrainResult
	if s.remote == nil {
		return result, nil
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	now := s.clock.Now()
	var items []domain.Item
	err := s.db.WithContext(ctx).Raw(
		`SELECT * FROM outbox_items
		 WHERE next_attempt_at <= ?
		 ORDER BY id
		 LIMIT ?`,
		now,
		batchSize,
	).Scan(&items).Error
	if err != nil {
		return result, err
	}

	for _, item := range items {
		pushErr := s.push(ctx, item)
		if pushErr == nil {
			if err := s.db.WithContext(ctx).Exec(
				`DELETE FROM outbox_items WHERE id = ?`, item.ID,
			).Error; err != nil {
				return result, err
			}
			result.Pushed++
			continue
		}

		attempts := item.Attempts + 1
		if attempts >= s.cfg.MaxAttempts {
			if err := s.deadLetter(ctx, item, attempts, pushErr); err != nil {
				return result, err
			}
			result.DeadLetter++
			s.log.Error("outbox item dead-lettered",
				zap.String("collection", item.Collection),
				zap.String("doc_id", item.DocID),
				zap.Int("attempts", attempts),
				zap.Error(pushErr),
			)
			continue
		}

		next := s.clock.Now().Add(s.backoff(attempts))
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE outbox_items SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
			attempts,
			next,
			item.ID,
		).Error; err != nil {
			return result, err
		}
		result.Retried++
		s.log.Warn("outbox push failed, scheduled retry",
			zap.String("collection", item.Collection),
			zap.String("doc_id", item.DocID),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(pushErr),
		)
	}

	return result, nil
}

func (s *Service) push(ctx context.Context, item domain.Item) error {
	switch item.Op {
	case domain.OpDelete:
		if err := s.remote.Delete(ctx, item.Collection, item.DocID); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
		}
		return nil
	case domain.OpCreate, domain.OpUpdate:
		var data map[string]any
		if len(item.Payload) > 0 {
			if err := json.Unmarshal(item.Payload, &data); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		if err := s.remote.Set(ctx, item.Collection, item.DocID, data, true); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown outbox op %q", item.Op)
	}
}

func (s *Service) deadLetter(ctx context.Context, item domain.Item, attempts int, cause error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dead := domain.DeadLetter{
			ID:         item.ID,
			Collection: item.Collection,
			DocID:      item.DocID,
			Op:         item.Op,
			Payload:    item.Payload,
			EnqueuedAt: item.EnqueuedAt,
			Attempts:   attempts,
			FailedAt:   s.clock.Now(),
			LastError:  cause.Error(),
		}
		if err := tx.WithContext(ctx).Create(&dead).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Exec(
			`DELETE FROM outbox_items WHERE id = ?`, item.ID,
		).Error
	})
}

func (s *Service) backoff(attempts int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if d > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return d
}

func (s *Service) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM outbox_items`).Scan(&count).Error
	return count, err
}

func (s *Service) DeadLetterCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM outbox_dead_letters`).Scan(&count).Error
	return count, err
}

// ReplayDeadLetter moves a dead letter back onto the queue with a clean
// attempt budget.
func (s *Service) ReplayDeadLetter(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dead domain.DeadLetter
		err := tx.WithContext(ctx).Raw(
			`SELECT * FROM outbox_dead_letters WHERE id = ? LIMIT 1`, id,
		).Scan(&dead).Error
		if err != nil {
			return err
		}
		if dead.ID == 0 {
			return domain.ErrDeadLetterNotFound
		}

		now := s.clock.Now()
		item := domain.Item{
			ID:            dead.ID,
			Collection:    dead.Collection,
			DocID:         dead.DocID,
			Op:            dead.Op,
			Payload:       dead.Payload,
			EnqueuedAt:    dead.EnqueuedAt,
			NextAttemptAt: now,
		}
		if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Exec(
			`DELETE FROM outbox_dead_letters WHERE id = ?`, id,
		).Error
	})
}
