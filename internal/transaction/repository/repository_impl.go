package repository

import (
	"context"
	"time"

	"github.com/campuspay/fulfillment/internal/transaction/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Create(txn).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, id string) (*domain.Transaction, error) {
	var item domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM transactions WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Transaction, error) {
	var item domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM transactions
		 WHERE code = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		code,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) HasCompletedCode(ctx context.Context, db *gorm.DB, code string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM transactions WHERE code = ? AND status = ?`,
		code,
		domain.StatusCompleted,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) PendingManual(ctx context.Context, db *gorm.DB) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM transactions
		 WHERE status = ?
		 ORDER BY created_at`,
		domain.StatusManualVerifying,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// TransitionStatus is the single point where status changes. The WHERE clause
// on the source status is the compare-and-swap that makes concurrent webhook
// and verification deliveries first-writer-wins.
func (r *repo) TransitionStatus(
	ctx context.Context,
	db *gorm.DB,
	id string,
	from, to domain.Status,
	verifiedAt *time.Time,
	failureReason string,
	metadata datatypes.JSON,
) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET status = ?, verified_at = ?, failure_reason = ?, verification_metadata = ?
		 WHERE id = ? AND status = ?`,
		to,
		verifiedAt,
		failureReason,
		metadata,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListStaleInFlight(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM transactions
		 WHERE status IN (?, ?) AND created_at < ?
		 ORDER BY created_at
		 LIMIT ?`,
		domain.StatusPending,
		domain.StatusManualVerifying,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListTerminalBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM transactions
		 WHERE status IN (?, ?) AND created_at < ?
		 ORDER BY created_at
		 LIMIT ?`,
		domain.StatusCompleted,
		domain.StatusFailed,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertArchive(ctx context.Context, db *gorm.DB, row *domain.ArchivedTransaction) error {
	return db.WithContext(ctx).Create(row).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM transactions WHERE id = ?`,
		id,
	).Error
}

func (r *repo) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM transactions`).Scan(&count).Error
	return count, err
}
