package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Operation mirrors the remote document mutation to replay.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Remote collection names.
const (
	CollectionTransactions   = "transactions"
	CollectionCreditAccounts = "credit_accounts"
)

// Item is one queued remote mutation. Items drain strictly in insertion
// order per run; no ordering holds across entities beyond that.
type Item struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	Collection    string         `json:"collection" gorm:"type:text;not null"`
	DocID         string         `json:"doc_id" gorm:"type:text;not null"`
	Op            Operation      `json:"op" gorm:"type:text;not null"`
	Payload       datatypes.JSON `json:"payload"`
	EnqueuedAt    time.Time      `json:"enqueued_at" gorm:"not null;index"`
	Attempts      int            `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt time.Time      `json:"next_attempt_at" gorm:"not null;index"`
}

func (Item) TableName() string { return "outbox_items" }

// DeadLetter is an item that exhausted its retries. Operators inspect and
// replay these instead of losing them.
type DeadLetter struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	Collection string         `json:"collection" gorm:"type:text;not null"`
	DocID      string         `json:"doc_id" gorm:"type:text;not null"`
	Op         Operation      `json:"op" gorm:"type:text;not null"`
	Payload    datatypes.JSON `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at" gorm:"not null"`
	Attempts   int            `json:"attempts" gorm:"not null"`
	FailedAt   time.Time      `json:"failed_at" gorm:"not null"`
	LastError  string         `json:"last_error" gorm:"type:text"`
}

func (DeadLetter) TableName() string { return "outbox_dead_letters" }

// Service is the sync engine contract.
type Service interface {
	// Enqueue appends within the caller's DB transaction so the local write
	// and its queued mutation commit together.
	Enqueue(ctx context.Context, tx *gorm.DB, collection, docID string, op Operation, payload map[string]any) error
	DrainOnce(ctx context.Context, batchSize int) (DrainResult, error)
	Hydrate(ctx context.Context) error
	Depth(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
	ReplayDeadLetter(ctx context.Context, id snowflake.ID) error
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Pushed     int
	Retried    int
	DeadLetter int
}
