package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Kind tells which confirmation path a transaction follows.
type Kind string

const (
	KindAutomated    Kind = "AUTOMATED"
	KindManual       Kind = "MANUAL"
	KindAdminEntered Kind = "ADMIN_ENTERED"
)

// Status is the lifecycle state. PENDING and MANUAL_VERIFYING are initial,
// COMPLETED and FAILED are terminal; terminal rows are immutable except for
// audit metadata.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusManualVerifying Status = "MANUAL_VERIFYING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
)

// Terminal reports whether no outgoing transitions exist from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureReasonTimeout marks sweeper-driven expiry of in-flight transactions.
const FailureReasonTimeout = "timeout"

// Transaction is one payment attempt. The ID is either provider-issued
// (CheckoutRequestID for STK push) or locally generated for manual entries.
type Transaction struct {
	ID                   string         `json:"id" gorm:"primaryKey;type:text"`
	UID                  string         `json:"uid" gorm:"type:text;not null;index"`
	PlanID               string         `json:"plan_id" gorm:"type:text;not null"`
	Amount               int64          `json:"amount" gorm:"not null"`
	Phone                string         `json:"phone" gorm:"type:text;not null"`
	Code                 string         `json:"code,omitempty" gorm:"type:text;index"`
	Kind                 Kind           `json:"kind" gorm:"type:text;not null"`
	Status               Status         `json:"status" gorm:"type:text;not null;index"`
	CreatedAt            time.Time      `json:"created_at" gorm:"not null;index"`
	VerifiedAt           *time.Time     `json:"verified_at,omitempty"`
	FailureReason        string         `json:"failure_reason,omitempty" gorm:"type:text"`
	VerificationMetadata datatypes.JSON `json:"verification_metadata,omitempty"`
}

func (Transaction) TableName() string { return "transactions" }

// ArchivedTransaction is a retention copy of a terminal row. The retention
// sweeper moves rows here instead of deleting revenue-bearing history.
type ArchivedTransaction struct {
	ID                   string         `json:"id" gorm:"primaryKey;type:text"`
	UID                  string         `json:"uid" gorm:"type:text;not null;index"`
	PlanID               string         `json:"plan_id" gorm:"type:text;not null"`
	Amount               int64          `json:"amount" gorm:"not null"`
	Phone                string         `json:"phone" gorm:"type:text;not null"`
	Code                 string         `json:"code,omitempty" gorm:"type:text"`
	Kind                 Kind           `json:"kind" gorm:"type:text;not null"`
	Status               Status         `json:"status" gorm:"type:text;not null"`
	CreatedAt            time.Time      `json:"created_at" gorm:"not null"`
	VerifiedAt           *time.Time     `json:"verified_at,omitempty"`
	FailureReason        string         `json:"failure_reason,omitempty" gorm:"type:text"`
	VerificationMetadata datatypes.JSON `json:"verification_metadata,omitempty"`
	ArchivedAt           time.Time      `json:"archived_at" gorm:"not null"`
}

func (ArchivedTransaction) TableName() string { return "transactions_archive" }

// WebhookOutcome is the gateway's verdict delivered at least once.
type WebhookOutcome string

const (
	OutcomeSuccess WebhookOutcome = "success"
	OutcomeFailure WebhookOutcome = "failure"
)

// CreateInput carries everything the initiation endpoint collects.
type CreateInput struct {
	// ProviderRef, when set, becomes the transaction ID (gateway-issued).
	ProviderRef string
	Kind        Kind
	UID         string
	PlanID      string
	Amount      int64
	Phone       string
	Code        string
}

// Service is the transaction store and state machine contract.
type Service interface {
	Create(ctx context.Context, in CreateInput) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	FindByCode(ctx context.Context, code string) (*Transaction, error)
	PendingManualVerifications(ctx context.Context) ([]Transaction, error)
	ApplyWebhook(ctx context.Context, id string, outcome WebhookOutcome) (Transaction, error)
	SubmitVerification(ctx context.Context, id string, isValid bool, metadata map[string]any) (Transaction, error)
	ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
	ArchiveBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Repository is the persistence boundary. Callers pass the gorm handle so a
// service-level transaction spans repository calls.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, txn *Transaction) error
	Find(ctx context.Context, db *gorm.DB, id string) (*Transaction, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Transaction, error)
	HasCompletedCode(ctx context.Context, db *gorm.DB, code string) (bool, error)
	PendingManual(ctx context.Context, db *gorm.DB) ([]Transaction, error)
	// TransitionStatus performs the compare-and-swap on status and reports
	// whether this caller won the transition.
	TransitionStatus(ctx context.Context, db *gorm.DB, id string, from, to Status, verifiedAt *time.Time, failureReason string, metadata datatypes.JSON) (bool, error)
	ListStaleInFlight(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Transaction, error)
	ListTerminalBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Transaction, error)
	InsertArchive(ctx context.Context, db *gorm.DB, row *ArchivedTransaction) error
	Delete(ctx context.Context, db *gorm.DB, id string) error
	Count(ctx context.Context, db *gorm.DB) (int64, error)
}

// DocPayload is the remote-store document shape for a transaction. Keys match
// the mobile clients' expectations, so they stay camelCase.
func (t Transaction) DocPayload() map[string]any {
	doc := map[string]any{
		"uid":       t.UID,
		"planId":    t.PlanID,
		"amount":    t.Amount,
		"phone":     t.Phone,
		"kind":      string(t.Kind),
		"status":    string(t.Status),
		"createdAt": t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.Code != "" {
		doc["code"] = t.Code
	}
	if t.VerifiedAt != nil {
		doc["verifiedAt"] = t.VerifiedAt.UTC().Format(time.RFC3339)
	}
	if t.FailureReason != "" {
		doc["failureReason"] = t.FailureReason
	}
	if len(t.VerificationMetadata) > 0 {
		doc["verificationMetadata"] = string(t.VerificationMetadata)
	}
	return doc
}
