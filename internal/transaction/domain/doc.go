package domain

import (
	"time"

	"gorm.io/datatypes"
)

// FromDocPayload rebuilds a transaction from its remote-store document,
// tolerating missing optional fields. Used only by cold-start hydration.
func FromDocPayload(id string, data map[string]any) Transaction {
	txn := Transaction{
		ID:            id,
		UID:           docString(data, "uid"),
		PlanID:        docString(data, "planId"),
		Amount:        docInt64(data, "amount"),
		Phone:         docString(data, "phone"),
		Code:          docString(data, "code"),
		Kind:          Kind(docString(data, "kind")),
		Status:        Status(docString(data, "status")),
		FailureReason: docString(data, "failureReason"),
	}
	if t, ok := docTime(data, "createdAt"); ok {
		txn.CreatedAt = t
	}
	if t, ok := docTime(data, "verifiedAt"); ok {
		txn.VerifiedAt = &t
	}
	if raw := docString(data, "verificationMetadata"); raw != "" {
		txn.VerificationMetadata = datatypes.JSON(raw)
	}
	return txn
}

func docString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func docInt64(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func docTime(data map[string]any, key string) (time.Time, bool) {
	switch v := data[key].(type) {
	case time.Time:
		return v.UTC(), true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
