package domain

import "time"

// FromDocPayload rebuilds an account from its remote-store document. Used
// only by cold-start hydration.
func FromDocPayload(uid string, data map[string]any) Account {
	acct := Account{UID: uid}
	switch v := data["credits"].(type) {
	case int64:
		acct.Credits = v
	case int:
		acct.Credits = int64(v)
	case float64:
		acct.Credits = int64(v)
	}
	if t, ok := docTime(data["unlimitedExpiresAt"], time.RFC3339); ok {
		acct.UnlimitedExpiresAt = &t
	}
	if t, ok := docTime(data["lastDailyReset"], "2006-01-02"); ok {
		acct.LastDailyReset = &t
	}
	if v, ok := data["lastPaymentRef"].(string); ok {
		acct.LastPaymentRef = v
	}
	if t, ok := docTime(data["updatedAt"], time.RFC3339); ok {
		acct.UpdatedAt = t
		acct.CreatedAt = t
	}
	return acct
}

func docTime(v any, layout string) (time.Time, bool) {
	switch typed := v.(type) {
	case time.Time:
		return typed.UTC(), true
	case string:
		if t, err := time.Parse(layout, typed); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
