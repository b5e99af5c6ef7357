package plan

import (
	"strings"
	"time"

	"go.uber.org/fx"
)

// Plan is one entry of the static top-up catalog. Credits and Price are
// mutually authoritative: either the plan grants Credits, or DurationDays > 0
// and the plan grants unlimited consumption until the expiry.
type Plan struct {
	ID           string
	Credits      int64
	Price        int64
	DurationDays int
}

// Unlimited reports whether the plan grants time-boxed unlimited consumption
// instead of a credit delta.
func (p Plan) Unlimited() bool {
	return p.DurationDays > 0
}

// Duration returns the unlimited window length.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// Catalog is a read-only planID lookup. Plans are not persisted per
// transaction beyond the planID reference.
type Catalog struct {
	plans map[string]Plan
}

// Module provides the default catalog.
var Module = fx.Provide(DefaultCatalog)

// DefaultCatalog returns the production plan set.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Plan{ID: "starter", Credits: 3, Price: 10},
		Plan{ID: "value", Credits: 10, Price: 30},
		Plan{ID: "pro", Credits: 25, Price: 50},
		Plan{ID: "unlimited_day", Price: 30, DurationDays: 1},
		Plan{ID: "unlimited_week", Price: 150, DurationDays: 7},
	)
}

// NewCatalog builds a catalog from explicit plans. Blank IDs are skipped.
func NewCatalog(plans ...Plan) *Catalog {
	byID := make(map[string]Plan, len(plans))
	for _, p := range plans {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			continue
		}
		p.ID = id
		byID[id] = p
	}
	return &Catalog{plans: byID}
}

// Lookup resolves a planID.
func (c *Catalog) Lookup(planID string) (Plan, bool) {
	p, ok := c.plans[strings.TrimSpace(planID)]
	return p, ok
}
