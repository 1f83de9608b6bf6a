// Package billing implements the subscription and credit domain logic: the
// plan catalog, the entitlement evaluator, and the reconciliation engine that
// translates billing-provider events into store updates.
package billing

import (
	"strings"

	"lumina/internal/types"
)

// unlimitedThreshold is the credit total at or above which a plan is treated
// as unlimited for display and consumption purposes. It is a sentinel, not
// literal infinity.
const unlimitedThreshold = 100_000

// PlanDefinition is the static, immutable description of one plan tier.
type PlanDefinition struct {
	Tier         types.PlanTier `json:"tier"`
	DisplayName  string         `json:"display_name"`
	TotalCredits int64          `json:"total_credits"`
	Unlimited    bool           `json:"unlimited"`
}

// planDefaults defines the hardcoded plan catalog. Exactly one definition
// exists per tier.
//
//	| Plan     | Credits/Period | Unlimited |
//	|----------|----------------|-----------|
//	| Free     | 50             | No        |
//	| Standard | 500            | No        |
//	| Pro      | 100,000        | Yes       |
var planDefaults = map[types.PlanTier]PlanDefinition{
	types.PlanFree: {
		Tier:         types.PlanFree,
		DisplayName:  "Free",
		TotalCredits: 50,
	},
	types.PlanStandard: {
		Tier:         types.PlanStandard,
		DisplayName:  "Standard",
		TotalCredits: 500,
	},
	types.PlanPro: {
		Tier:         types.PlanPro,
		DisplayName:  "Pro",
		TotalCredits: unlimitedThreshold,
		Unlimited:    true,
	},
}

// Catalog is the authoritative plan lookup. It has no side effects and never
// fails: unrecognized input falls back to the free plan.
type Catalog struct {
	plans map[types.PlanTier]PlanDefinition
}

// NewCatalog returns a Catalog backed by the hardcoded plan definitions.
// The defaults are copied so callers cannot mutate the package-level table.
func NewCatalog() *Catalog {
	m := make(map[types.PlanTier]PlanDefinition, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &Catalog{plans: m}
}

// Get returns the definition for the given tier, falling back to Free for
// unknown tiers.
func (c *Catalog) Get(tier types.PlanTier) PlanDefinition {
	if def, ok := c.plans[tier]; ok {
		return def
	}
	return c.plans[types.PlanFree]
}

// Resolve maps an arbitrary plan or product name to a definition using
// case-insensitive substring matching with fixed precedence Pro > Standard >
// Free. Any string containing "pro" resolves to Pro regardless of other
// substrings; everything unrecognized resolves to Free.
func (c *Catalog) Resolve(name string) PlanDefinition {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "pro"):
		return c.plans[types.PlanPro]
	case strings.Contains(lower, "standard"):
		return c.plans[types.PlanStandard]
	default:
		return c.plans[types.PlanFree]
	}
}

// IsUnlimitedTotal reports whether a credit total is at or above the
// unlimited sentinel threshold.
func IsUnlimitedTotal(n int64) bool {
	return n >= unlimitedThreshold
}
