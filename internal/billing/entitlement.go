package billing

import (
	"fmt"

	"lumina/internal/types"
)

// Entitlement evaluation is a pure function layer over current subscription
// and credit state. It performs no I/O and never mutates records, so it is
// fully unit-testable from state alone.

// FeatureStatus describes how a feature is gated.
type FeatureStatus string

const (
	FeatureStatusAvailable  FeatureStatus = "available"
	FeatureStatusComingSoon FeatureStatus = "coming_soon"
)

// featureRequirement is one row of the static feature gating table.
type featureRequirement struct {
	RequiredTier types.PlanTier
	Status       FeatureStatus
}

// featureRequirements maps feature identifiers to the minimum tier required.
// Features absent from the table do not exist.
var featureRequirements = map[string]featureRequirement{
	"chat":                {RequiredTier: types.PlanFree, Status: FeatureStatusAvailable},
	"analytics_dashboard": {RequiredTier: types.PlanFree, Status: FeatureStatusAvailable},
	"data_export":         {RequiredTier: types.PlanStandard, Status: FeatureStatusAvailable},
	"api_access":          {RequiredTier: types.PlanStandard, Status: FeatureStatusAvailable},
	"advanced_models":     {RequiredTier: types.PlanPro, Status: FeatureStatusAvailable},
	"team_workspaces":     {RequiredTier: types.PlanPro, Status: FeatureStatusComingSoon},
}

// tierRank orders plan tiers for access comparisons.
var tierRank = map[types.PlanTier]int{
	types.PlanFree:     0,
	types.PlanStandard: 1,
	types.PlanPro:      2,
}

// FeatureAccess is the result of a feature entitlement check.
type FeatureAccess struct {
	HasAccess       bool           `json:"has_access"`
	Reason          string         `json:"reason,omitempty"`
	UpgradeRequired bool           `json:"upgrade_required"`
	RequiredTier    types.PlanTier `json:"required_tier,omitempty"`
}

// Evaluator answers entitlement questions from subscription and credit state.
type Evaluator struct {
	catalog *Catalog
}

// NewEvaluator creates an Evaluator over the given catalog.
func NewEvaluator(catalog *Catalog) *Evaluator {
	return &Evaluator{catalog: catalog}
}

// CanConsumeCredits reports whether the user may consume another credit:
// true when the plan is unlimited or when remaining credits are positive.
func (e *Evaluator) CanConsumeCredits(sub types.SubscriptionRecord, credits types.CreditRecord) bool {
	if e.catalog.Get(sub.Plan).Unlimited || IsUnlimitedTotal(credits.Total) {
		return true
	}
	return credits.Remaining() > 0
}

// HasFeatureAccess checks the static feature table against the user's
// current tier. An inactive paid subscription is treated as requiring an
// upgrade even though it nominally sits on a paid tier.
func (e *Evaluator) HasFeatureAccess(featureID string, sub types.SubscriptionRecord) FeatureAccess {
	req, ok := featureRequirements[featureID]
	if !ok {
		return FeatureAccess{
			HasAccess: false,
			Reason:    fmt.Sprintf("unknown feature %q", featureID),
		}
	}

	if req.Status == FeatureStatusComingSoon {
		return FeatureAccess{
			HasAccess:    false,
			Reason:       "feature is not yet available",
			RequiredTier: req.RequiredTier,
		}
	}

	// Effective tier: a paid plan that the provider reported gone grants
	// nothing beyond free.
	effective := sub.Plan
	if sub.IsPaid() && sub.Status == types.SubStatusInactive {
		effective = types.PlanFree
	}

	if tierRank[effective] >= tierRank[req.RequiredTier] {
		return FeatureAccess{HasAccess: true}
	}

	return FeatureAccess{
		HasAccess:       false,
		Reason:          fmt.Sprintf("requires the %s plan", req.RequiredTier),
		UpgradeRequired: true,
		RequiredTier:    req.RequiredTier,
	}
}
