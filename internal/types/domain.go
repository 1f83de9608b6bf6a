// Package types defines the shared domain model for the Lumina billing
// subsystem: plan tiers, subscription and credit records, the error taxonomy,
// and context helpers. It has no dependencies on other internal packages so
// that every layer can import it freely.
package types

import "time"

// PlanTier identifies a subscription plan level.
type PlanTier string

const (
	PlanFree     PlanTier = "free"
	PlanStandard PlanTier = "standard"
	PlanPro      PlanTier = "pro"
)

// BillingInterval is the renewal cadence of a paid subscription.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Valid reports whether the interval is one of the supported values.
func (i BillingInterval) Valid() bool {
	return i == IntervalMonth || i == IntervalYear
}

// Advance returns t moved forward by one billing interval.
func (i BillingInterval) Advance(t time.Time) time.Time {
	if i == IntervalYear {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// SubscriptionStatus is the local lifecycle state of a user's subscription.
type SubscriptionStatus string

const (
	// SubStatusActive is a subscription in good standing. Free-tier
	// subscriptions are always active; the free tier never lapses.
	SubStatusActive SubscriptionStatus = "active"
	// SubStatusCanceling means the provider will cancel at period end; the
	// user keeps their paid entitlement until the renewal date passes.
	SubStatusCanceling SubscriptionStatus = "canceling"
	// SubStatusInactive means the provider reported the subscription gone.
	SubStatusInactive SubscriptionStatus = "inactive"
)

// SubscriptionRecord is the per-user subscription state persisted in the
// key-value store under subscription:{userID}. It is owned exclusively by the
// reconciliation engine; readers never mutate it.
type SubscriptionRecord struct {
	UserID          string             `json:"user_id"`
	Plan            PlanTier           `json:"plan"`
	PlanName        string             `json:"plan_name"`
	Status          SubscriptionStatus `json:"status"`
	AmountCents     int64              `json:"amount_cents"`
	Interval        BillingInterval    `json:"interval"`
	PurchasedAt     time.Time          `json:"purchased_at"`
	RenewsAt        time.Time          `json:"renews_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	CustomerRef     string             `json:"customer_ref,omitempty"`
	SubscriptionRef string             `json:"subscription_ref,omitempty"`

	// PendingDowngrade marks a cancel-at-period-end. When set, NextPlan holds
	// the tier the user drops to at the next renewal boundary.
	PendingDowngrade bool     `json:"pending_downgrade"`
	NextPlan         PlanTier `json:"next_plan,omitempty"`
}

// IsPaid reports whether the record is on a paid tier.
func (s SubscriptionRecord) IsPaid() bool {
	return s.Plan != PlanFree && s.Plan != ""
}

// CreditRecord is the per-user prepaid usage counter persisted under
// credits:{userID}.
type CreditRecord struct {
	UserID    string    `json:"user_id"`
	Total     int64     `json:"total"`
	Used      int64     `json:"used"`
	ResetsAt  time.Time `json:"resets_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PendingDowngrade mirrors the subscription flag: at the next reset the
	// total collapses to NextTotal and used is clamped to it.
	PendingDowngrade bool  `json:"pending_downgrade"`
	NextTotal        int64 `json:"next_total,omitempty"`
}

// Remaining returns total minus used. The value may be negative: deduction
// does not hard-block overspend, callers decide whether to block based on
// the entitlement evaluator.
func (c CreditRecord) Remaining() int64 {
	return c.Total - c.Used
}

// DeductResult is returned by CreditStore.Deduct.
type DeductResult struct {
	Deducted  int64 `json:"deducted"`
	Remaining int64 `json:"remaining"`
}

// PaymentEvent is the normalized form of a billing-provider payment
// confirmation (checkout completed or payment intent succeeded) consumed by
// the reconciliation engine.
type PaymentEvent struct {
	// PaymentRef is the provider's payment/intent identifier, used as the
	// idempotency key. Required.
	PaymentRef string
	// UserID is extracted from provider metadata / client_reference_id.
	UserID string
	// PlanID is the explicit plan identifier carried in billing metadata.
	// Preferred over ProductName for plan resolution.
	PlanID string
	// ProductName is the provider product display name, used as a fallback
	// for plan resolution when PlanID is absent.
	ProductName string
	AmountCents int64
	Interval    BillingInterval
	CustomerRef string
	// SubscriptionRef is the provider subscription identifier, if the payment
	// created or renewed a subscription.
	SubscriptionRef string
}

// SweepReport summarizes one renewal sweep run.
type SweepReport struct {
	Scanned    int `json:"scanned"`
	Renewed    int `json:"renewed"`
	Downgraded int `json:"downgraded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}
