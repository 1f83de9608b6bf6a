package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lumina/internal/types"
)

// subscriptionKeyPrefix namespaces per-user subscription hashes.
const subscriptionKeyPrefix = "subscription:"

func subscriptionKey(userID string) string {
	return subscriptionKeyPrefix + userID
}

// PlanMeta carries the billing metadata written alongside a plan change.
type PlanMeta struct {
	PlanName        string
	AmountCents     int64
	Interval        types.BillingInterval
	PurchasedAt     time.Time
	RenewsAt        time.Time
	CustomerRef     string
	SubscriptionRef string
}

// SubscriptionStore persists per-user subscription state. Records are never
// hard-deleted: users downgrade to the free tier instead. Free-tier records
// always read back as active regardless of the stored status; the free tier
// never lapses.
type SubscriptionStore struct {
	kv     KV
	clock  types.Clock
	logger *slog.Logger
}

// NewSubscriptionStore creates a SubscriptionStore.
func NewSubscriptionStore(kv KV, clock types.Clock, logger *slog.Logger) *SubscriptionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionStore{kv: kv, clock: clock, logger: logger}
}

// Get returns the subscription record for the user, creating a default
// free/active record on first access.
func (s *SubscriptionStore) Get(ctx context.Context, userID string) (types.SubscriptionRecord, error) {
	key := subscriptionKey(userID)
	fields, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		return types.SubscriptionRecord{}, err
	}

	if len(fields) == 0 {
		return s.initDefault(ctx, userID)
	}

	rec, err := decodeSubscriptionRecord(key, userID, fields)
	if err != nil {
		return types.SubscriptionRecord{}, err
	}

	return normalize(rec), nil
}

// initDefault writes and returns the free-tier default record.
func (s *SubscriptionStore) initDefault(ctx context.Context, userID string) (types.SubscriptionRecord, error) {
	now := s.clock.Now()
	rec := types.SubscriptionRecord{
		UserID:      userID,
		Plan:        types.PlanFree,
		PlanName:    "Free",
		Status:      types.SubStatusActive,
		Interval:    types.IntervalMonth,
		PurchasedAt: now,
		RenewsAt:    now.AddDate(0, 1, 0),
		UpdatedAt:   now,
	}

	if err := s.kv.HSet(ctx, subscriptionKey(userID), encodeSubscriptionRecord(rec)); err != nil {
		return types.SubscriptionRecord{}, err
	}

	s.logger.InfoContext(ctx, "initialized default subscription record",
		"user_id", userID,
	)

	return rec, nil
}

// SetPlan overwrites the subscription with the given plan. Setting the free
// plan clears external billing references; setting a paid plan preserves the
// stored references unless the meta explicitly replaces them.
func (s *SubscriptionStore) SetPlan(ctx context.Context, userID string, plan types.PlanTier, meta PlanMeta) error {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	rec := types.SubscriptionRecord{
		UserID:      userID,
		Plan:        plan,
		PlanName:    meta.PlanName,
		Status:      types.SubStatusActive,
		AmountCents: meta.AmountCents,
		Interval:    meta.Interval,
		PurchasedAt: meta.PurchasedAt,
		RenewsAt:    meta.RenewsAt,
		UpdatedAt:   now,
	}

	if !rec.Interval.Valid() {
		rec.Interval = types.IntervalMonth
	}
	if rec.PurchasedAt.IsZero() {
		rec.PurchasedAt = now
	}
	if rec.RenewsAt.IsZero() {
		// renewal date is derivable as purchase date plus one interval
		rec.RenewsAt = rec.Interval.Advance(rec.PurchasedAt)
	}

	if plan != types.PlanFree {
		rec.CustomerRef = meta.CustomerRef
		rec.SubscriptionRef = meta.SubscriptionRef
		if rec.CustomerRef == "" {
			rec.CustomerRef = current.CustomerRef
		}
		if rec.SubscriptionRef == "" {
			rec.SubscriptionRef = current.SubscriptionRef
		}
	}

	return s.kv.HSet(ctx, subscriptionKey(userID), encodeSubscriptionRecord(rec))
}

// MarkCanceling flags a cancel-at-period-end: status becomes canceling with a
// pending downgrade to free, while the current entitlement stays untouched
// until the renewal date passes.
func (s *SubscriptionStore) MarkCanceling(ctx context.Context, userID string) error {
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}

	return s.kv.HSet(ctx, subscriptionKey(userID), map[string]any{
		"status":            string(types.SubStatusCanceling),
		"pending_downgrade": encodeBool(true),
		"next_plan":         string(types.PlanFree),
		"updated_at":        encodeTime(s.clock.Now()),
	})
}

// MarkInactive records that the provider reported the subscription gone.
func (s *SubscriptionStore) MarkInactive(ctx context.Context, userID string) error {
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}

	return s.kv.HSet(ctx, subscriptionKey(userID), map[string]any{
		"status":     string(types.SubStatusInactive),
		"updated_at": encodeTime(s.clock.Now()),
	})
}

// normalize enforces read-side invariants: a free-tier record is always
// active and carries no pending downgrade or external references.
func normalize(rec types.SubscriptionRecord) types.SubscriptionRecord {
	if rec.Plan == types.PlanFree || rec.Plan == "" {
		rec.Plan = types.PlanFree
		rec.Status = types.SubStatusActive
		rec.PendingDowngrade = false
		rec.NextPlan = ""
		rec.CustomerRef = ""
		rec.SubscriptionRef = ""
	}
	if rec.Status == types.SubStatusCanceling {
		// canceling implies a pending downgrade to free
		rec.PendingDowngrade = true
		if rec.NextPlan == "" {
			rec.NextPlan = types.PlanFree
		}
	}
	return rec
}

func encodeSubscriptionRecord(rec types.SubscriptionRecord) map[string]any {
	return map[string]any{
		"plan":              string(rec.Plan),
		"plan_name":         rec.PlanName,
		"status":            string(rec.Status),
		"amount_cents":      fmt.Sprintf("%d", rec.AmountCents),
		"interval":          string(rec.Interval),
		"purchased_at":      encodeTime(rec.PurchasedAt),
		"renews_at":         encodeTime(rec.RenewsAt),
		"updated_at":        encodeTime(rec.UpdatedAt),
		"customer_ref":      rec.CustomerRef,
		"subscription_ref":  rec.SubscriptionRef,
		"pending_downgrade": encodeBool(rec.PendingDowngrade),
		"next_plan":         string(rec.NextPlan),
	}
}

func decodeSubscriptionRecord(key, userID string, fields map[string]string) (types.SubscriptionRecord, error) {
	plan, ok := fields["plan"]
	if !ok || plan == "" {
		return types.SubscriptionRecord{}, corruptErr(key, "plan", nil)
	}
	status, ok := fields["status"]
	if !ok || status == "" {
		return types.SubscriptionRecord{}, corruptErr(key, "status", nil)
	}

	amount, err := fieldInt64Opt(key, fields, "amount_cents")
	if err != nil {
		return types.SubscriptionRecord{}, err
	}
	purchasedAt, err := fieldTime(key, fields, "purchased_at")
	if err != nil {
		return types.SubscriptionRecord{}, err
	}
	renewsAt, err := fieldTimeOpt(key, fields, "renews_at")
	if err != nil {
		return types.SubscriptionRecord{}, err
	}
	updatedAt, err := fieldTimeOpt(key, fields, "updated_at")
	if err != nil {
		return types.SubscriptionRecord{}, err
	}

	interval := types.BillingInterval(fields["interval"])
	if !interval.Valid() {
		interval = types.IntervalMonth
	}
	if renewsAt.IsZero() {
		renewsAt = interval.Advance(purchasedAt)
	}

	return types.SubscriptionRecord{
		UserID:           userID,
		Plan:             types.PlanTier(plan),
		PlanName:         fields["plan_name"],
		Status:           types.SubscriptionStatus(status),
		AmountCents:      amount,
		Interval:         interval,
		PurchasedAt:      purchasedAt,
		RenewsAt:         renewsAt,
		UpdatedAt:        updatedAt,
		CustomerRef:      fields["customer_ref"],
		SubscriptionRef:  fields["subscription_ref"],
		PendingDowngrade: fieldBool(fields, "pending_downgrade"),
		NextPlan:         types.PlanTier(fields["next_plan"]),
	}, nil
}
