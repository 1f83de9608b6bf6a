package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lumina/internal/store"
	"lumina/internal/types"
)

// --- Store and provider contracts ---
//
// The reconciler defines the subset of each dependency it needs, so tests can
// inject fakes without touching Redis or Stripe.

// SubscriptionStore is the subscription persistence contract.
type SubscriptionStore interface {
	Get(ctx context.Context, userID string) (types.SubscriptionRecord, error)
	SetPlan(ctx context.Context, userID string, plan types.PlanTier, meta store.PlanMeta) error
	MarkCanceling(ctx context.Context, userID string) error
	MarkInactive(ctx context.Context, userID string) error
}

// CreditStore is the credit persistence contract.
type CreditStore interface {
	Get(ctx context.Context, userID string) (types.CreditRecord, error)
	ResetForPlan(ctx context.Context, userID string, total int64, resetsAt time.Time) error
	ApplyPlanChange(ctx context.Context, userID string, total int64, resetsAt time.Time) error
	MarkPendingDowngrade(ctx context.Context, userID string, nextTotal int64) error
	ApplyPendingDowngrade(ctx context.Context, userID string, nextResetsAt time.Time) (bool, error)
}

// PaymentMarkers is the idempotency-marker contract.
type PaymentMarkers interface {
	Seen(ctx context.Context, paymentRef string) (bool, error)
	Mark(ctx context.Context, paymentRef string) (bool, error)
}

// ProviderGateway is the outbound billing-provider surface the reconciler
// needs: instructing a cancel at period end.
type ProviderGateway interface {
	CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error
}

// Outcome distinguishes an applied reconciliation from an idempotent replay.
// AlreadyProcessed is a success, not an error; callers short-circuit on it.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Reconciler is the core state machine: it translates billing-provider
// events and plan-change actions into subscription and credit writes.
//
// Writes within one action are issued sequentially, subscription first, and
// are not transactional. Every action is therefore written to be idempotent
// and safe to re-run from either partial state: a crash between the two
// writes is corrected by the next event or sweep.
type Reconciler struct {
	catalog  *Catalog
	subs     SubscriptionStore
	credits  CreditStore
	payments PaymentMarkers
	provider ProviderGateway
	clock    types.Clock
	logger   *slog.Logger
}

// NewReconciler wires the reconciliation engine.
func NewReconciler(
	catalog *Catalog,
	subs SubscriptionStore,
	credits CreditStore,
	payments PaymentMarkers,
	provider ProviderGateway,
	clock types.Clock,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		catalog:  catalog,
		subs:     subs,
		credits:  credits,
		payments: payments,
		provider: provider,
		clock:    clock,
		logger:   logger,
	}
}

// resolvePlan determines the plan for a payment event. The explicit plan
// identifier in billing metadata wins; the product name is the fallback.
// Missing both is a hard error: amount-based guessing is not performed.
func (r *Reconciler) resolvePlan(ev types.PaymentEvent) (PlanDefinition, error) {
	switch {
	case ev.PlanID != "":
		return r.catalog.Resolve(ev.PlanID), nil
	case ev.ProductName != "":
		return r.catalog.Resolve(ev.ProductName), nil
	default:
		return PlanDefinition{}, types.NewAppErrorWithDetails(
			types.ErrCodeBillingPlanUnresolved,
			"billing metadata carries neither a plan identifier nor a product name",
			nil,
			map[string]any{"payment_ref": ev.PaymentRef},
		)
	}
}

// ConfirmPayment applies a checkout-completed or payment-succeeded event.
// The payment reference is the idempotency key: a reference that was already
// processed returns OutcomeAlreadyProcessed without touching any state. The
// marker is written last so that a crash mid-sequence leaves the event
// replayable rather than half-applied and sealed.
func (r *Reconciler) ConfirmPayment(ctx context.Context, ev types.PaymentEvent) (Outcome, error) {
	if ev.PaymentRef == "" {
		return "", types.NewAppError(
			types.ErrCodeValidationMissingField,
			"payment event is missing its payment reference",
			nil,
		)
	}
	if ev.UserID == "" {
		return "", types.NewAppError(
			types.ErrCodeValidationMissingField,
			"payment event is missing the user identifier",
			nil,
		)
	}

	seen, err := r.payments.Seen(ctx, ev.PaymentRef)
	if err != nil {
		return "", err
	}
	if seen {
		r.logger.InfoContext(ctx, "payment already processed",
			"payment_ref", ev.PaymentRef,
			"user_id", ev.UserID,
		)
		return OutcomeAlreadyProcessed, nil
	}

	plan, err := r.resolvePlan(ev)
	if err != nil {
		return "", err
	}

	interval := ev.Interval
	if !interval.Valid() {
		interval = types.IntervalMonth
	}

	now := r.clock.Now()
	renewsAt := interval.Advance(now)

	if err := r.subs.SetPlan(ctx, ev.UserID, plan.Tier, store.PlanMeta{
		PlanName:        plan.DisplayName,
		AmountCents:     ev.AmountCents,
		Interval:        interval,
		PurchasedAt:     now,
		RenewsAt:        renewsAt,
		CustomerRef:     ev.CustomerRef,
		SubscriptionRef: ev.SubscriptionRef,
	}); err != nil {
		return "", fmt.Errorf("writing subscription for user %s: %w", ev.UserID, err)
	}

	if err := r.credits.ResetForPlan(ctx, ev.UserID, plan.TotalCredits, renewsAt); err != nil {
		return "", fmt.Errorf("resetting credits for user %s: %w", ev.UserID, err)
	}

	if _, err := r.payments.Mark(ctx, ev.PaymentRef); err != nil {
		return "", fmt.Errorf("marking payment %s processed: %w", ev.PaymentRef, err)
	}

	r.logger.InfoContext(ctx, "payment reconciled",
		"payment_ref", ev.PaymentRef,
		"user_id", ev.UserID,
		"plan", plan.Tier,
		"renews_at", renewsAt,
	)

	return OutcomeApplied, nil
}

// Cancel handles a user-initiated cancellation: the provider is instructed
// to cancel at period end, the subscription is marked canceling, and the
// credit record is flagged for a downgrade to the free allotment. The
// current entitlement stays untouched until the renewal date passes.
func (r *Reconciler) Cancel(ctx context.Context, userID string) error {
	sub, err := r.subs.Get(ctx, userID)
	if err != nil {
		return err
	}

	if !sub.IsPaid() || sub.Status != types.SubStatusActive || sub.SubscriptionRef == "" {
		return types.NewAppError(
			types.ErrCodeConflictNoActiveSubscription,
			"no active paid subscription to cancel",
			nil,
		)
	}

	if err := r.provider.CancelAtPeriodEnd(ctx, sub.SubscriptionRef); err != nil {
		return fmt.Errorf("requesting provider cancellation for user %s: %w", userID, err)
	}

	if err := r.subs.MarkCanceling(ctx, userID); err != nil {
		return fmt.Errorf("marking subscription canceling for user %s: %w", userID, err)
	}

	free := r.catalog.Get(types.PlanFree)
	if err := r.credits.MarkPendingDowngrade(ctx, userID, free.TotalCredits); err != nil {
		return fmt.Errorf("flagging credit downgrade for user %s: %w", userID, err)
	}

	r.logger.InfoContext(ctx, "subscription marked canceling",
		"user_id", userID,
		"subscription_ref", sub.SubscriptionRef,
	)

	return nil
}

// ChangePlan applies an explicit plan switch immediately (as opposed to the
// deferred downgrade a cancel produces): the subscription is rewritten for
// the target plan and credits move to the target allotment with current
// usage clamped to the new total.
func (r *Reconciler) ChangePlan(ctx context.Context, userID string, target types.PlanTier) error {
	plan := r.catalog.Get(target)

	sub, err := r.subs.Get(ctx, userID)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	interval := sub.Interval
	if !interval.Valid() {
		interval = types.IntervalMonth
	}
	resetsAt := interval.Advance(now)

	if err := r.subs.SetPlan(ctx, userID, plan.Tier, store.PlanMeta{
		PlanName:    plan.DisplayName,
		AmountCents: sub.AmountCents,
		Interval:    interval,
		PurchasedAt: now,
		RenewsAt:    resetsAt,
	}); err != nil {
		return fmt.Errorf("writing subscription for user %s: %w", userID, err)
	}

	if err := r.credits.ApplyPlanChange(ctx, userID, plan.TotalCredits, resetsAt); err != nil {
		return fmt.Errorf("moving credits to plan %s for user %s: %w", plan.Tier, userID, err)
	}

	r.logger.InfoContext(ctx, "plan changed",
		"user_id", userID,
		"plan", plan.Tier,
	)

	return nil
}

// SyncSubscription reconciles a provider subscription-updated event against
// local state. Events for a subscription reference other than the stored one
// are ignored (stale or foreign). A provider-side cancel-at-period-end maps
// to the canceling state; a dead provider status marks the record inactive.
func (r *Reconciler) SyncSubscription(ctx context.Context, userID, subscriptionRef, providerStatus string, cancelAtPeriodEnd bool) error {
	sub, err := r.subs.Get(ctx, userID)
	if err != nil {
		return err
	}

	if sub.SubscriptionRef == "" || sub.SubscriptionRef != subscriptionRef {
		r.logger.WarnContext(ctx, "subscription event reference mismatch, ignoring",
			"user_id", userID,
			"stored_ref", sub.SubscriptionRef,
			"event_ref", subscriptionRef,
		)
		return nil
	}

	switch {
	case providerStatus == "canceled" || providerStatus == "incomplete_expired" || providerStatus == "unpaid":
		return r.SubscriptionDeleted(ctx, userID, subscriptionRef)
	case cancelAtPeriodEnd && sub.Status == types.SubStatusActive:
		if err := r.subs.MarkCanceling(ctx, userID); err != nil {
			return err
		}
		free := r.catalog.Get(types.PlanFree)
		return r.credits.MarkPendingDowngrade(ctx, userID, free.TotalCredits)
	default:
		// Status updates that carry the same data are idempotent overwrites.
		return nil
	}
}

// SubscriptionDeleted handles the provider's subscription-deleted webhook:
// if the reference matches the stored one, the subscription is marked
// inactive. Credits are left alone; the next sweep or plan change settles
// them.
func (r *Reconciler) SubscriptionDeleted(ctx context.Context, userID, subscriptionRef string) error {
	sub, err := r.subs.Get(ctx, userID)
	if err != nil {
		return err
	}

	if sub.SubscriptionRef != subscriptionRef {
		r.logger.WarnContext(ctx, "deletion event for unknown subscription reference, ignoring",
			"user_id", userID,
			"stored_ref", sub.SubscriptionRef,
			"event_ref", subscriptionRef,
		)
		return nil
	}

	if err := r.subs.MarkInactive(ctx, userID); err != nil {
		return fmt.Errorf("marking subscription inactive for user %s: %w", userID, err)
	}

	r.logger.InfoContext(ctx, "subscription marked inactive",
		"user_id", userID,
		"subscription_ref", subscriptionRef,
	)

	return nil
}

// RenewUser is the per-user unit of the renewal sweep. If the reset date has
// not passed, nothing happens, which is what makes a redundant sweep run a
// no-op. Otherwise a pending downgrade is applied, or the credits are reset
// to the current plan's allotment with the reset date advanced by whole
// intervals until it lands in the future.
func (r *Reconciler) RenewUser(ctx context.Context, userID string, now time.Time) (renewed, downgraded bool, err error) {
	credits, err := r.credits.Get(ctx, userID)
	if err != nil {
		return false, false, err
	}

	if now.Before(credits.ResetsAt) {
		return false, false, nil
	}

	sub, err := r.subs.Get(ctx, userID)
	if err != nil {
		return false, false, err
	}

	interval := sub.Interval
	if !interval.Valid() {
		interval = types.IntervalMonth
	}

	if credits.PendingDowngrade || sub.PendingDowngrade {
		nextPlan := sub.NextPlan
		if nextPlan == "" {
			nextPlan = types.PlanFree
		}
		plan := r.catalog.Get(nextPlan)
		nextReset := types.IntervalMonth.Advance(now)

		// Subscription first, then credits; both writes are idempotent.
		if err := r.subs.SetPlan(ctx, userID, plan.Tier, store.PlanMeta{
			PlanName:    plan.DisplayName,
			Interval:    types.IntervalMonth,
			PurchasedAt: now,
			RenewsAt:    nextReset,
		}); err != nil {
			return false, false, fmt.Errorf("applying subscription downgrade for user %s: %w", userID, err)
		}

		applied, err := r.credits.ApplyPendingDowngrade(ctx, userID, nextReset)
		if err != nil {
			return false, false, fmt.Errorf("applying credit downgrade for user %s: %w", userID, err)
		}
		if !applied {
			// The credit flag was missing (partial prior write); settle the
			// allotment directly.
			if err := r.credits.ApplyPlanChange(ctx, userID, plan.TotalCredits, nextReset); err != nil {
				return false, false, fmt.Errorf("settling credits after downgrade for user %s: %w", userID, err)
			}
		}

		r.logger.InfoContext(ctx, "pending downgrade applied at renewal",
			"user_id", userID,
			"plan", plan.Tier,
		)
		return false, true, nil
	}

	plan := r.catalog.Get(sub.Plan)
	nextReset := credits.ResetsAt
	for !nextReset.After(now) {
		nextReset = interval.Advance(nextReset)
	}

	if err := r.credits.ResetForPlan(ctx, userID, plan.TotalCredits, nextReset); err != nil {
		return false, false, fmt.Errorf("renewing credits for user %s: %w", userID, err)
	}

	r.logger.InfoContext(ctx, "credits renewed",
		"user_id", userID,
		"plan", plan.Tier,
		"resets_at", nextReset,
	)
	return true, false, nil
}
