// Package handlers contains the HTTP handlers for the Lumina billing API.
// Each handler group defines the narrow service interfaces it consumes so
// tests can inject fakes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lumina/internal/billing"
	"lumina/internal/core"
	"lumina/internal/external"
	"lumina/internal/types"
)

// SubscriptionReader exposes subscription reads for the billing endpoints.
type SubscriptionReader interface {
	Get(ctx context.Context, userID string) (types.SubscriptionRecord, error)
}

// CreditReader exposes credit reads and deduction.
type CreditReader interface {
	Get(ctx context.Context, userID string) (types.CreditRecord, error)
	Deduct(ctx context.Context, userID string, amount int64, reason string) (types.DeductResult, error)
}

// ReconcilerService is the slice of the reconciliation engine the billing
// endpoints drive.
type ReconcilerService interface {
	ConfirmPayment(ctx context.Context, ev types.PaymentEvent) (billing.Outcome, error)
	Cancel(ctx context.Context, userID string) error
	ChangePlan(ctx context.Context, userID string, target types.PlanTier) error
}

// CheckoutGateway retrieves checkout session details from the billing
// provider, for post-checkout verification.
type CheckoutGateway interface {
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*external.CheckoutSession, error)
	ListLineItems(ctx context.Context, sessionID string) ([]external.LineItem, error)
	RetrieveProduct(ctx context.Context, productID string) (*external.StripeProduct, error)
}

// BillingHandler serves the authenticated billing and credit endpoints.
type BillingHandler struct {
	subs       SubscriptionReader
	credits    CreditReader
	evaluator  *billing.Evaluator
	catalog    *billing.Catalog
	reconciler ReconcilerService
	checkout   CheckoutGateway
	validator  *core.Validator
	logger     *slog.Logger
}

// NewBillingHandler wires the billing endpoint group.
func NewBillingHandler(
	subs SubscriptionReader,
	credits CreditReader,
	evaluator *billing.Evaluator,
	catalog *billing.Catalog,
	reconciler ReconcilerService,
	checkout CheckoutGateway,
	validator *core.Validator,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		subs:       subs,
		credits:    credits,
		evaluator:  evaluator,
		catalog:    catalog,
		reconciler: reconciler,
		checkout:   checkout,
		validator:  validator,
		logger:     logger,
	}
}

// RegisterRoutes mounts the billing endpoints on the authenticated router.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/billing/credits", h.HandleGetCredits)
	r.Get("/billing/subscription", h.HandleGetSubscription)
	r.Get("/billing/features/{featureID}", h.HandleFeatureAccess)
	r.Post("/billing/cancel", h.HandleCancel)
	r.Post("/billing/plan", h.HandleChangePlan)
	r.Post("/billing/verify", h.HandleVerifyCheckout)
	r.Post("/credits/consume", h.HandleConsumeCredits)
}

// creditsResponse is the public shape of a credit balance. Unlimited plans
// report unlimited=true instead of a meaningful remaining count.
type creditsResponse struct {
	Total     int64     `json:"total"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	Unlimited bool      `json:"unlimited"`
	ResetsAt  time.Time `json:"resets_at"`
}

// HandleGetCredits returns the caller's current credit balance.
// GET /v1/billing/credits
func (h *BillingHandler) HandleGetCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUnauthorized, "no authenticated user", nil))
		return
	}

	rec, err := h.credits.Get(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: creditsResponse{
		Total:     rec.Total,
		Used:      rec.Used,
		Remaining: rec.Remaining(),
		Unlimited: billing.IsUnlimitedTotal(rec.Total),
		ResetsAt:  rec.ResetsAt,
	}})
}

// subscriptionResponse is the public shape of a subscription record.
type subscriptionResponse struct {
	Plan             types.PlanTier           `json:"plan"`
	PlanName         string                   `json:"plan_name"`
	Status           types.SubscriptionStatus `json:"status"`
	AmountCents      int64                    `json:"amount_cents"`
	Interval         types.BillingInterval    `json:"interval"`
	PurchasedAt      time.Time                `json:"purchased_at"`
	RenewsAt         time.Time                `json:"renews_at"`
	PendingDowngrade bool                     `json:"pending_downgrade"`
	NextPlan         types.PlanTier           `json:"next_plan,omitempty"`
}

// HandleGetSubscription returns the caller's subscription state.
// GET /v1/billing/subscription
func (h *BillingHandler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUnauthorized, "no authenticated user", nil))
		return
	}

	rec, err := h.subs.Get(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse{
		Plan:             rec.Plan,
		PlanName:         rec.PlanName,
		Status:           rec.Status,
		AmountCents:      rec.AmountCents,
		Interval:         rec.Interval,
		PurchasedAt:      rec.PurchasedAt,
		RenewsAt:         rec.RenewsAt,
		PendingDowngrade: rec.PendingDowngrade,
		NextPlan:         rec.NextPlan,
	}})
}

// HandleFeatureAccess answers whether the caller's tier grants a feature.
// GET /v1/billing/features/{featureID}
func (h *BillingHandler) HandleFeatureAccess(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUnauthorized, "no authenticated user", nil))
		return
	}

	featureID := chi.URLParam(r, "featureID")

	sub, err := h.subs.Get(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	access := h.evaluator.HasFeatureAccess(featureID, sub)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: access})
}

// consumeRequest is the body of POST /v1/credits/consume.
type consumeRequest struct {
	Amount int64  `json:"amount" validate:"required,min=1"`
	Reason string `json:"reason" validate:"required,max=200"`
}

// HandleConsumeCredits deducts credits for a metered action. The entitlement
// check happens before the deduction: an exhausted balance is rejected with
// 403 and no state change. The deduction itself is not idempotent; retried
// requests deduct again.
// POST /v1/credits/consume
func (h *BillingHandler) HandleConsumeCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUnauthorized, "no authenticated user", nil))
		return
	}

	var req consumeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.subs.Get(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	credits, err := h.credits.Get(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if !h.evaluator.CanConsumeCredits(sub, credits) {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodePermissionCredits,
			"credit balance exhausted for the current period",
			nil,
			map[string]any{"resets_at": credits.ResetsAt},
		))
		return
	}

	result, err := h.credits.Deduct(r.Context(), actor.UserID, req.Amount, req.Reason)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// HandleCancel requests a cancel-at-period-end for the caller's paid
// subscription.
// POST /v1/billing/cancel
func (h *BillingHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUnauthorized, "no authenticated user", nil))
		return
	}

	if err := h.reconciler.Cancel(r.Context(), actor.UserID); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"status": string(types.SubStatusCanceling),
	}})
}

// changePlanRequest is the body of POST /v1/billing/plan.
type changePlanRequest struct {
	Plan types.PlanTier `json:"plan" validate:"required,oneof=free standard pro"`
}

// HandleChangePlan applies an immediate plan switch for the caller.
// POST /v1/billing/plan
func (h *BillingHandler) HandleChangePlan(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUnauthorized, "no authenticated user", nil))
		return
	}

	var req changePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.reconciler.ChangePlan(r.Context(), actor.UserID, req.Plan); err != nil {
		core.Error(w, r, err)
		return
	}

	def := h.catalog.Get(req.Plan)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"plan":      def.Tier,
		"plan_name": def.DisplayName,
	}})
}

// verifyRequest is the body of POST /v1/billing/verify.
type verifyRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// HandleVerifyCheckout confirms a completed checkout session against the
// provider and reconciles it. It is the synchronous fallback for the webhook:
// the client calls it on returning from checkout, and the payment reference
// keeps the two paths idempotent against each other.
// POST /v1/billing/verify
func (h *BillingHandler) HandleVerifyCheckout(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthUnauthorized, "no authenticated user", nil))
		return
	}

	var req verifyRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.checkout.RetrieveCheckoutSession(r.Context(), req.SessionID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if session.PaymentStatus != "paid" {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidAmount,
			"checkout session is not paid",
			nil,
			map[string]any{"payment_status": session.PaymentStatus},
		))
		return
	}

	// The session must belong to the caller. A missing reference is tolerated
	// (older checkout links); a mismatched one is not.
	if session.ClientReferenceID != "" && session.ClientReferenceID != actor.UserID {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthUnauthorized,
			"checkout session belongs to a different user",
			nil,
		))
		return
	}

	ev, err := h.paymentEventFromSession(r.Context(), actor.UserID, session)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	outcome, err := h.reconciler.ConfirmPayment(r.Context(), ev)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"outcome": string(outcome),
	}})
}

// paymentEventFromSession builds the normalized payment event from a checkout
// session, pulling the plan identifier from session metadata first and
// falling back to line-item price metadata and then the product name.
func (h *BillingHandler) paymentEventFromSession(ctx context.Context, userID string, session *external.CheckoutSession) (types.PaymentEvent, error) {
	ev := types.PaymentEvent{
		PaymentRef:      session.PaymentIntent,
		UserID:          userID,
		PlanID:          session.Metadata["plan"],
		AmountCents:     session.AmountTotal,
		CustomerRef:     session.Customer,
		SubscriptionRef: session.Subscription,
	}
	if ev.PaymentRef == "" {
		// Subscription-mode sessions may carry no payment intent; fall back to
		// the session ID as the idempotency key.
		ev.PaymentRef = session.ID
	}

	items, err := h.checkout.ListLineItems(ctx, session.ID)
	if err != nil {
		return types.PaymentEvent{}, err
	}

	if len(items) > 0 {
		item := items[0]
		if ev.PlanID == "" {
			ev.PlanID = item.Price.Metadata["plan"]
		}
		if item.Price.Recurring != nil {
			ev.Interval = types.BillingInterval(item.Price.Recurring.Interval)
		}
		if ev.PlanID == "" && item.Price.Product != "" {
			product, err := h.checkout.RetrieveProduct(ctx, item.Price.Product)
			if err != nil {
				return types.PaymentEvent{}, err
			}
			ev.PlanID = product.Metadata["plan"]
			ev.ProductName = product.Name
		}
		if ev.ProductName == "" {
			ev.ProductName = item.Description
		}
	}

	return ev, nil
}
