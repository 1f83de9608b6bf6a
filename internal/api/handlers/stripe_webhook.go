package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lumina/internal/billing"
	"lumina/internal/core"
	"lumina/internal/external"
	"lumina/internal/types"
)

// maxWebhookBodySize bounds webhook payloads (64 KB).
const maxWebhookBodySize = 64 << 10

// WebhookReconciler is the slice of the reconciliation engine the webhook
// drives.
type WebhookReconciler interface {
	ConfirmPayment(ctx context.Context, ev types.PaymentEvent) (billing.Outcome, error)
	SyncSubscription(ctx context.Context, userID, subscriptionRef, providerStatus string, cancelAtPeriodEnd bool) error
	SubscriptionDeleted(ctx context.Context, userID, subscriptionRef string) error
}

// StripeWebhookHandler receives and verifies Stripe webhook events and routes
// them to the reconciliation engine.
type StripeWebhookHandler struct {
	verifier      external.WebhookVerifier
	webhookSecret types.SecretString
	reconciler    WebhookReconciler
	logger        *slog.Logger
}

// NewStripeWebhookHandler wires the webhook endpoint.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	webhookSecret types.SecretString,
	reconciler WebhookReconciler,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:      verifier,
		webhookSecret: webhookSecret,
		reconciler:    reconciler,
		logger:        logger,
	}
}

// RegisterRoutes mounts the webhook endpoint on the public router. Webhooks
// authenticate via payload signature, not bearer tokens.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.HandleWebhook)
}

// stripeEvent is the minimal envelope of a Stripe webhook event.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// webhookCheckoutSession is the checkout.session.completed payload subset.
type webhookCheckoutSession struct {
	ID                string            `json:"id"`
	PaymentIntent     string            `json:"payment_intent"`
	Subscription      string            `json:"subscription"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

// webhookPaymentIntent is the payment_intent.succeeded payload subset.
type webhookPaymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// webhookSubscription is the customer.subscription.* payload subset.
type webhookSubscription struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

// HandleWebhook verifies the event signature and dispatches by event type.
// Signature failures return 400 so Stripe retries with a corrected config;
// downstream reconciliation failures are logged and acknowledged with 200 to
// avoid retry storms against a persistently failing store. The renewal sweep
// and the synchronous verify endpoint provide convergence for missed events.
// POST /webhooks/stripe
func (h *StripeWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read webhook payload",
			err,
		))
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get("Stripe-Signature"), h.webhookSecret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthUnauthorized,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"malformed webhook event",
			err,
		))
		return
	}

	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(ctx, event)
	case "payment_intent.succeeded":
		h.handlePaymentSucceeded(ctx, event)
	case "customer.subscription.updated":
		h.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		h.handleSubscriptionDeleted(ctx, event)
	default:
		h.logger.DebugContext(ctx, "ignoring webhook event", "type", event.Type)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"received": "true"}})
}

func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripeEvent) {
	var session webhookCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		h.logger.ErrorContext(ctx, "malformed checkout session payload", "event_id", event.ID, "error", err)
		return
	}

	if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
		h.logger.InfoContext(ctx, "ignoring unpaid checkout session",
			"event_id", event.ID,
			"payment_status", session.PaymentStatus,
		)
		return
	}

	userID := extractUserID(session.ClientReferenceID, session.Metadata)
	if userID == "" {
		h.logger.ErrorContext(ctx, "checkout session carries no user identity", "event_id", event.ID, "session_id", session.ID)
		return
	}

	paymentRef := session.PaymentIntent
	if paymentRef == "" {
		paymentRef = session.ID
	}

	ev := types.PaymentEvent{
		PaymentRef:      paymentRef,
		UserID:          userID,
		PlanID:          session.Metadata["plan"],
		AmountCents:     session.AmountTotal,
		CustomerRef:     session.Customer,
		SubscriptionRef: session.Subscription,
	}

	if outcome, err := h.reconciler.ConfirmPayment(ctx, ev); err != nil {
		h.logger.ErrorContext(ctx, "checkout reconciliation failed",
			"event_id", event.ID,
			"payment_ref", paymentRef,
			"user_id", userID,
			"error", err,
		)
	} else if outcome == billing.OutcomeAlreadyProcessed {
		h.logger.InfoContext(ctx, "checkout event replayed, no-op", "event_id", event.ID, "payment_ref", paymentRef)
	}
}

func (h *StripeWebhookHandler) handlePaymentSucceeded(ctx context.Context, event stripeEvent) {
	var intent webhookPaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		h.logger.ErrorContext(ctx, "malformed payment intent payload", "event_id", event.ID, "error", err)
		return
	}

	userID := extractUserID("", intent.Metadata)
	if userID == "" {
		// Payment intents created through checkout carry no metadata of their
		// own; the checkout.session.completed event covers those.
		h.logger.DebugContext(ctx, "payment intent carries no user identity, skipping", "event_id", event.ID)
		return
	}

	ev := types.PaymentEvent{
		PaymentRef:  intent.ID,
		UserID:      userID,
		PlanID:      intent.Metadata["plan"],
		AmountCents: intent.Amount,
		CustomerRef: intent.Customer,
	}

	if _, err := h.reconciler.ConfirmPayment(ctx, ev); err != nil {
		h.logger.ErrorContext(ctx, "payment reconciliation failed",
			"event_id", event.ID,
			"payment_ref", intent.ID,
			"user_id", userID,
			"error", err,
		)
	}
}

func (h *StripeWebhookHandler) handleSubscriptionUpdated(ctx context.Context, event stripeEvent) {
	var sub webhookSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		h.logger.ErrorContext(ctx, "malformed subscription payload", "event_id", event.ID, "error", err)
		return
	}

	userID := extractUserID("", sub.Metadata)
	if userID == "" {
		h.logger.WarnContext(ctx, "subscription event carries no user identity, skipping",
			"event_id", event.ID,
			"subscription_ref", sub.ID,
		)
		return
	}

	if err := h.reconciler.SyncSubscription(ctx, userID, sub.ID, sub.Status, sub.CancelAtPeriodEnd); err != nil {
		h.logger.ErrorContext(ctx, "subscription sync failed",
			"event_id", event.ID,
			"user_id", userID,
			"subscription_ref", sub.ID,
			"error", err,
		)
	}
}

func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event stripeEvent) {
	var sub webhookSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		h.logger.ErrorContext(ctx, "malformed subscription payload", "event_id", event.ID, "error", err)
		return
	}

	userID := extractUserID("", sub.Metadata)
	if userID == "" {
		h.logger.WarnContext(ctx, "subscription deletion carries no user identity, skipping",
			"event_id", event.ID,
			"subscription_ref", sub.ID,
		)
		return
	}

	if err := h.reconciler.SubscriptionDeleted(ctx, userID, sub.ID); err != nil {
		h.logger.ErrorContext(ctx, "subscription deletion handling failed",
			"event_id", event.ID,
			"user_id", userID,
			"subscription_ref", sub.ID,
			"error", err,
		)
	}
}

// extractUserID resolves the user identity from a checkout client reference
// or provider metadata, in that order.
func extractUserID(clientReferenceID string, metadata map[string]string) string {
	if clientReferenceID != "" {
		return clientReferenceID
	}
	if metadata == nil {
		return ""
	}
	if id := metadata["user_id"]; id != "" {
		return id
	}
	return metadata["userId"]
}
