package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"lumina/internal/billing"
	"lumina/internal/types"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) Verify(_ []byte, _ string, _ string) error {
	return f.err
}

type fakeWebhookReconciler struct {
	confirmEvents []types.PaymentEvent
	confirmErr    error
	syncCalls     []syncCall
	deletedCalls  []deletedCall
}

type syncCall struct {
	UserID            string
	SubscriptionRef   string
	Status            string
	CancelAtPeriodEnd bool
}

type deletedCall struct {
	UserID          string
	SubscriptionRef string
}

func (f *fakeWebhookReconciler) ConfirmPayment(_ context.Context, ev types.PaymentEvent) (billing.Outcome, error) {
	if f.confirmErr != nil {
		return "", f.confirmErr
	}
	f.confirmEvents = append(f.confirmEvents, ev)
	return billing.OutcomeApplied, nil
}

func (f *fakeWebhookReconciler) SyncSubscription(_ context.Context, userID, ref, status string, cancelAtPeriodEnd bool) error {
	f.syncCalls = append(f.syncCalls, syncCall{userID, ref, status, cancelAtPeriodEnd})
	return nil
}

func (f *fakeWebhookReconciler) SubscriptionDeleted(_ context.Context, userID, ref string) error {
	f.deletedCalls = append(f.deletedCalls, deletedCall{userID, ref})
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func newWebhookHarness(verifier *fakeVerifier) (*chi.Mux, *fakeWebhookReconciler) {
	rec := &fakeWebhookReconciler{}
	handler := NewStripeWebhookHandler(verifier, types.SecretString("whsec_test"), rec, nil)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return router, rec
}

func postWebhook(router *chi.Mux, eventType string, object any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(object)
	body, _ := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": eventType,
		"data": map[string]any{"object": json.RawMessage(raw)},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWebhook_SignatureFailureIsRejected(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{err: errors.New("bad signature")})

	rr := postWebhook(router, "checkout.session.completed", map[string]any{"id": "cs_1"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if len(rec.confirmEvents) != 0 {
		t.Error("unverified event must not be processed")
	}
}

func TestWebhook_CheckoutCompleted(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	rr := postWebhook(router, "checkout.session.completed", map[string]any{
		"id":                  "cs_1",
		"payment_intent":      "pi_1",
		"subscription":        "sub_1",
		"customer":            "cus_1",
		"client_reference_id": "u1",
		"amount_total":        4900,
		"payment_status":      "paid",
		"metadata":            map[string]string{"plan": "pro"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	if len(rec.confirmEvents) != 1 {
		t.Fatalf("confirm events = %v", rec.confirmEvents)
	}
	ev := rec.confirmEvents[0]
	if ev.PaymentRef != "pi_1" || ev.UserID != "u1" || ev.PlanID != "pro" {
		t.Errorf("event = %+v", ev)
	}
	if ev.AmountCents != 4900 || ev.SubscriptionRef != "sub_1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebhook_CheckoutWithoutPaymentIntentUsesSessionID(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	postWebhook(router, "checkout.session.completed", map[string]any{
		"id":                  "cs_1",
		"client_reference_id": "u1",
		"payment_status":      "paid",
		"metadata":            map[string]string{"plan": "standard"},
	})

	if len(rec.confirmEvents) != 1 || rec.confirmEvents[0].PaymentRef != "cs_1" {
		t.Fatalf("events = %+v, want session ID as idempotency key", rec.confirmEvents)
	}
}

func TestWebhook_CheckoutMetadataUserIDFallback(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	postWebhook(router, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"payment_intent": "pi_1",
		"payment_status": "paid",
		"metadata":       map[string]string{"user_id": "u2", "plan": "pro"},
	})

	if len(rec.confirmEvents) != 1 || rec.confirmEvents[0].UserID != "u2" {
		t.Fatalf("events = %+v, want metadata user_id fallback", rec.confirmEvents)
	}
}

func TestWebhook_CheckoutWithoutUserIsAcknowledgedButSkipped(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	rr := postWebhook(router, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"payment_intent": "pi_1",
		"payment_status": "paid",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 acknowledgment", rr.Code)
	}
	if len(rec.confirmEvents) != 0 {
		t.Error("event without user identity must be skipped")
	}
}

func TestWebhook_ReconcilerFailureStillAcknowledged(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})
	rec.confirmErr = errors.New("store down")

	rr := postWebhook(router, "checkout.session.completed", map[string]any{
		"id":                  "cs_1",
		"payment_intent":      "pi_1",
		"client_reference_id": "u1",
		"payment_status":      "paid",
		"metadata":            map[string]string{"plan": "pro"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite downstream failure", rr.Code)
	}
}

func TestWebhook_PaymentIntentSucceeded(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	postWebhook(router, "payment_intent.succeeded", map[string]any{
		"id":       "pi_2",
		"amount":   1900,
		"customer": "cus_1",
		"metadata": map[string]string{"user_id": "u1", "plan": "standard"},
	})

	if len(rec.confirmEvents) != 1 {
		t.Fatalf("confirm events = %v", rec.confirmEvents)
	}
	ev := rec.confirmEvents[0]
	if ev.PaymentRef != "pi_2" || ev.UserID != "u1" || ev.PlanID != "standard" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebhook_PaymentIntentWithoutMetadataSkipped(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	rr := postWebhook(router, "payment_intent.succeeded", map[string]any{
		"id":     "pi_2",
		"amount": 1900,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(rec.confirmEvents) != 0 {
		t.Error("payment intent without user identity must be skipped")
	}
}

func TestWebhook_SubscriptionUpdated(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	postWebhook(router, "customer.subscription.updated", map[string]any{
		"id":                   "sub_1",
		"status":               "active",
		"cancel_at_period_end": true,
		"metadata":             map[string]string{"user_id": "u1"},
	})

	if len(rec.syncCalls) != 1 {
		t.Fatalf("sync calls = %v", rec.syncCalls)
	}
	call := rec.syncCalls[0]
	if call.UserID != "u1" || call.SubscriptionRef != "sub_1" || !call.CancelAtPeriodEnd {
		t.Errorf("call = %+v", call)
	}
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	postWebhook(router, "customer.subscription.deleted", map[string]any{
		"id":       "sub_1",
		"status":   "canceled",
		"metadata": map[string]string{"user_id": "u1"},
	})

	if len(rec.deletedCalls) != 1 {
		t.Fatalf("deleted calls = %v", rec.deletedCalls)
	}
	if rec.deletedCalls[0].SubscriptionRef != "sub_1" {
		t.Errorf("call = %+v", rec.deletedCalls[0])
	}
}

func TestWebhook_UnknownEventTypeIgnored(t *testing.T) {
	router, rec := newWebhookHarness(&fakeVerifier{})

	rr := postWebhook(router, "invoice.finalized", map[string]any{"id": "in_1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(rec.confirmEvents)+len(rec.syncCalls)+len(rec.deletedCalls) != 0 {
		t.Error("unknown event type must not reach the reconciler")
	}
}

func TestWebhook_MalformedBodyRejected(t *testing.T) {
	router, _ := newWebhookHarness(&fakeVerifier{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
