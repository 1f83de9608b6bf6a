package store

import (
	"context"
	"errors"
	"testing"

	"lumina/internal/types"
)

func newTestSubStore() (*SubscriptionStore, *memKV, *testClock) {
	kv := newMemKV()
	clock := &testClock{now: testNow}
	return NewSubscriptionStore(kv, clock, nil), kv, clock
}

func TestSubGet_InitializesFreeActiveDefault(t *testing.T) {
	s, _, _ := newTestSubStore()
	ctx := context.Background()

	rec, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Plan != types.PlanFree || rec.Status != types.SubStatusActive {
		t.Errorf("record = %+v, want free/active default", rec)
	}
	if rec.IsPaid() {
		t.Error("free default must not report as paid")
	}
}

func TestSetPlan_PaidRoundTrip(t *testing.T) {
	s, _, _ := newTestSubStore()
	ctx := context.Background()

	renews := testNow.AddDate(0, 1, 0)
	err := s.SetPlan(ctx, "u1", types.PlanPro, PlanMeta{
		PlanName:        "Pro",
		AmountCents:     4900,
		Interval:        types.IntervalMonth,
		PurchasedAt:     testNow,
		RenewsAt:        renews,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
	})
	if err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	rec, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Plan != types.PlanPro || rec.PlanName != "Pro" || rec.AmountCents != 4900 {
		t.Errorf("record = %+v", rec)
	}
	if !rec.RenewsAt.Equal(renews) || !rec.PurchasedAt.Equal(testNow) {
		t.Errorf("timestamps did not round-trip: %+v", rec)
	}
	if rec.SubscriptionRef != "sub_1" || rec.CustomerRef != "cus_1" {
		t.Errorf("refs did not round-trip: %+v", rec)
	}
}

func TestSetPlan_DerivesRenewalFromInterval(t *testing.T) {
	s, _, _ := newTestSubStore()
	ctx := context.Background()

	err := s.SetPlan(ctx, "u1", types.PlanStandard, PlanMeta{
		PlanName:    "Standard",
		Interval:    types.IntervalYear,
		PurchasedAt: testNow,
		// RenewsAt deliberately zero
	})
	if err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	rec, _ := s.Get(ctx, "u1")
	if want := testNow.AddDate(1, 0, 0); !rec.RenewsAt.Equal(want) {
		t.Errorf("RenewsAt = %v, want derived %v", rec.RenewsAt, want)
	}
}

func TestSetPlan_PaidPreservesRefsWhenMetaBlank(t *testing.T) {
	s, _, _ := newTestSubStore()
	ctx := context.Background()

	if err := s.SetPlan(ctx, "u1", types.PlanPro, PlanMeta{
		PlanName: "Pro", CustomerRef: "cus_1", SubscriptionRef: "sub_1",
	}); err != nil {
		t.Fatal(err)
	}

	// A later write without refs (renewal path) keeps them.
	if err := s.SetPlan(ctx, "u1", types.PlanPro, PlanMeta{PlanName: "Pro"}); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.Get(ctx, "u1")
	if rec.SubscriptionRef != "sub_1" || rec.CustomerRef != "cus_1" {
		t.Errorf("refs were lost on a blank-meta write: %+v", rec)
	}
}

func TestSetPlan_FreeClearsRefs(t *testing.T) {
	s, _, _ := newTestSubStore()
	ctx := context.Background()

	if err := s.SetPlan(ctx, "u1", types.PlanPro, PlanMeta{
		PlanName: "Pro", CustomerRef: "cus_1", SubscriptionRef: "sub_1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPlan(ctx, "u1", types.PlanFree, PlanMeta{PlanName: "Free"}); err != nil {
		t.Fatal(err)
	}

	rec, _ := s.Get(ctx, "u1")
	if rec.SubscriptionRef != "" || rec.CustomerRef != "" {
		t.Errorf("free plan must not carry provider refs: %+v", rec)
	}
}

func TestMarkCanceling_SetsPendingDowngrade(t *testing.T) {
	s, _, _ := newTestSubStore()
	ctx := context.Background()

	if err := s.SetPlan(ctx, "u1", types.PlanPro, PlanMeta{PlanName: "Pro", SubscriptionRef: "sub_1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCanceling(ctx, "u1"); err != nil {
		t.Fatalf("MarkCanceling: %v", err)
	}

	rec, _ := s.Get(ctx, "u1")
	if rec.Status != types.SubStatusCanceling {
		t.Errorf("status = %s, want canceling", rec.Status)
	}
	if !rec.PendingDowngrade || rec.NextPlan != types.PlanFree {
		t.Errorf("record = %+v, want pending downgrade to free", rec)
	}
	// The plan itself stays paid until the boundary.
	if rec.Plan != types.PlanPro {
		t.Errorf("plan = %s, want pro retained while canceling", rec.Plan)
	}
}

func TestMarkInactive(t *testing.T) {
	s, _, _ := newTestSubStore()
	ctx := context.Background()

	if err := s.SetPlan(ctx, "u1", types.PlanStandard, PlanMeta{PlanName: "Standard"}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInactive(ctx, "u1"); err != nil {
		t.Fatalf("MarkInactive: %v", err)
	}

	rec, _ := s.Get(ctx, "u1")
	if rec.Status != types.SubStatusInactive {
		t.Errorf("status = %s, want inactive", rec.Status)
	}
}

func TestNormalize_FreeTierAlwaysActive(t *testing.T) {
	s, kv, _ := newTestSubStore()
	ctx := context.Background()

	// Simulate a stale record: a free plan carrying an inactive status and
	// leftover provider references.
	_ = kv.HSet(ctx, "subscription:u1", map[string]any{
		"plan":             "free",
		"status":           "inactive",
		"purchased_at":     encodeTime(testNow),
		"subscription_ref": "sub_ghost",
	})

	rec, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != types.SubStatusActive {
		t.Errorf("status = %s, free tier never lapses", rec.Status)
	}
	if rec.SubscriptionRef != "" {
		t.Error("free tier must not expose provider refs")
	}
}

func TestSubGet_CorruptRecord(t *testing.T) {
	s, kv, _ := newTestSubStore()
	ctx := context.Background()

	// Missing the required status field.
	_ = kv.HSet(ctx, "subscription:u1", map[string]any{
		"plan":         "pro",
		"purchased_at": encodeTime(testNow),
	})

	_, err := s.Get(ctx, "u1")
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeInternalCorruptData {
		t.Fatalf("error = %v, want internal_corrupt_record", err)
	}
}
