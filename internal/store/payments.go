package store

import (
	"context"
	"log/slog"

	"lumina/internal/types"
)

// paymentKeyPrefix namespaces processed-payment idempotency markers.
const paymentKeyPrefix = "processed_payment:"

func paymentKey(ref string) string {
	return paymentKeyPrefix + ref
}

// PaymentMarkerStore records which provider payment references have already
// been reconciled. A marker is write-once and carries no payload beyond its
// existence: presence means a repeat of that payment event is a no-op.
type PaymentMarkerStore struct {
	kv     KV
	logger *slog.Logger
}

// NewPaymentMarkerStore creates a PaymentMarkerStore.
func NewPaymentMarkerStore(kv KV, logger *slog.Logger) *PaymentMarkerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentMarkerStore{kv: kv, logger: logger}
}

// Seen reports whether the payment reference was already processed.
func (s *PaymentMarkerStore) Seen(ctx context.Context, paymentRef string) (bool, error) {
	if paymentRef == "" {
		return false, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"payment reference must not be empty",
			nil,
		)
	}
	return s.kv.Exists(ctx, paymentKey(paymentRef))
}

// Mark records the payment reference as processed. Returns whether this call
// created the marker; false means another writer got there first, which the
// caller treats the same as an existing marker.
func (s *PaymentMarkerStore) Mark(ctx context.Context, paymentRef string) (bool, error) {
	created, err := s.kv.SetNX(ctx, paymentKey(paymentRef), "1", 0)
	if err != nil {
		return false, err
	}
	if !created {
		s.logger.InfoContext(ctx, "payment marker already present",
			"payment_ref", paymentRef,
		)
	}
	return created, nil
}
