package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lumina/internal/types"
)

// creditKeyPrefix namespaces per-user credit hashes.
const creditKeyPrefix = "credits:"

func creditKey(userID string) string {
	return creditKeyPrefix + userID
}

// CreditStore persists per-user prepaid credit counters. A record is created
// lazily with the free-plan default on first read, so callers never need an
// explicit initialization step.
//
// Deduction uses HINCRBY on the used field, which makes concurrent deductions
// for the same user additive rather than lost. Cross-field writes are still
// last-write-wins; the reconciliation engine is responsible for keeping them
// safe to re-run.
type CreditStore struct {
	kv           KV
	defaultTotal int64
	clock        types.Clock
	logger       *slog.Logger
}

// NewCreditStore creates a CreditStore. defaultTotal is the free-plan credit
// allotment used to synthesize records on first access.
func NewCreditStore(kv KV, defaultTotal int64, clock types.Clock, logger *slog.Logger) *CreditStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditStore{
		kv:           kv,
		defaultTotal: defaultTotal,
		clock:        clock,
		logger:       logger,
	}
}

// Get returns the credit record for the user. If none exists, it synthesizes
// one from the free-plan default, persists it, and returns it.
func (s *CreditStore) Get(ctx context.Context, userID string) (types.CreditRecord, error) {
	key := creditKey(userID)
	fields, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		return types.CreditRecord{}, err
	}

	if len(fields) == 0 {
		return s.initDefault(ctx, userID)
	}

	return decodeCreditRecord(key, userID, fields)
}

// initDefault writes and returns the free-plan default record. The reset date
// starts one month out; the renewal sweep keeps it advancing thereafter.
func (s *CreditStore) initDefault(ctx context.Context, userID string) (types.CreditRecord, error) {
	now := s.clock.Now()
	rec := types.CreditRecord{
		UserID:    userID,
		Total:     s.defaultTotal,
		Used:      0,
		ResetsAt:  now.AddDate(0, 1, 0),
		UpdatedAt: now,
	}

	if err := s.kv.HSet(ctx, creditKey(userID), encodeCreditRecord(rec)); err != nil {
		return types.CreditRecord{}, err
	}

	s.logger.InfoContext(ctx, "initialized default credit record",
		"user_id", userID,
		"total", rec.Total,
	)

	return rec, nil
}

// Deduct increments used by amount and returns the resulting remaining
// balance. Overspend is not blocked here: remaining may go negative and the
// caller decides whether to reject the action. Repeated deductions
// accumulate; deduction is intentionally not idempotent.
func (s *CreditStore) Deduct(ctx context.Context, userID string, amount int64, reason string) (types.DeductResult, error) {
	if amount <= 0 {
		return types.DeductResult{}, types.NewAppError(
			types.ErrCodeValidationInvalidAmount,
			"deduction amount must be positive",
			nil,
		)
	}

	// Ensure the record exists so HINCRBY does not create a partial hash.
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return types.DeductResult{}, err
	}

	key := creditKey(userID)
	newUsed, err := s.kv.HIncrBy(ctx, key, "used", amount)
	if err != nil {
		return types.DeductResult{}, err
	}

	if err := s.kv.HSet(ctx, key, map[string]any{
		"updated_at": encodeTime(s.clock.Now()),
	}); err != nil {
		return types.DeductResult{}, err
	}

	s.logger.InfoContext(ctx, "credits deducted",
		"user_id", userID,
		"amount", amount,
		"reason", reason,
		"remaining", rec.Total-newUsed,
	)

	return types.DeductResult{
		Deducted:  amount,
		Remaining: rec.Total - newUsed,
	}, nil
}

// ResetForPlan overwrites the record with a fresh allotment: total set to the
// plan's credits, used zeroed, reset date replaced, pending downgrade cleared.
func (s *CreditStore) ResetForPlan(ctx context.Context, userID string, total int64, resetsAt time.Time) error {
	rec := types.CreditRecord{
		UserID:    userID,
		Total:     total,
		Used:      0,
		ResetsAt:  resetsAt,
		UpdatedAt: s.clock.Now(),
	}
	return s.kv.HSet(ctx, creditKey(userID), encodeCreditRecord(rec))
}

// ApplyPlanChange moves the user to a new allotment immediately, preserving
// current usage but clamping it to the new total so remaining never goes
// negative past the cap after a downgrade.
func (s *CreditStore) ApplyPlanChange(ctx context.Context, userID string, total int64, resetsAt time.Time) error {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}

	used := min(current.Used, total)
	rec := types.CreditRecord{
		UserID:    userID,
		Total:     total,
		Used:      used,
		ResetsAt:  resetsAt,
		UpdatedAt: s.clock.Now(),
	}
	return s.kv.HSet(ctx, creditKey(userID), encodeCreditRecord(rec))
}

// MarkPendingDowngrade flags the record so the next renewal sweep collapses
// the total to nextTotal. The current entitlement is untouched until then.
func (s *CreditStore) MarkPendingDowngrade(ctx context.Context, userID string, nextTotal int64) error {
	// Ensure the record exists before flagging it.
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}

	return s.kv.HSet(ctx, creditKey(userID), map[string]any{
		"pending_downgrade": encodeBool(true),
		"next_total":        fmt.Sprintf("%d", nextTotal),
		"updated_at":        encodeTime(s.clock.Now()),
	})
}

// ApplyPendingDowngrade moves next_total into total if the pending flag is
// set and the reset date has passed, clamping used to the new total and
// clearing the flag. Returns whether a downgrade was applied.
func (s *CreditStore) ApplyPendingDowngrade(ctx context.Context, userID string, nextResetsAt time.Time) (bool, error) {
	current, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	if !current.PendingDowngrade || now.Before(current.ResetsAt) {
		return false, nil
	}

	rec := types.CreditRecord{
		UserID:    userID,
		Total:     current.NextTotal,
		Used:      min(current.Used, current.NextTotal),
		ResetsAt:  nextResetsAt,
		UpdatedAt: now,
	}
	if err := s.kv.HSet(ctx, creditKey(userID), encodeCreditRecord(rec)); err != nil {
		return false, err
	}

	s.logger.InfoContext(ctx, "applied pending credit downgrade",
		"user_id", userID,
		"total", rec.Total,
		"used", rec.Used,
	)

	return true, nil
}

// ScanUsers pages through the credit key space and returns the user IDs on
// the page plus the next cursor (0 when the scan is complete). Used by the
// renewal sweep to enumerate accounts.
func (s *CreditStore) ScanUsers(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	keys, next, err := s.kv.Scan(ctx, cursor, creditKeyPrefix+"*", count)
	if err != nil {
		return nil, 0, err
	}

	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, creditKeyPrefix))
	}
	return users, next, nil
}

// encodeCreditRecord serializes a record to its flat hash representation.
func encodeCreditRecord(rec types.CreditRecord) map[string]any {
	return map[string]any{
		"total":             fmt.Sprintf("%d", rec.Total),
		"used":              fmt.Sprintf("%d", rec.Used),
		"resets_at":         encodeTime(rec.ResetsAt),
		"updated_at":        encodeTime(rec.UpdatedAt),
		"pending_downgrade": encodeBool(rec.PendingDowngrade),
		"next_total":        fmt.Sprintf("%d", rec.NextTotal),
	}
}

// decodeCreditRecord parses a hash into a typed record, validating required
// fields.
func decodeCreditRecord(key, userID string, fields map[string]string) (types.CreditRecord, error) {
	total, err := fieldInt64(key, fields, "total")
	if err != nil {
		return types.CreditRecord{}, err
	}
	used, err := fieldInt64(key, fields, "used")
	if err != nil {
		return types.CreditRecord{}, err
	}
	resetsAt, err := fieldTime(key, fields, "resets_at")
	if err != nil {
		return types.CreditRecord{}, err
	}
	updatedAt, err := fieldTimeOpt(key, fields, "updated_at")
	if err != nil {
		return types.CreditRecord{}, err
	}
	nextTotal, err := fieldInt64Opt(key, fields, "next_total")
	if err != nil {
		return types.CreditRecord{}, err
	}

	return types.CreditRecord{
		UserID:           userID,
		Total:            total,
		Used:             used,
		ResetsAt:         resetsAt,
		UpdatedAt:        updatedAt,
		PendingDowngrade: fieldBool(fields, "pending_downgrade"),
		NextTotal:        nextTotal,
	}, nil
}
