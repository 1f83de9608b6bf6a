// Package scheduler runs the daily renewal sweep: it enumerates every credit
// record and asks the reconciliation engine to renew or downgrade accounts
// whose reset date has passed. The sweep is idempotent; running it twice in
// the same period is a no-op for every account the first run settled.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lumina/internal/types"
)

// UserScanner pages through the account key space.
type UserScanner interface {
	ScanUsers(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)
}

// Renewer is the per-user renewal operation.
type Renewer interface {
	RenewUser(ctx context.Context, userID string, now time.Time) (renewed, downgraded bool, err error)
}

// RenewalSweeper walks all accounts and applies due renewals. A failure on one
// account is counted and logged but never aborts the sweep; the next run
// retries it.
type RenewalSweeper struct {
	scanner     UserScanner
	renewer     Renewer
	clock       types.Clock
	concurrency int
	scanBatch   int64
	logger      *slog.Logger
}

// NewRenewalSweeper wires the sweep. concurrency bounds how many accounts are
// processed in parallel; scanBatch is the page-size hint for key-space scans.
func NewRenewalSweeper(
	scanner UserScanner,
	renewer Renewer,
	clock types.Clock,
	concurrency int,
	scanBatch int64,
	logger *slog.Logger,
) *RenewalSweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	if scanBatch < 1 {
		scanBatch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewalSweeper{
		scanner:     scanner,
		renewer:     renewer,
		clock:       clock,
		concurrency: concurrency,
		scanBatch:   scanBatch,
		logger:      logger,
	}
}

// Run executes one full sweep and returns its report. The only error returned
// is a scan failure or context cancellation; per-user failures are reported in
// the Failed count.
func (s *RenewalSweeper) Run(ctx context.Context) (types.SweepReport, error) {
	start := s.clock.Now()

	var (
		mu     sync.Mutex
		report types.SweepReport
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var cursor uint64
	for {
		users, next, err := s.scanner.ScanUsers(ctx, cursor, s.scanBatch)
		if err != nil {
			// Wait for in-flight workers before surfacing the scan failure.
			_ = g.Wait()
			return report, err
		}

		for _, userID := range users {
			userID := userID
			g.Go(func() error {
				renewed, downgraded, err := s.renewer.RenewUser(gctx, userID, start)

				mu.Lock()
				defer mu.Unlock()
				report.Scanned++
				switch {
				case err != nil:
					report.Failed++
					s.logger.ErrorContext(gctx, "renewal failed for user",
						"user_id", userID,
						"error", err,
					)
				case renewed:
					report.Renewed++
				case downgraded:
					report.Downgraded++
				default:
					report.Skipped++
				}
				// Per-user errors never cancel the group.
				return nil
			})
		}

		if next == 0 {
			break
		}
		cursor = next

		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return report, err
		}
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	s.logger.InfoContext(ctx, "renewal sweep completed",
		"scanned", report.Scanned,
		"renewed", report.Renewed,
		"downgraded", report.Downgraded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", time.Since(start),
	)

	return report, nil
}
