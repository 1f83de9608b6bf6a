// Package main is the one-shot renewal sweeper, meant to be invoked by cron
// or a container scheduler once per day. It connects, runs a single sweep,
// prints the report, and exits non-zero on failure so the scheduler can alert.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lumina/internal/billing"
	"lumina/internal/config"
	"lumina/internal/external"
	"lumina/internal/scheduler"
	"lumina/internal/store"
	"lumina/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("renewal sweep starting", "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := store.Connect(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer client.Close()
	kv := store.NewRedisKV(client, cfg.Redis.OpTimeout)

	clock := types.RealClock{}
	catalog := billing.NewCatalog()
	freePlan := catalog.Get(types.PlanFree)

	subs := store.NewSubscriptionStore(kv, clock, logger)
	credits := store.NewCreditStore(kv, freePlan.TotalCredits, clock, logger)
	payments := store.NewPaymentMarkerStore(kv, logger)

	// The sweep never talks to the provider, but the reconciler requires a
	// gateway; give it the real one so a future sweep-side provider call does
	// not silently run against a stub.
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			Logger:    logger,
		},
	)

	reconciler := billing.NewReconciler(catalog, subs, credits, payments, stripeClient, clock, logger)
	sweeper := scheduler.NewRenewalSweeper(credits, reconciler, clock, cfg.Sweep.Concurrency, cfg.Sweep.ScanBatch, logger)

	report, err := sweeper.Run(ctx)
	if err != nil {
		return fmt.Errorf("running sweep: %w", err)
	}

	fmt.Printf("sweep complete: scanned=%d renewed=%d downgraded=%d skipped=%d failed=%d\n",
		report.Scanned, report.Renewed, report.Downgraded, report.Skipped, report.Failed)

	if report.Failed > 0 {
		return fmt.Errorf("%d accounts failed to renew", report.Failed)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
