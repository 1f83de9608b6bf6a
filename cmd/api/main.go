// Package main is the entry point for the Lumina billing API server.
//
// It loads configuration, connects to the key-value store, wires the domain
// services (plan catalog, entitlement evaluator, reconciliation engine), and
// serves the HTTP API with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lumina/internal/api/handlers"
	"lumina/internal/auth"
	"lumina/internal/billing"
	"lumina/internal/config"
	"lumina/internal/core"
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

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("lumina billing API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Key-value store.
	client, err := store.Connect(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer client.Close()
	kv := store.NewRedisKV(client, cfg.Redis.OpTimeout)

	// Domain wiring.
	clock := types.RealClock{}
	catalog := billing.NewCatalog()
	freePlan := catalog.Get(types.PlanFree)

	subs := store.NewSubscriptionStore(kv, clock, logger)
	credits := store.NewCreditStore(kv, freePlan.TotalCredits, clock, logger)
	payments := store.NewPaymentMarkerStore(kv, logger)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			Logger:    logger,
		},
	)

	evaluator := billing.NewEvaluator(catalog)
	reconciler := billing.NewReconciler(catalog, subs, credits, payments, stripeClient, clock, logger)
	sweeper := scheduler.NewRenewalSweeper(credits, reconciler, clock, cfg.Sweep.Concurrency, cfg.Sweep.ScanBatch, logger)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = auth.NewTokenAuthenticator(cfg.Auth.TokenSecret)
	srv.HealthProbes = append(srv.HealthProbes, store.NewProbe(kv))

	billingHandler := handlers.NewBillingHandler(
		subs,
		credits,
		evaluator,
		catalog,
		reconciler,
		stripeClient,
		srv.Validator,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, billingHandler.RegisterRoutes)

	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		cfg.Billing.StripeWebhookSecret,
		reconciler,
		logger,
	)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)

	sweepHandler := handlers.NewSweepHandler(sweeper, cfg.Sweep.Secret, logger)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, sweepHandler.RegisterRoutes)

	srv.MountRoutes()

	return runHTTPServer(ctx, srv, cfg, logger)
}

// runHTTPServer serves until the context is canceled, then drains in-flight
// requests for up to 15 seconds.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return <-errCh
}

// newLogger builds the process-wide structured logger at the configured level.
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
