// Package main is the entry point for the Tollgate billing API.
//
// It loads configuration, connects Postgres and Redis, wires the billing
// components and serves the HTTP surface until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tollgate/internal/api/handlers"
	"tollgate/internal/app"
	"tollgate/internal/billing"
	"tollgate/internal/config"
	"tollgate/internal/core"
	"tollgate/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("tollgate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	a, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, logger, serverDeps{
		Authenticator: a.Authenticator,
		Billing:       a.Orchestrator,
		Entitlements:  a.Ents,
		Catalog:       a.Catalog,
		Verifier:      a.Verifier,
		Ledger:        a.WebhookEvents,
		Reconciler:    a.Reconciler,
		Tenants:       a.Ents,
		Subscriptions: a.Gateway,
		Probes:        probes(a),
	})
	if err != nil {
		a.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Closers = append(srv.Closers, a.Close)

	return runHTTPServer(srv, cfg, logger)
}

// serverDeps is everything the HTTP surface needs from the wider app.
type serverDeps struct {
	Authenticator core.Authenticator
	Billing       handlers.BillingService
	Entitlements  handlers.EntitlementReader
	Catalog       *billing.Catalog
	Verifier      handlers.WebhookVerifier
	Ledger        handlers.EventLedger
	Reconciler    handlers.SubscriptionReconciler
	Tenants       handlers.TenantResolver
	Subscriptions handlers.SubscriptionSource
	Probes        []core.HealthProbe
}

func buildServer(cfg *config.Config, logger *slog.Logger, deps serverDeps) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.Prometheus{}
	srv.Authenticator = deps.Authenticator
	srv.Metrics = metrics
	srv.MetricsHandler = telemetry.Handler()
	srv.HealthProbes = deps.Probes

	billingHandler := handlers.NewBillingHandler(deps.Billing, deps.Entitlements, deps.Catalog, srv.Validator, logger)
	var webhookOpts []handlers.WebhookOption
	if deps.Subscriptions != nil {
		webhookOpts = append(webhookOpts, handlers.WithSubscriptionSource(deps.Subscriptions))
	}
	webhookHandler := handlers.NewStripeWebhookHandler(deps.Verifier, deps.Ledger, deps.Reconciler, deps.Tenants, metrics, logger, webhookOpts...)

	srv.RouteRegistrars = append(srv.RouteRegistrars,
		billingHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	srv.MountRoutes()
	return srv, nil
}

func probes(a *app.App) []core.HealthProbe {
	ps := []core.HealthProbe{
		core.FuncProbe{ProbeName: "postgres", CheckFn: a.Pool.Ping},
	}
	if a.Redis != nil {
		ps = append(ps, core.FuncProbe{ProbeName: "redis", CheckFn: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	return ps
}

// runHTTPServer serves until a shutdown signal or listener error, then drains
// in-flight requests and releases server resources.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
