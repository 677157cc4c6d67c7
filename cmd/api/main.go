// Package main is the entry point for the Crewbase governance API server.
//
// It loads configuration, connects the Postgres pool, wires the billing
// engine (plan catalog, subscription lifecycle, usage aggregator,
// notification throttle) behind the HTTP chassis, and serves until a
// shutdown signal arrives.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"crewbase/internal/api/handlers"
	"crewbase/internal/billing"
	"crewbase/internal/cache"
	"crewbase/internal/config"
	"crewbase/internal/core"
	"crewbase/internal/db"
	"crewbase/internal/external"
	"crewbase/internal/notifications"
	"crewbase/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("crewbase API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Repositories over the shared pool.
	plans := db.NewPlanRepo(pool)
	subs := db.NewSubscriptionRepo(pool, logger)
	counters := db.NewCountersRepo(pool)
	directory := db.NewDirectoryRepo(pool)
	notifs := db.NewUsageNotificationRepo(pool, logger)
	orgBilling := db.NewOrgBillingRepo(pool)

	// Subscription cache: Redis when configured, process-local LRU otherwise.
	subCache, err := newSubscriptionCache(ctx, cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("initializing subscription cache: %w", err)
	}
	loader := cache.NewLoader(subCache, subs, logger)

	httpClient := &http.Client{Timeout: 30 * time.Second}

	provider := external.NewStripeProvider(httpClient, orgBilling, external.StripeConfig{
		SecretKey:     cfg.Billing.StripeSecretKey,
		WebhookSecret: cfg.Billing.StripeWebhookSecret,
		Logger:        logger,
	})

	pusher := notifications.NewPusher(httpClient, notifications.PushConfig{
		GatewayURL:    cfg.Push.GatewayURL,
		SigningSecret: cfg.Push.SigningSecret,
		Logger:        logger,
	})
	email := notifications.NewEmailSender(httpClient, directory, notifications.EmailConfig{
		APIKey:      cfg.Email.SendGridAPIKey,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		Logger:      logger,
	})

	// The engine core.
	catalog := billing.NewCatalog(plans)
	throttle := billing.NewThrottle(notifs, directory, pusher, email, logger)
	lifecycle := billing.NewLifecycle(subs, catalog, provider, subCache, logger,
		billing.WithTrialDays(cfg.Billing.TrialDays),
		billing.WithPeriodReset(throttle),
	)
	aggregator := billing.NewAggregator(counters, logger)

	srv, err := core.NewServer(cfg, core.Deps{
		Lifecycle:  lifecycle,
		Aggregator: aggregator,
		Throttle:   throttle,
		Catalog:    catalog,
		Loader:     loader,
		Notifs:     notifs,
		Provider:   provider,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	billingHandler := handlers.NewBillingHandler(
		lifecycle, aggregator, subs, catalog, srv.Gate, srv.Validator, logger)
	notifHandler := handlers.NewNotificationsHandler(notifs, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		billingHandler.RegisterRoutes,
		notifHandler.RegisterRoutes,
	)

	webhookHandler := handlers.NewStripeWebhookHandler(provider, lifecycle, subs, logger)
	srv.WebhookRegistrars = append(srv.WebhookRegistrars, webhookHandler.RegisterRoutes)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newPool builds the pgx connection pool from DatabaseConfig and verifies
// connectivity before the server accepts traffic.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return pool, nil
}

// newSubscriptionCache selects the cache backend from CacheConfig.
func newSubscriptionCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (types.SubscriptionCache, error) {
	if cfg.RedisURL != "" {
		return cache.NewRedis(ctx, cfg.RedisURL, cfg.TTL, logger)
	}
	return cache.NewMemory(cfg.MaxSize, cfg.TTL), nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
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
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
