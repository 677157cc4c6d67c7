// Package main is the entry point for the Crewbase background sweeper.
//
// The sweeper owns the scheduled jobs the API process does not run: the
// periodic subscription expiry sweep and the nightly pruning of old usage
// notification rows. It runs either as a long-lived cron process or, with
// -once, as a single pass suitable for containerized job runners.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"crewbase/internal/billing"
	"crewbase/internal/cache"
	"crewbase/internal/config"
	"crewbase/internal/db"
	"crewbase/internal/external"
	"crewbase/internal/scheduler"
	"crewbase/internal/types"
)

func main() {
	once := flag.Bool("once", false, "run one sweep and maintenance pass, then exit")
	flag.Parse()

	if err := run(*once); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("crewbase sweeper starting",
		"environment", cfg.Environment,
		"once", once,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	plans := db.NewPlanRepo(pool)
	subs := db.NewSubscriptionRepo(pool, logger)
	notifs := db.NewUsageNotificationRepo(pool, logger)
	orgBilling := db.NewOrgBillingRepo(pool)

	// The sweep's transitions must invalidate the same cache the API
	// serves from, so Redis is shared when configured. The in-process
	// fallback only matters for single-node deployments.
	subCache, err := newSubscriptionCache(ctx, cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("initializing subscription cache: %w", err)
	}

	provider := external.NewStripeProvider(
		&http.Client{Timeout: 30 * time.Second},
		orgBilling,
		external.StripeConfig{
			SecretKey:     cfg.Billing.StripeSecretKey,
			WebhookSecret: cfg.Billing.StripeWebhookSecret,
			Logger:        logger,
		},
	)

	// Delivery channels stay nil: the sweep transitions subscriptions, it
	// never evaluates usage thresholds. The throttle is wired only for its
	// period reset on renewal.
	catalog := billing.NewCatalog(plans)
	throttle := billing.NewThrottle(notifs, nil, nil, nil, logger)
	lifecycle := billing.NewLifecycle(subs, catalog, provider, subCache, logger,
		billing.WithTrialDays(cfg.Billing.TrialDays),
		billing.WithPeriodReset(throttle),
	)

	runner := scheduler.NewRunner(cfg.Sweep, lifecycle, notifs, logger)

	if once {
		return runOnce(runner)
	}

	if err := runner.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received", "signal", sig.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return runner.Stop(stopCtx)
}

// runOnce executes a single sweep and maintenance pass.
func runOnce(runner *scheduler.Runner) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := runner.RunSweep(ctx); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if _, err := runner.RunMaintenance(ctx); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	return nil
}

// newPool builds the pgx connection pool from DatabaseConfig and verifies
// connectivity before any job runs.
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

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
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
