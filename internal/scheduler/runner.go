// Package scheduler runs the background jobs of the governance engine:
// the periodic subscription sweep and nightly notification maintenance.
//
// The sweep visits every subscription whose billing period or trial window
// has ended and applies the matching lifecycle transition: deferred
// cancellations take effect, exhausted trials resolve, and ordinary period
// rollovers renew (applying any staged downgrade). Maintenance prunes
// usage notification rows past the retention window.
//
// Schedules are cron expressions interpreted by robfig/cron, including
// the @every and @daily shorthands.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"crewbase/internal/billing"
	"crewbase/internal/config"
)

// jobTimeout bounds a single job invocation. A sweep that cannot finish
// inside this window is cut off and resumed by the next tick; the sweep
// query re-selects anything left behind.
const jobTimeout = 5 * time.Minute

// Sweeper runs one pass over all subscriptions due for a lifecycle
// transition. Implemented by billing.Lifecycle.
type Sweeper interface {
	ProcessExpiredSubscriptions(ctx context.Context, concurrency int) (billing.SweepResult, error)
}

// NotificationJanitor removes usage notification rows older than the
// cutoff. Implemented by db.UsageNotificationRepo.
type NotificationJanitor interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner owns the cron schedule for the sweep and maintenance jobs.
type Runner struct {
	cfg     config.SweepConfig
	sweeper Sweeper
	janitor NotificationJanitor // nil disables maintenance
	logger  *slog.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerClock overrides the runner's time source.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner. The janitor may be nil, in which case the
// maintenance job is not scheduled.
func NewRunner(cfg config.SweepConfig, sweeper Sweeper, janitor NotificationJanitor, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:     cfg,
		sweeper: sweeper,
		janitor: janitor,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers the jobs and begins the cron loop. Returns an error if
// either schedule expression fails to parse.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(r.cfg.Schedule, r.runSweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.cfg.Schedule, err)
	}
	if r.janitor != nil {
		if _, err := r.cron.AddFunc(r.cfg.MaintenanceSchedule, r.runMaintenance); err != nil {
			return fmt.Errorf("invalid maintenance schedule %q: %w", r.cfg.MaintenanceSchedule, err)
		}
	}

	r.cron.Start()
	r.logger.Info("scheduler started",
		slog.String("sweep_schedule", r.cfg.Schedule),
		slog.String("maintenance_schedule", r.cfg.MaintenanceSchedule),
		slog.Int("sweep_concurrency", r.cfg.Concurrency),
	)
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish, up to
// the context deadline.
func (r *Runner) Stop(ctx context.Context) error {
	done := r.cron.Stop().Done()
	select {
	case <-done:
		r.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (r *Runner) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := r.RunSweep(ctx); err != nil {
		r.logger.Error("subscription sweep failed", slog.Any("error", err))
	}
}

// RunSweep executes one sweep pass immediately. Exposed for one-shot
// invocation from the sweeper command.
func (r *Runner) RunSweep(ctx context.Context) (billing.SweepResult, error) {
	started := r.now()
	result, err := r.sweeper.ProcessExpiredSubscriptions(ctx, r.cfg.Concurrency)
	if err != nil {
		return result, err
	}

	r.logger.Info("subscription sweep complete",
		slog.Int("examined", result.Examined),
		slog.Int("cancelled", result.Cancelled),
		slog.Int("renewed", result.Renewed),
		slog.Int("trials_resolved", result.Trials),
		slog.Int("failed", result.Failed),
		slog.Duration("elapsed", r.now().Sub(started)),
	)
	return result, nil
}

func (r *Runner) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := r.RunMaintenance(ctx); err != nil {
		r.logger.Error("notification maintenance failed", slog.Any("error", err))
	}
}

// RunMaintenance prunes usage notifications whose billing period started
// before the retention cutoff. Deleting old rows never re-arms current
// thresholds: the dedup key includes the period start, and rows this old
// belong to periods long since rolled over.
func (r *Runner) RunMaintenance(ctx context.Context) (int64, error) {
	if r.janitor == nil {
		return 0, nil
	}

	cutoff := r.now().Add(-r.cfg.NotificationRetention)
	deleted, err := r.janitor.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		r.logger.Info("pruned old usage notifications",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}
