package billing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crewbase/internal/metrics"
	"crewbase/internal/types"
)

// Lifecycle owns the subscription state machine: creation, tier changes,
// cancellation modes, trials, renewal, and the periodic expiry sweep.
//
// Transitions are last-write-wins on the single subscription row per
// organization; every operation re-reads current state and checks its
// preconditions before acting, so re-entrant or racing calls degrade to
// business-rule conflicts or idempotent no-ops rather than corrupt states.
//
// Every mutation invalidates the subscription cache entry for the
// organization and appends a transition log event (best-effort).
type Lifecycle struct {
	subs        types.SubscriptionRepository
	catalog     PlanCatalog
	provider    types.PaymentProvider
	cache       types.SubscriptionCache
	periodReset PeriodResetter
	logger      *slog.Logger

	trialDays int
	now       func() time.Time
}

// PeriodResetter drops threshold notification records from billing periods
// before the new period start, re-arming the thresholds for the next cycle.
// Implemented by Throttle.
type PeriodResetter interface {
	ResetForNewPeriod(ctx context.Context, orgID string, periodStart time.Time) (int64, error)
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		l.now = now
	}
}

// WithTrialDays overrides the default 14-day trial window.
func WithTrialDays(days int) LifecycleOption {
	return func(l *Lifecycle) {
		if days > 0 {
			l.trialDays = days
		}
	}
}

// WithPeriodReset installs the notification reset invoked on renewal.
func WithPeriodReset(r PeriodResetter) LifecycleOption {
	return func(l *Lifecycle) {
		l.periodReset = r
	}
}

// NewLifecycle creates the subscription state machine. The cache may be nil,
// in which case invalidation is a no-op and all reads go to storage.
func NewLifecycle(
	subs types.SubscriptionRepository,
	catalog PlanCatalog,
	provider types.PaymentProvider,
	cache types.SubscriptionCache,
	logger *slog.Logger,
	opts ...LifecycleOption,
) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lifecycle{
		subs:      subs,
		catalog:   catalog,
		provider:  provider,
		cache:     cache,
		logger:    logger,
		trialDays: 14,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create subscribes an organization to a plan. Fails with
// conflict_already_subscribed when a subscription in {active, trialing,
// pending} already exists. An organization whose previous subscription ended
// (cancelled/expired) keeps its single row: creation revives it in place.
//
// Free plans activate immediately. Paid plans delegate to the payment
// provider and adopt its returned status and period bounds; until the
// provider (or its webhook) confirms, the subscription stays pending.
func (l *Lifecycle) Create(ctx context.Context, orgID string, planName types.PlanTier, cycle types.BillingCycle, billingEmail string) (*types.Subscription, error) {
	if !planName.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("unknown plan %q", planName), nil)
	}
	if !cycle.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidCycle,
			fmt.Sprintf("unknown billing cycle %q", cycle), nil)
	}

	plan, err := l.catalog.GetPlan(ctx, planName)
	if err != nil {
		return nil, err
	}

	existing, err := l.subs.GetByOrg(ctx, orgID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case types.SubStatusActive, types.SubStatusTrialing, types.SubStatusPending:
			return nil, types.NewAppError(
				types.ErrCodeConflictAlreadySubscribed,
				fmt.Sprintf("organization %s already has a %s subscription", orgID, existing.Status),
				nil,
			)
		}
	}

	now := l.now()
	sub := existing
	if sub == nil {
		sub = &types.Subscription{
			ID:             newSubscriptionID(),
			OrganizationID: orgID,
		}
	}

	fromStatus, fromPlan := sub.Status, sub.Plan
	sub.Plan = plan.Name
	sub.BillingCycle = cycle
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = addCycle(now, cycle)
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	sub.PendingChange = nil

	if plan.IsFree() {
		sub.Status = types.SubStatusActive
	} else {
		sub.Status = types.SubStatusPending
		if _, err := l.provider.CreateCustomer(ctx, orgID, billingEmail); err != nil {
			return nil, err
		}
		provSub, err := l.provider.CreateSubscription(ctx, orgID, plan.Name, cycle)
		if err != nil {
			return nil, err
		}
		sub.ProviderName = "stripe"
		sub.ProviderSubID = provSub.ID
		if provSub.Status.Valid() {
			sub.Status = provSub.Status
		}
		if !provSub.PeriodStart.IsZero() && !provSub.PeriodEnd.IsZero() {
			sub.CurrentPeriodStart = provSub.PeriodStart
			sub.CurrentPeriodEnd = provSub.PeriodEnd
		}
	}

	if existing != nil {
		err = l.subs.Update(ctx, sub)
	} else {
		err = l.subs.Create(ctx, sub)
	}
	if err != nil {
		return nil, err
	}

	l.invalidate(ctx, orgID)
	l.logEvent(ctx, sub, fromStatus, fromPlan, "subscribe")
	return sub, nil
}

// Upgrade switches the organization to a strictly higher tier immediately.
// The returned proration is informational: the amount the remainder of the
// current period would cost at the price difference. The provider handles
// the actual charge when the price plan is switched.
func (l *Lifecycle) Upgrade(ctx context.Context, orgID string, newPlanName types.PlanTier) (*types.Subscription, int64, error) {
	sub, err := l.subs.GetByOrg(ctx, orgID)
	if err != nil {
		return nil, 0, err
	}
	if !sub.Status.Operational() {
		return nil, 0, types.NewAppError(
			types.ErrCodeInvalidUpgrade,
			fmt.Sprintf("cannot upgrade a %s subscription", sub.Status),
			nil,
		)
	}
	if newPlanName.Rank() <= sub.Plan.Rank() {
		return nil, 0, types.NewAppError(
			types.ErrCodeInvalidUpgrade,
			fmt.Sprintf("%s is not a higher tier than %s", newPlanName, sub.Plan),
			nil,
		)
	}

	currentPlan, err := l.catalog.GetPlan(ctx, sub.Plan)
	if err != nil {
		return nil, 0, err
	}
	newPlan, err := l.catalog.GetPlan(ctx, newPlanName)
	if err != nil {
		return nil, 0, err
	}

	proration := Prorate(
		currentPlan.PriceFor(sub.BillingCycle),
		newPlan.PriceFor(sub.BillingCycle),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		l.now(),
	)

	if sub.ProviderSubID != "" {
		if err := l.provider.UpdateSubscription(ctx, sub.ProviderSubID, newPlan.Name, sub.BillingCycle); err != nil {
			return nil, 0, err
		}
	}

	fromStatus, fromPlan := sub.Status, sub.Plan
	sub.Plan = newPlan.Name
	sub.PendingChange = nil
	if err := l.subs.Update(ctx, sub); err != nil {
		return nil, 0, err
	}

	l.invalidate(ctx, orgID)
	l.logEvent(ctx, sub, fromStatus, fromPlan, "upgrade")
	return sub, proration, nil
}

// Downgrade stages a switch to a strictly lower tier. The current plan stays
// in effect for the remainder of the paid period; the switch is applied at
// the next renewal.
func (l *Lifecycle) Downgrade(ctx context.Context, orgID string, newPlanName types.PlanTier) (*types.Subscription, error) {
	sub, err := l.subs.GetByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if newPlanName.Rank() < 0 || newPlanName.Rank() >= sub.Plan.Rank() {
		return nil, types.NewAppError(
			types.ErrCodeInvalidDowngrade,
			fmt.Sprintf("%s is not a lower tier than %s", newPlanName, sub.Plan),
			nil,
		)
	}

	// Validate the target plan exists before staging it.
	if _, err := l.catalog.GetPlan(ctx, newPlanName); err != nil {
		return nil, err
	}

	sub.PendingChange = &types.PendingPlanChange{
		NewPlan:       newPlanName,
		EffectiveDate: sub.CurrentPeriodEnd,
	}
	if err := l.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	l.invalidate(ctx, orgID)
	l.logEvent(ctx, sub, sub.Status, sub.Plan, "downgrade_scheduled")
	return sub, nil
}

// Cancel ends the subscription. Immediate cancellation flips status now;
// deferred cancellation only sets cancel_at_period_end, leaving full access
// until the period actually ends (the sweep flips it).
func (l *Lifecycle) Cancel(ctx context.Context, orgID string, immediate bool) (*types.Subscription, error) {
	sub, err := l.subs.GetByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.Status == types.SubStatusCancelled || sub.CancelAtPeriodEnd {
		return nil, types.NewAppError(
			types.ErrCodeConflictAlreadyCancelled,
			"subscription is already cancelled or scheduled for cancellation",
			nil,
		)
	}

	if sub.ProviderSubID != "" {
		if err := l.provider.CancelSubscription(ctx, sub.ProviderSubID, !immediate); err != nil {
			return nil, err
		}
	}

	now := l.now()
	fromStatus := sub.Status
	sub.CancelledAt = &now
	if immediate {
		sub.Status = types.SubStatusCancelled
		sub.CancelAtPeriodEnd = false
	} else {
		sub.CancelAtPeriodEnd = true
	}
	if err := l.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	l.invalidate(ctx, orgID)
	l.logEvent(ctx, sub, fromStatus, sub.Plan, cancelReason(immediate))
	return sub, nil
}

// Renew rolls the subscription into its next billing period.
//
// Resolution order:
//  1. Deferred cancellation with nothing staged -> transition to cancelled.
//  2. A staged plan change (downgrade) is applied and cleared; a deferred
//     cancellation staged alongside it is superseded by the plan change.
//  3. The period advances: new start = old end, new end = start + cycle,
//     status returns to active.
func (l *Lifecycle) Renew(ctx context.Context, subID string) (*types.Subscription, error) {
	sub, err := l.subs.GetByID(ctx, subID)
	if err != nil {
		return nil, err
	}

	fromStatus, fromPlan := sub.Status, sub.Plan

	if sub.CancelAtPeriodEnd && sub.PendingChange == nil {
		now := l.now()
		sub.Status = types.SubStatusCancelled
		sub.CancelAtPeriodEnd = false
		if sub.CancelledAt == nil {
			sub.CancelledAt = &now
		}
		if err := l.subs.Update(ctx, sub); err != nil {
			return nil, err
		}
		l.invalidate(ctx, sub.OrganizationID)
		l.logEvent(ctx, sub, fromStatus, fromPlan, "cancelled_at_period_end")
		return sub, nil
	}

	reason := "renew"
	if sub.PendingChange != nil {
		sub.Plan = sub.PendingChange.NewPlan
		sub.PendingChange = nil
		sub.CancelAtPeriodEnd = false
		sub.CancelledAt = nil
		reason = "renew_with_plan_change"
	}

	sub.CurrentPeriodStart = sub.CurrentPeriodEnd
	sub.CurrentPeriodEnd = addCycle(sub.CurrentPeriodStart, sub.BillingCycle)
	sub.Status = types.SubStatusActive

	if err := l.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	l.invalidate(ctx, sub.OrganizationID)
	l.logEvent(ctx, sub, fromStatus, fromPlan, reason)
	l.resetNotifications(ctx, sub)
	return sub, nil
}

// resetNotifications re-arms threshold alerts for the new billing period.
// Best-effort: stale rows that survive here never double-fire, the dedup
// key includes the period start.
func (l *Lifecycle) resetNotifications(ctx context.Context, sub *types.Subscription) {
	if l.periodReset == nil {
		return
	}
	if _, err := l.periodReset.ResetForNewPeriod(ctx, sub.OrganizationID, sub.CurrentPeriodStart); err != nil {
		l.logger.Warn("notification period reset failed",
			slog.String("organization_id", sub.OrganizationID),
			slog.String("error", err.Error()),
		)
	}
}

// StartTrial moves the organization onto a Professional trial. One trial per
// organization, forever: any trial history, or being on a paid plan already,
// fails with trial_not_available.
func (l *Lifecycle) StartTrial(ctx context.Context, orgID string) (*types.Subscription, error) {
	existing, err := l.subs.GetByOrg(ctx, orgID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	if existing != nil {
		if existing.HasTrialHistory() {
			return nil, types.NewAppError(
				types.ErrCodeTrialNotAvailable,
				"organization has already used its trial",
				nil,
			)
		}
		currentPlan, err := l.catalog.GetPlan(ctx, existing.Plan)
		if err != nil {
			return nil, err
		}
		if !currentPlan.IsFree() {
			return nil, types.NewAppError(
				types.ErrCodeTrialNotAvailable,
				"organization is already on a paid plan",
				nil,
			)
		}
	}

	now := l.now()
	trialEnd := now.AddDate(0, 0, l.trialDays)

	sub := existing
	if sub == nil {
		sub = &types.Subscription{
			ID:             newSubscriptionID(),
			OrganizationID: orgID,
			BillingCycle:   types.CycleMonthly,
		}
	}

	fromStatus, fromPlan := sub.Status, sub.Plan
	sub.Plan = types.PlanProfessional
	sub.Status = types.SubStatusTrialing
	sub.TrialStart = &now
	sub.TrialEnd = &trialEnd
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = trialEnd
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	sub.PendingChange = nil

	if existing != nil {
		err = l.subs.Update(ctx, sub)
	} else {
		err = l.subs.Create(ctx, sub)
	}
	if err != nil {
		return nil, err
	}

	l.invalidate(ctx, orgID)
	l.logEvent(ctx, sub, fromStatus, fromPlan, "trial_started")
	return sub, nil
}

// CheckTrialExpiry resolves an ended trial. With a default payment method on
// file the subscription converts to active on a fresh period (the provider
// captures payment on its side). Without one the organization falls back to
// the free Starter tier rather than being forced into expired -- churn into
// the free tier is preferred over a dead account.
//
// A no-op for subscriptions that are not trialing or whose trial has not
// ended, which makes re-entrant sweep runs safe.
func (l *Lifecycle) CheckTrialExpiry(ctx context.Context, subID string) (*types.Subscription, error) {
	sub, err := l.subs.GetByID(ctx, subID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	if sub.Status != types.SubStatusTrialing || sub.TrialEnd == nil || now.Before(*sub.TrialEnd) {
		return sub, nil
	}

	hasPayment, err := l.provider.HasDefaultPaymentMethod(ctx, sub.OrganizationID)
	if err != nil {
		l.logger.Warn("payment method lookup failed during trial expiry, assuming none",
			slog.String("org_id", sub.OrganizationID),
			slog.String("error", err.Error()),
		)
		hasPayment = false
	}

	fromStatus, fromPlan := sub.Status, sub.Plan
	reason := "trial_converted"
	if hasPayment {
		sub.Status = types.SubStatusActive
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = addCycle(now, sub.BillingCycle)
	} else {
		sub.Plan = types.PlanStarter
		sub.Status = types.SubStatusActive
		sub.BillingCycle = types.CycleMonthly
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = addCycle(now, types.CycleMonthly)
		reason = "trial_downgraded"
	}

	if err := l.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	l.invalidate(ctx, sub.OrganizationID)
	l.logEvent(ctx, sub, fromStatus, fromPlan, reason)
	return sub, nil
}

// SweepResult summarizes one run of the periodic expiry sweep.
type SweepResult struct {
	Examined  int
	Cancelled int
	Renewed   int
	Trials    int
	Failed    int
}

// ProcessExpiredSubscriptions is the periodic sweep: it flips subscriptions
// whose deferred cancellation has come due and resolves ended trials.
// Subscriptions are processed independently and concurrently; a failure on
// one never blocks the rest. Re-running is safe because every transition
// re-checks current state first.
func (l *Lifecycle) ProcessExpiredSubscriptions(ctx context.Context, concurrency int) (SweepResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	now := l.now()
	subs, err := l.subs.ListSweepable(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	result.Examined = len(subs)

	var (
		g                                  errgroup.Group
		cancelled, renewed, trials, failed atomic.Int64
	)
	g.SetLimit(concurrency)

	for _, sub := range subs {
		g.Go(func() error {
			switch {
			case sub.Status == types.SubStatusTrialing && sub.TrialEnd != nil && sub.TrialEnd.Before(now):
				if _, err := l.CheckTrialExpiry(ctx, sub.ID); err != nil {
					l.logger.Error("sweep: trial expiry failed",
						slog.String("subscription_id", sub.ID),
						slog.String("error", err.Error()),
					)
					failed.Add(1)
					return nil
				}
				metrics.SweepTransitions.WithLabelValues("trial_resolved").Inc()
				trials.Add(1)

			case sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd.Before(now):
				if _, err := l.Renew(ctx, sub.ID); err != nil {
					l.logger.Error("sweep: renewal failed",
						slog.String("subscription_id", sub.ID),
						slog.String("error", err.Error()),
					)
					failed.Add(1)
					return nil
				}
				metrics.SweepTransitions.WithLabelValues("cancellation_applied").Inc()
				cancelled.Add(1)

			case sub.Status == types.SubStatusActive && sub.CurrentPeriodEnd.Before(now):
				// Ordinary rollover: the period ended with nothing staged
				// against it. Applies any pending downgrade on the way.
				if _, err := l.Renew(ctx, sub.ID); err != nil {
					l.logger.Error("sweep: renewal failed",
						slog.String("subscription_id", sub.ID),
						slog.String("error", err.Error()),
					)
					failed.Add(1)
					return nil
				}
				metrics.SweepTransitions.WithLabelValues("period_renewed").Inc()
				renewed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Cancelled = int(cancelled.Load())
	result.Renewed = int(renewed.Load())
	result.Trials = int(trials.Load())
	result.Failed = int(failed.Load())
	return result, nil
}

// UpdateStatus is the generic status setter used by payment provider webhook
// handlers (for example, payment failure -> past_due). Unknown status values
// are rejected.
func (l *Lifecycle) UpdateStatus(ctx context.Context, subID string, newStatus types.SubscriptionStatus, reason string) (*types.Subscription, error) {
	if !newStatus.Valid() {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidStatus,
			fmt.Sprintf("unknown subscription status %q", newStatus),
			nil,
		)
	}

	sub, err := l.subs.GetByID(ctx, subID)
	if err != nil {
		return nil, err
	}

	if sub.Status == newStatus {
		return sub, nil
	}

	fromStatus := sub.Status
	sub.Status = newStatus
	if newStatus == types.SubStatusCancelled && sub.CancelledAt == nil {
		now := l.now()
		sub.CancelledAt = &now
	}
	if err := l.subs.Update(ctx, sub); err != nil {
		return nil, err
	}

	l.invalidate(ctx, sub.OrganizationID)
	if reason == "" {
		reason = "status_update"
	}
	l.logEvent(ctx, sub, fromStatus, sub.Plan, reason)
	return sub, nil
}

// Prorate computes the informational upgrade proration in minor currency
// units: the remaining fraction of the period times the price difference,
// clamped to zero. Day counts round up so a partial day counts as a full one.
func Prorate(currentPrice, newPrice int64, periodStart, periodEnd, now time.Time) int64 {
	totalDays := ceilDays(periodEnd.Sub(periodStart))
	if totalDays <= 0 {
		return 0
	}
	remainingDays := ceilDays(periodEnd.Sub(now))
	if remainingDays <= 0 {
		return 0
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	amount := math.Round(float64(remainingDays) / float64(totalDays) * float64(newPrice-currentPrice))
	if amount < 0 {
		return 0
	}
	return int64(amount)
}

// ceilDays converts a duration to whole days, rounding up.
func ceilDays(d time.Duration) int64 {
	return int64(math.Ceil(d.Hours() / 24))
}

// addCycle advances a timestamp by one billing cycle.
func addCycle(t time.Time, cycle types.BillingCycle) time.Time {
	if cycle == types.CycleAnnual {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// invalidate evicts the organization's cache entry. Callers of mutation
// operations rely on this; there is no automatic invalidation.
func (l *Lifecycle) invalidate(ctx context.Context, orgID string) {
	if l.cache != nil {
		l.cache.Invalidate(ctx, orgID)
	}
}

// logEvent appends a transition log entry. The log is an audit trail, not a
// source of truth, so failures are logged and swallowed.
func (l *Lifecycle) logEvent(ctx context.Context, sub *types.Subscription, fromStatus types.SubscriptionStatus, fromPlan types.PlanTier, reason string) {
	ev := &types.SubscriptionEvent{
		ID:             "subev_" + uuid.NewString(),
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		FromStatus:     fromStatus,
		ToStatus:       sub.Status,
		FromPlan:       fromPlan,
		ToPlan:         sub.Plan,
		Reason:         reason,
	}
	if err := l.subs.AppendEvent(ctx, ev); err != nil {
		l.logger.Warn("failed to append subscription event",
			slog.String("subscription_id", sub.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

// cancelReason names the transition log reason for a cancellation mode.
func cancelReason(immediate bool) string {
	if immediate {
		return "cancelled_immediately"
	}
	return "cancellation_scheduled"
}

// newSubscriptionID generates a prefixed subscription ID.
func newSubscriptionID() string {
	return "sub_" + uuid.NewString()
}

// isNotFound reports whether the error is the not_found_subscription kind.
func isNotFound(err error) bool {
	appErr, ok := err.(*types.AppError)
	return ok && appErr.Code == types.ErrCodeNotFoundSubscription
}
