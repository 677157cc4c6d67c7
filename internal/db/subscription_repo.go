package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"crewbase/internal/types"
)

// SubscriptionRepo manages the single subscription record per organization
// plus its transition log.
//
// Key invariants:
//   - The subscriptions table carries a unique index on organization_id, so
//     Create resolves a creation race to exactly one winner and maps the
//     loser's unique violation to conflict_already_subscribed.
//   - The record is mutated in place across its lifetime; Update rewrites
//     every mutable column under last-write-wins semantics.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

const subscriptionColumns = `id, organization_id, plan, status, billing_cycle,
	current_period_start, current_period_end, cancel_at_period_end,
	cancelled_at, trial_start, trial_end,
	provider_name, provider_subscription_id,
	pending_plan, pending_effective_date,
	created_at, updated_at`

// GetByOrg returns the organization's subscription.
func (r *SubscriptionRepo) GetByOrg(ctx context.Context, orgID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE organization_id = $1`,
		orgID,
	)
	return r.scanSub(row, fmt.Sprintf("organization %s has no subscription", orgID))
}

// GetByID returns the subscription with the given ID.
func (r *SubscriptionRepo) GetByID(ctx context.Context, subID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE id = $1`,
		subID,
	)
	return r.scanSub(row, fmt.Sprintf("subscription %s not found", subID))
}

// Create inserts a new subscription row. The unique index on organization_id
// makes concurrent creations race safely: the loser gets
// conflict_already_subscribed rather than a second row.
func (r *SubscriptionRepo) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions
		 (id, organization_id, plan, status, billing_cycle,
		  current_period_start, current_period_end, cancel_at_period_end,
		  cancelled_at, trial_start, trial_end,
		  provider_name, provider_subscription_id,
		  pending_plan, pending_effective_date,
		  created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())`,
		sub.ID,
		sub.OrganizationID,
		string(sub.Plan),
		string(sub.Status),
		string(sub.BillingCycle),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelledAt,
		sub.TrialStart,
		sub.TrialEnd,
		nilIfEmpty(sub.ProviderName),
		nilIfEmpty(sub.ProviderSubID),
		pendingPlan(sub),
		pendingEffective(sub),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(
				types.ErrCodeConflictAlreadySubscribed,
				fmt.Sprintf("organization %s already has a subscription", sub.OrganizationID),
				err,
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// Update rewrites the mutable fields of the subscription row.
func (r *SubscriptionRepo) Update(ctx context.Context, sub *types.Subscription) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET
			plan = $1,
			status = $2,
			billing_cycle = $3,
			current_period_start = $4,
			current_period_end = $5,
			cancel_at_period_end = $6,
			cancelled_at = $7,
			trial_start = $8,
			trial_end = $9,
			provider_name = $10,
			provider_subscription_id = $11,
			pending_plan = $12,
			pending_effective_date = $13,
			updated_at = NOW()
		 WHERE id = $14`,
		string(sub.Plan),
		string(sub.Status),
		string(sub.BillingCycle),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelledAt,
		sub.TrialStart,
		sub.TrialEnd,
		nilIfEmpty(sub.ProviderName),
		nilIfEmpty(sub.ProviderSubID),
		pendingPlan(sub),
		pendingEffective(sub),
		sub.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("subscription %s not found", sub.ID),
			nil,
		)
	}
	return nil
}

// ListSweepable returns subscriptions the periodic sweep must examine:
// active rows whose billing period has ended, trialing rows with a
// deferred cancellation past its period end, and trialing rows whose
// trial window has passed.
func (r *SubscriptionRepo) ListSweepable(ctx context.Context, now time.Time) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE (status = 'active' AND current_period_end < $1)
		    OR (status = 'trialing'
		        AND cancel_at_period_end = TRUE
		        AND current_period_end < $1)
		    OR (status = 'trialing' AND trial_end < $1)
		 ORDER BY current_period_end ASC`,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list sweepable subscriptions", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", scanErr)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}

	return subs, nil
}

// AppendEvent records one entry in the subscription transition log. The log
// is append-only; failures here are reported but the caller decides whether
// they block the mutation (they do not -- the log is an audit trail, not a
// source of truth).
func (r *SubscriptionRepo) AppendEvent(ctx context.Context, ev *types.SubscriptionEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscription_events
		 (id, subscription_id, organization_id, from_status, to_status,
		  from_plan, to_plan, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		ev.ID,
		ev.SubscriptionID,
		ev.OrganizationID,
		string(ev.FromStatus),
		string(ev.ToStatus),
		string(ev.FromPlan),
		string(ev.ToPlan),
		ev.Reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append subscription event", err)
	}
	return nil
}

// scanSub scans a single subscription row, translating pgx.ErrNoRows into
// not_found_subscription with the provided message.
func (r *SubscriptionRepo) scanSub(row pgx.Row, notFoundMsg string) (*types.Subscription, error) {
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, notFoundMsg, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// scanSubscription scans the subscriptionColumns list from a row.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		sub              types.Subscription
		plan, status     string
		cycle            string
		providerName     *string
		providerSubID    *string
		pendingPlanName  *string
		pendingEffective *time.Time
	)

	err := row.Scan(
		&sub.ID,
		&sub.OrganizationID,
		&plan,
		&status,
		&cycle,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CancelledAt,
		&sub.TrialStart,
		&sub.TrialEnd,
		&providerName,
		&providerSubID,
		&pendingPlanName,
		&pendingEffective,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Plan = types.PlanTier(plan)
	sub.Status = types.SubscriptionStatus(status)
	sub.BillingCycle = types.BillingCycle(cycle)
	if providerName != nil {
		sub.ProviderName = *providerName
	}
	if providerSubID != nil {
		sub.ProviderSubID = *providerSubID
	}
	if pendingPlanName != nil && pendingEffective != nil {
		sub.PendingChange = &types.PendingPlanChange{
			NewPlan:       types.PlanTier(*pendingPlanName),
			EffectiveDate: *pendingEffective,
		}
	}

	return &sub, nil
}

// pendingPlan extracts the staged plan name, or nil when no change is staged.
func pendingPlan(sub *types.Subscription) *string {
	if sub.PendingChange == nil {
		return nil
	}
	s := string(sub.PendingChange.NewPlan)
	return &s
}

// pendingEffective extracts the staged effective date, or nil.
func pendingEffective(sub *types.Subscription) *time.Time {
	if sub.PendingChange == nil {
		return nil
	}
	t := sub.PendingChange.EffectiveDate
	return &t
}

// nilIfEmpty maps an empty string to NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
