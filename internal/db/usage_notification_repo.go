package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"crewbase/internal/types"
)

// UsageNotificationRepo provides data access for the usage_notifications
// table.
//
// The table carries a compound unique index on (organization_id, resource,
// threshold, billing_period_start). Dedup correctness depends on that index,
// not on a check-then-insert: two concurrent checks crossing the same
// threshold both attempt the insert and exactly one wins. The loser's unique
// violation is reported as created=false, a normal outcome.
type UsageNotificationRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewUsageNotificationRepo creates a new UsageNotificationRepo backed by the
// given database connection (pool or transaction).
func NewUsageNotificationRepo(db DBTX, logger *slog.Logger) *UsageNotificationRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageNotificationRepo{db: db, logger: logger}
}

// Insert attempts to create the notification record. Returns created=false
// with no error when another concurrent check already recorded the same
// (org, resource, threshold, period) tuple.
func (r *UsageNotificationRepo) Insert(ctx context.Context, n *types.UsageNotification) (bool, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_notifications
		 (id, organization_id, resource, threshold,
		  current_usage, usage_limit, percentage,
		  notified_user_ids, billing_period_start, acknowledged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, NOW())`,
		n.ID,
		n.OrganizationID,
		string(n.Resource),
		string(n.Threshold),
		n.CurrentUsage,
		n.Limit,
		n.Percentage,
		n.NotifiedUserIDs,
		n.BillingPeriodStart,
	)
	if err != nil {
		if isUniqueViolation(err) {
			r.logger.Debug("threshold already notified this period",
				slog.String("org_id", n.OrganizationID),
				slog.String("resource", string(n.Resource)),
				slog.String("threshold", string(n.Threshold)),
			)
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage notification", err)
	}
	return true, nil
}

// Acknowledge marks the notification as seen. Scoped by organization so one
// tenant cannot acknowledge another's notifications.
func (r *UsageNotificationRepo) Acknowledge(ctx context.Context, orgID, notificationID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE usage_notifications
		 SET acknowledged = TRUE
		 WHERE id = $1 AND organization_id = $2`,
		notificationID,
		orgID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to acknowledge notification", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(
			types.ErrCodeNotFoundNotification,
			fmt.Sprintf("notification %s not found", notificationID),
			nil,
		)
	}
	return nil
}

// ListUnacknowledged returns unacknowledged notifications for the
// organization, newest first.
func (r *UsageNotificationRepo) ListUnacknowledged(ctx context.Context, orgID string) ([]*types.UsageNotification, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, organization_id, resource, threshold,
		        current_usage, usage_limit, percentage,
		        notified_user_ids, billing_period_start, acknowledged, created_at
		 FROM usage_notifications
		 WHERE organization_id = $1 AND acknowledged = FALSE
		 ORDER BY created_at DESC`,
		orgID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications", err)
	}
	defer rows.Close()

	var results []*types.UsageNotification
	for rows.Next() {
		var (
			n         types.UsageNotification
			resource  string
			threshold string
		)
		if err := rows.Scan(
			&n.ID,
			&n.OrganizationID,
			&resource,
			&threshold,
			&n.CurrentUsage,
			&n.Limit,
			&n.Percentage,
			&n.NotifiedUserIDs,
			&n.BillingPeriodStart,
			&n.Acknowledged,
			&n.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", err)
		}
		n.Resource = types.ResourceType(resource)
		n.Threshold = types.ThresholdType(threshold)
		results = append(results, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}

	return results, nil
}

// DeleteBefore removes notification rows whose billing period started before
// the cutoff, so the same thresholds can fire again in the new period.
// Returns the count of deleted records.
func (r *UsageNotificationRepo) DeleteBefore(ctx context.Context, orgID string, periodStart time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM usage_notifications
		 WHERE organization_id = $1 AND billing_period_start < $2`,
		orgID,
		periodStart,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete stale notifications", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOlderThan removes notification rows across all organizations whose
// billing period started before the cutoff. Used by the maintenance job to
// keep the table from growing without bound. Returns the count of deleted
// records.
func (r *UsageNotificationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM usage_notifications
		 WHERE billing_period_start < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune old notifications", err)
	}
	return tag.RowsAffected(), nil
}
