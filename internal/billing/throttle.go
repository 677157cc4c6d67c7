package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crewbase/internal/metrics"
	"crewbase/internal/types"
)

// Throttle fires usage threshold notifications at most once per
// (organization, resource, threshold, billing period). Deduplication lives
// in storage via a unique index over that tuple, so concurrent checks from
// multiple instances collapse to a single notification: the insert that
// loses the race observes the conflict and sends nothing.
type Throttle struct {
	notifs    types.UsageNotificationRepository
	directory types.OrgDirectory
	pusher    types.Pusher
	email     types.EmailSender
	logger    *slog.Logger
}

// fallbackRecipients caps how many active users are notified when an
// organization has no owner or admin on record.
const fallbackRecipients = 5

// NewThrottle creates a notification throttle. Pusher and email sender may
// be nil to disable that channel.
func NewThrottle(
	notifs types.UsageNotificationRepository,
	directory types.OrgDirectory,
	pusher types.Pusher,
	email types.EmailSender,
	logger *slog.Logger,
) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttle{
		notifs:    notifs,
		directory: directory,
		pusher:    pusher,
		email:     email,
		logger:    logger,
	}
}

// CheckAndNotify walks a usage report and fires a notification for each
// resource at its highest crossed threshold, unless one was already sent
// this billing period. Subscriptions outside active or trialing are
// skipped entirely.
//
// Delivery failures on individual channels are logged and never propagated;
// the notification record exists regardless, so a delivery outage does not
// cause a resend storm once it recovers.
func (t *Throttle) CheckAndNotify(ctx context.Context, sub *types.Subscription, report []types.ResourceUsage) error {
	if !sub.Status.Operational() {
		return nil
	}

	var recipients []string

	for _, usage := range report {
		if usage.Unlimited {
			continue
		}
		if threshold, crossed := crossedThreshold(usage); crossed {
			if recipients == nil {
				var err error
				recipients, err = t.resolveRecipients(ctx, sub.OrganizationID)
				if err != nil {
					return err
				}
			}
			if err := t.fire(ctx, sub, usage, threshold, recipients); err != nil {
				return err
			}
		}
	}
	return nil
}

// crossedThreshold reports the highest threshold a resource's usage has
// reached. At or past critical, only critical applies; a warning that was
// never observed on its own does not fire retroactively.
func crossedThreshold(usage types.ResourceUsage) (types.ThresholdType, bool) {
	switch {
	case usage.Percentage >= types.ThresholdCritical.Percent() || usage.Status == types.UsageCritical:
		return types.ThresholdCritical, true
	case usage.Percentage >= types.ThresholdWarning.Percent():
		return types.ThresholdWarning, true
	}
	return "", false
}

func (t *Throttle) fire(ctx context.Context, sub *types.Subscription, usage types.ResourceUsage, threshold types.ThresholdType, recipients []string) error {
	n := &types.UsageNotification{
		ID:                 "unotif_" + uuid.NewString(),
		OrganizationID:     sub.OrganizationID,
		Resource:           usage.Resource,
		Threshold:          threshold,
		CurrentUsage:       usage.Current,
		Limit:              usage.Limit,
		Percentage:         usage.Percentage,
		NotifiedUserIDs:    recipients,
		BillingPeriodStart: sub.CurrentPeriodStart,
	}

	created, err := t.notifs.Insert(ctx, n)
	if err != nil {
		return err
	}
	if !created {
		metrics.NotificationDedupHits.Inc()
		return nil
	}

	metrics.NotificationsFired.WithLabelValues(string(usage.Resource), string(threshold)).Inc()
	t.logger.Info("usage threshold notification fired",
		slog.String("org_id", sub.OrganizationID),
		slog.String("resource", string(usage.Resource)),
		slog.String("threshold", string(threshold)),
		slog.Int("percentage", usage.Percentage),
		slog.Int("recipients", len(recipients)),
	)

	t.dispatch(ctx, n)
	return nil
}

// dispatch delivers a created notification to each recipient over the
// configured channels. Best-effort on every leg.
func (t *Throttle) dispatch(ctx context.Context, n *types.UsageNotification) {
	for _, userID := range n.NotifiedUserIDs {
		if t.pusher != nil {
			if err := t.pusher.Push(ctx, userID, n); err != nil {
				t.logger.Warn("push delivery failed",
					slog.String("user_id", userID),
					slog.String("notification_id", n.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if t.email != nil {
			if err := t.email.Send(ctx, userID, n); err != nil {
				t.logger.Warn("email delivery failed",
					slog.String("user_id", userID),
					slog.String("notification_id", n.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// resolveRecipients picks who gets notified: the organization's owners and
// admins, or, for organizations with none on record, up to a handful of its
// active members.
func (t *Throttle) resolveRecipients(ctx context.Context, orgID string) ([]string, error) {
	admins, err := t.directory.AdminUserIDs(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(admins) > 0 {
		return admins, nil
	}
	return t.directory.ActiveUserIDs(ctx, orgID, fallbackRecipients)
}

// ResetForNewPeriod prunes notification records from billing periods before
// the given period start. Dedup for the new period needs no reset, since the
// period start is part of the unique tuple; this keeps the table from
// accumulating stale rows.
func (t *Throttle) ResetForNewPeriod(ctx context.Context, orgID string, periodStart time.Time) (int64, error) {
	return t.notifs.DeleteBefore(ctx, orgID, periodStart)
}
