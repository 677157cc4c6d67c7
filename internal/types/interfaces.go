package types

import (
	"context"
	"time"
)

// PlanRepository provides access to the plan catalog records.
type PlanRepository interface {
	// GetByName returns the plan with the given name, or a not_found_plan
	// AppError if no such plan is seeded.
	GetByName(ctx context.Context, name PlanTier) (*Plan, error)

	// List returns all seeded plans ordered by tier rank.
	List(ctx context.Context) ([]*Plan, error)

	// Upsert inserts or replaces the plan definition keyed by name.
	// Used by deploy-time seeding.
	Upsert(ctx context.Context, plan *Plan) error
}

// SubscriptionRepository persists the single subscription record per
// organization plus its transition log.
type SubscriptionRepository interface {
	// GetByOrg returns the organization's subscription, or a
	// not_found_subscription AppError if none exists.
	GetByOrg(ctx context.Context, orgID string) (*Subscription, error)

	// GetByID returns the subscription with the given ID.
	GetByID(ctx context.Context, subID string) (*Subscription, error)

	// Create inserts a new subscription. Fails with
	// conflict_already_subscribed if the organization already has one
	// (unique index on organization_id).
	Create(ctx context.Context, sub *Subscription) error

	// Update rewrites the mutable fields of the subscription row.
	Update(ctx context.Context, sub *Subscription) error

	// ListSweepable returns subscriptions the periodic sweep must examine:
	// active or trialing rows whose period or trial has ended.
	ListSweepable(ctx context.Context, now time.Time) ([]*Subscription, error)

	// AppendEvent records one entry in the subscription transition log.
	AppendEvent(ctx context.Context, ev *SubscriptionEvent) error
}

// UsageCounters is the read-only collaborator the aggregator queries for live
// resource counts. Counts are scoped to active (non-deleted) rows.
type UsageCounters interface {
	UserCount(ctx context.Context, orgID string) (int64, error)
	ProjectCount(ctx context.Context, orgID string) (int64, error)
	StorageBytes(ctx context.Context, orgID string) (int64, error)
}

// UsageNotificationRepository persists threshold notification records.
// Dedup correctness rests on the compound unique index over
// (organization_id, resource, threshold, billing_period_start).
type UsageNotificationRepository interface {
	// Insert attempts to create the notification record. Returns
	// created=false (and no error) when the unique constraint reports that
	// another check already recorded the same threshold for this period.
	Insert(ctx context.Context, n *UsageNotification) (created bool, err error)

	// Acknowledge marks the notification as seen by a user.
	Acknowledge(ctx context.Context, orgID, notificationID string) error

	// ListUnacknowledged returns unacknowledged notifications for the
	// organization, newest first.
	ListUnacknowledged(ctx context.Context, orgID string) ([]*UsageNotification, error)

	// DeleteBefore removes notification rows whose billing period started
	// before the cutoff, letting thresholds re-fire in the new period.
	DeleteBefore(ctx context.Context, orgID string, periodStart time.Time) (int64, error)
}

// OrgDirectory resolves notification recipients for an organization.
type OrgDirectory interface {
	// AdminUserIDs returns the IDs of active users with an admin-level role.
	AdminUserIDs(ctx context.Context, orgID string) ([]string, error)

	// ActiveUserIDs returns up to limit active user IDs, used as the
	// fallback audience when no admin is resolvable.
	ActiveUserIDs(ctx context.Context, orgID string, limit int) ([]string, error)
}

// PaymentProvider is the opaque adapter to the payment processor. The engine
// never calls provider network APIs directly and never assumes a specific
// provider.
type PaymentProvider interface {
	// CreateCustomer ensures a provider-side customer exists for the
	// organization and returns its ID.
	CreateCustomer(ctx context.Context, orgID, email string) (string, error)

	// CreateSubscription creates a provider-side subscription for the
	// organization on the price for (plan, cycle) and returns the
	// provider's view of it. The adapter resolves the customer internally.
	CreateSubscription(ctx context.Context, orgID string, plan PlanTier, cycle BillingCycle) (*ProviderSubscription, error)

	// UpdateSubscription switches the provider-side subscription to the
	// price for (plan, cycle). The provider handles any charge; proration
	// computed locally is informational.
	UpdateSubscription(ctx context.Context, providerSubID string, plan PlanTier, cycle BillingCycle) error

	// CancelSubscription cancels provider-side, immediately or at period end.
	CancelSubscription(ctx context.Context, providerSubID string, atPeriodEnd bool) error

	// Refund issues a refund against the subscription's latest charge.
	Refund(ctx context.Context, providerSubID string, amountCents int64) error

	// HasDefaultPaymentMethod reports whether the organization's customer
	// has a usable default payment method. Trial expiry resolution depends
	// on it.
	HasDefaultPaymentMethod(ctx context.Context, orgID string) (bool, error)

	// VerifyWebhook validates the webhook payload signature and returns the
	// parsed event.
	VerifyWebhook(payload []byte, signature string) (*ProviderEvent, error)
}

// Pusher delivers a real-time notification to a user. Fire-and-forget from
// the engine's perspective.
type Pusher interface {
	Push(ctx context.Context, userID string, n *UsageNotification) error
}

// EmailSender sends a templated usage alert email to a user.
type EmailSender interface {
	Send(ctx context.Context, userID string, n *UsageNotification) error
}

// SubscriptionCache is the injectable short-TTL cache in front of
// subscription lookups. Contract: no negative caching, best-effort (a nil or
// empty cache degrades to always-fresh reads), and explicit invalidation on
// every write path.
type SubscriptionCache interface {
	Get(ctx context.Context, orgID string) (*Subscription, bool)
	Set(ctx context.Context, orgID string, sub *Subscription)
	Invalidate(ctx context.Context, orgID string)
}
