package types

import "time"

// UnlimitedLimit is the sentinel limit value meaning "no cap". Enforcement
// code must treat it as always-allowed and report 0% usage for it.
const UnlimitedLimit int64 = -1

// PlanLimits holds the resource quotas for a plan. A value of UnlimitedLimit
// (-1) means the resource is uncapped on that plan.
type PlanLimits struct {
	MaxUsers        int64 `json:"max_users"`
	MaxProjects     int64 `json:"max_projects"`
	MaxStorageBytes int64 `json:"max_storage_bytes"`
}

// For returns the limit for the given resource type.
func (l PlanLimits) For(resource ResourceType) int64 {
	switch resource {
	case ResourceUsers:
		return l.MaxUsers
	case ResourceProjects:
		return l.MaxProjects
	case ResourceStorage:
		return l.MaxStorageBytes
	default:
		return 0
	}
}

// Plan is an immutable plan definition. Plans are seeded at deploy time and
// upserted by name on the rare occasion limits or pricing change.
type Plan struct {
	Name              PlanTier   `json:"name"`
	DisplayName       string     `json:"display_name"`
	Limits            PlanLimits `json:"limits"`
	Features          []Feature  `json:"features"`
	MonthlyPriceCents int64      `json:"monthly_price_cents"`
	AnnualPriceCents  int64      `json:"annual_price_cents"`
}

// HasFeature reports whether the plan includes the given feature.
func (p *Plan) HasFeature(f Feature) bool {
	for _, have := range p.Features {
		if have == f {
			return true
		}
	}
	return false
}

// IsFree reports whether the plan has a zero price on both cycles.
// Free-plan subscriptions activate immediately without payment provider
// involvement.
func (p *Plan) IsFree() bool {
	return p.MonthlyPriceCents == 0 && p.AnnualPriceCents == 0
}

// PriceFor returns the price in minor currency units for the given cycle.
func (p *Plan) PriceFor(cycle BillingCycle) int64 {
	if cycle == CycleAnnual {
		return p.AnnualPriceCents
	}
	return p.MonthlyPriceCents
}

// PendingPlanChange records a deferred plan switch, staged by a downgrade and
// applied at the next renewal.
type PendingPlanChange struct {
	NewPlan       PlanTier  `json:"new_plan"`
	EffectiveDate time.Time `json:"effective_date"`
}

// Subscription is the single mutable billing record for an organization.
// There is at most one per organization (unique index on organization_id);
// it is mutated in place across its lifetime and never hard-deleted.
type Subscription struct {
	ID                 string             `json:"id"`
	OrganizationID     string             `json:"organization_id"`
	Plan               PlanTier           `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	BillingCycle       BillingCycle       `json:"billing_cycle"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	ProviderName       string             `json:"provider_name,omitempty"`
	ProviderSubID      string             `json:"provider_subscription_id,omitempty"`
	PendingChange      *PendingPlanChange `json:"pending_plan_change,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ExpiredOrCancelled reports whether the subscription should be treated as
// read-only as of now: terminal status, or a deferred cancellation whose
// period has already ended but which the sweep has not yet flipped.
func (s *Subscription) ExpiredOrCancelled(now time.Time) bool {
	if s.Status == SubStatusExpired || s.Status == SubStatusCancelled {
		return true
	}
	return s.CancelAtPeriodEnd && now.After(s.CurrentPeriodEnd)
}

// HasTrialHistory reports whether the organization has ever started a trial.
// Trials are one per organization, forever.
func (s *Subscription) HasTrialHistory() bool {
	return s.TrialStart != nil
}

// UsageSnapshot is the point-in-time resource consumption for an organization.
// It is derived from live counters on every check and never persisted.
type UsageSnapshot struct {
	UserCount    int64 `json:"user_count"`
	ProjectCount int64 `json:"project_count"`
	StorageBytes int64 `json:"storage_bytes"`
}

// For returns the snapshot value for the given resource type.
func (u UsageSnapshot) For(resource ResourceType) int64 {
	switch resource {
	case ResourceUsers:
		return u.UserCount
	case ResourceProjects:
		return u.ProjectCount
	case ResourceStorage:
		return u.StorageBytes
	default:
		return 0
	}
}

// ResourceUsage is the per-resource breakdown returned by the aggregator:
// current consumption against the plan limit with a derived status.
type ResourceUsage struct {
	Resource   ResourceType `json:"resource"`
	Current    int64        `json:"current"`
	Limit      int64        `json:"limit"`
	Percentage int          `json:"percentage"`
	Unlimited  bool         `json:"unlimited"`
	Status     UsageStatus  `json:"status"`
}

// LimitCheck is the result of asking whether an organization may add to a
// resource.
type LimitCheck struct {
	Allowed   bool  `json:"allowed"`
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	AfterAdd  int64 `json:"after_add"`
	Unlimited bool  `json:"unlimited"`
}

// UsageNotification is the append-only audit and dedup record for threshold
// alerts. The tuple (organization_id, resource, threshold,
// billing_period_start) is unique at the storage layer; concurrent checks
// race on the insert and exactly one wins.
type UsageNotification struct {
	ID                 string        `json:"id"`
	OrganizationID     string        `json:"organization_id"`
	Resource           ResourceType  `json:"resource"`
	Threshold          ThresholdType `json:"threshold"`
	CurrentUsage       int64         `json:"current_usage"`
	Limit              int64         `json:"limit"`
	Percentage         int           `json:"percentage"`
	NotifiedUserIDs    []string      `json:"notified_user_ids"`
	BillingPeriodStart time.Time     `json:"billing_period_start"`
	Acknowledged       bool          `json:"acknowledged"`
	CreatedAt          time.Time     `json:"created_at"`
}

// SubscriptionEvent is one entry in the subscription transition log. Every
// state machine mutation appends one, giving the mutable-in-place record an
// audit trail.
type SubscriptionEvent struct {
	ID             string             `json:"id"`
	SubscriptionID string             `json:"subscription_id"`
	OrganizationID string             `json:"organization_id"`
	FromStatus     SubscriptionStatus `json:"from_status"`
	ToStatus       SubscriptionStatus `json:"to_status"`
	FromPlan       PlanTier           `json:"from_plan"`
	ToPlan         PlanTier           `json:"to_plan"`
	Reason         string             `json:"reason"`
	CreatedAt      time.Time          `json:"created_at"`
}

// ProviderSubscription is what the payment provider reports back when a
// subscription is created or updated on its side.
type ProviderSubscription struct {
	ID          string
	Status      SubscriptionStatus
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// ProviderEvent is a verified webhook event from the payment provider,
// already translated out of the provider's wire format.
type ProviderEvent struct {
	ID             string
	Type           string
	ProviderSubID  string
	OrganizationID string
	Status         string // provider-vocabulary status, mapped by the webhook handler
	OccurredAt     time.Time
}
