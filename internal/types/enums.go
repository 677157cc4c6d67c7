package types

// PlanTier identifies a subscription plan for an organization.
type PlanTier string

const (
	PlanStarter      PlanTier = "starter"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// tierRanks orders plans by strength. Upgrades must move to a strictly
// higher rank, downgrades to a strictly lower one.
var tierRanks = map[PlanTier]int{
	PlanStarter:      0,
	PlanProfessional: 1,
	PlanEnterprise:   2,
}

// Rank returns the ordinal strength of the tier. Unknown tiers return -1 so
// that comparisons against them fail in both directions.
func (p PlanTier) Rank() int {
	if r, ok := tierRanks[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether the tier is one of the known plan names.
func (p PlanTier) Valid() bool {
	_, ok := tierRanks[p]
	return ok
}

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubStatusPending   SubscriptionStatus = "pending"
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusTrialing  SubscriptionStatus = "trialing"
	SubStatusPastDue   SubscriptionStatus = "past_due"
	SubStatusCancelled SubscriptionStatus = "cancelled"
	SubStatusExpired   SubscriptionStatus = "expired"
)

var validSubStatuses = map[SubscriptionStatus]bool{
	SubStatusPending:   true,
	SubStatusActive:    true,
	SubStatusTrialing:  true,
	SubStatusPastDue:   true,
	SubStatusCancelled: true,
	SubStatusExpired:   true,
}

// Valid reports whether the status is a member of the local status enum.
// UpdateStatus rejects anything else.
func (s SubscriptionStatus) Valid() bool {
	return validSubStatuses[s]
}

// Operational reports whether the subscription grants normal (non-read-only)
// access: only active and trialing subscriptions do.
func (s SubscriptionStatus) Operational() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// BillingCycle determines the length of a billing period.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// Valid reports whether the cycle is a known billing cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleAnnual
}

// ResourceType identifies a quota-governed resource.
type ResourceType string

const (
	ResourceUsers    ResourceType = "users"
	ResourceProjects ResourceType = "projects"
	ResourceStorage  ResourceType = "storage"
)

// AllResources lists every quota-governed resource type, in the order the
// aggregator and throttle evaluate them.
var AllResources = []ResourceType{ResourceUsers, ResourceProjects, ResourceStorage}

// Valid reports whether the resource type is known.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceUsers, ResourceProjects, ResourceStorage:
		return true
	}
	return false
}

// ThresholdType classifies a usage alert.
type ThresholdType string

const (
	ThresholdWarning  ThresholdType = "warning"
	ThresholdCritical ThresholdType = "critical"
)

// Percent returns the usage percentage at which the threshold fires.
func (t ThresholdType) Percent() int {
	if t == ThresholdCritical {
		return 100
	}
	return 80
}

// UsageStatus is the traffic-light classification of a resource's usage
// against its plan limit.
type UsageStatus string

const (
	UsageOK        UsageStatus = "ok"
	UsageWarning   UsageStatus = "warning"
	UsageCritical  UsageStatus = "critical"
	UsageUnlimited UsageStatus = "unlimited"
)

// Feature identifies a plan-gated capability. The set is closed: the gate
// evaluates membership against Plan.Features and unknown names require the
// top tier (see MinimumPlanForFeature).
type Feature string

const (
	FeatureAPIAccess       Feature = "api_access"
	FeatureCustomRoles     Feature = "custom_roles"
	FeatureAdvancedReports Feature = "advanced_reports"
	FeatureAuditLog        Feature = "audit_log"
	FeatureSSO             Feature = "sso"
	FeaturePrioritySupport Feature = "priority_support"
)

// UserRole defines authorization levels within an organization.
type UserRole string

const (
	RoleOwner  UserRole = "owner"
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
)

// IsAdmin reports whether the role carries administrative privileges.
// Owners are admins for notification-routing purposes.
func (r UserRole) IsAdmin() bool {
	return r == RoleOwner || r == RoleAdmin
}
