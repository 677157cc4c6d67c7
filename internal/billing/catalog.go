// Package billing implements the subscription and usage governance engine:
// the plan catalog, the subscription lifecycle state machine, live usage
// aggregation against plan limits, and the threshold notification throttle.
package billing

import (
	"context"

	"crewbase/internal/types"
)

// PlanCatalog resolves plan definitions. It is the single source of truth
// for what each tier allows.
type PlanCatalog interface {
	// GetPlan returns the definition for the given tier, or a
	// not_found_plan error for unknown tiers.
	GetPlan(ctx context.Context, tier types.PlanTier) (*types.Plan, error)

	// List returns all plans ordered by tier rank.
	List(ctx context.Context) ([]*types.Plan, error)
}

// repoCatalog is the production PlanCatalog, backed by the plans table.
type repoCatalog struct {
	repo types.PlanRepository
}

// NewCatalog returns a PlanCatalog backed by the given plan repository.
func NewCatalog(repo types.PlanRepository) PlanCatalog {
	return &repoCatalog{repo: repo}
}

func (c *repoCatalog) GetPlan(ctx context.Context, tier types.PlanTier) (*types.Plan, error) {
	return c.repo.GetByName(ctx, tier)
}

func (c *repoCatalog) List(ctx context.Context) ([]*types.Plan, error) {
	return c.repo.List(ctx)
}

// DefaultPlans returns the seed plan definitions. Deploy-time seeding upserts
// these by name; production values may be revised there without code changes.
//
//	| Plan         | Users | Projects | Storage | Monthly  |
//	|--------------|-------|----------|---------|----------|
//	| Starter      | 10    | 5        | 1 GiB   | free     |
//	| Professional | 50    | 50       | 50 GiB  | $29      |
//	| Enterprise   | ∞     | ∞        | ∞       | $99      |
//
// Enterprise uses -1 (types.UnlimitedLimit) for every quota.
func DefaultPlans() []*types.Plan {
	return []*types.Plan{
		{
			Name:        types.PlanStarter,
			DisplayName: "Starter",
			Limits: types.PlanLimits{
				MaxUsers:        10,
				MaxProjects:     5,
				MaxStorageBytes: 1 << 30,
			},
			Features:          []types.Feature{},
			MonthlyPriceCents: 0,
			AnnualPriceCents:  0,
		},
		{
			Name:        types.PlanProfessional,
			DisplayName: "Professional",
			Limits: types.PlanLimits{
				MaxUsers:        50,
				MaxProjects:     50,
				MaxStorageBytes: 50 << 30,
			},
			Features: []types.Feature{
				types.FeatureAPIAccess,
				types.FeatureCustomRoles,
				types.FeatureAdvancedReports,
			},
			MonthlyPriceCents: 2900,
			AnnualPriceCents:  29900,
		},
		{
			Name:        types.PlanEnterprise,
			DisplayName: "Enterprise",
			Limits: types.PlanLimits{
				MaxUsers:        types.UnlimitedLimit,
				MaxProjects:     types.UnlimitedLimit,
				MaxStorageBytes: types.UnlimitedLimit,
			},
			Features: []types.Feature{
				types.FeatureAPIAccess,
				types.FeatureCustomRoles,
				types.FeatureAdvancedReports,
				types.FeatureAuditLog,
				types.FeatureSSO,
				types.FeaturePrioritySupport,
			},
			MonthlyPriceCents: 9900,
			AnnualPriceCents:  99900,
		},
	}
}

// featureMinimums maps each feature to the lowest tier that includes it.
var featureMinimums = map[types.Feature]types.PlanTier{
	types.FeatureAPIAccess:       types.PlanProfessional,
	types.FeatureCustomRoles:     types.PlanProfessional,
	types.FeatureAdvancedReports: types.PlanProfessional,
	types.FeatureAuditLog:        types.PlanEnterprise,
	types.FeatureSSO:             types.PlanEnterprise,
	types.FeaturePrioritySupport: types.PlanEnterprise,
}

// MinimumPlanForFeature returns the lowest tier that includes the feature.
// The function is total over the Feature enum; names outside the enum
// require the top tier, so a typo can never open a gate.
func MinimumPlanForFeature(f types.Feature) types.PlanTier {
	if tier, ok := featureMinimums[f]; ok {
		return tier
	}
	return types.PlanEnterprise
}
