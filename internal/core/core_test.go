package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"crewbase/internal/billing"
	"crewbase/internal/cache"
	"crewbase/internal/config"
	"crewbase/internal/types"
)

// Shared fixtures for the chassis and gate tests.

var coreTestNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gateSubRepo serves subscriptions by organization ID.
type gateSubRepo struct {
	byOrg map[string]*types.Subscription
	err   error
}

func (r *gateSubRepo) GetByOrg(_ context.Context, orgID string) (*types.Subscription, error) {
	if r.err != nil {
		return nil, r.err
	}
	sub, ok := r.byOrg[orgID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for organization", nil)
	}
	clone := *sub
	return &clone, nil
}

func (r *gateSubRepo) GetByID(_ context.Context, subID string) (*types.Subscription, error) {
	for _, sub := range r.byOrg {
		if sub.ID == subID {
			clone := *sub
			return &clone, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription", nil)
}

func (r *gateSubRepo) Create(_ context.Context, sub *types.Subscription) error {
	r.byOrg[sub.OrganizationID] = sub
	return nil
}

func (r *gateSubRepo) Update(_ context.Context, sub *types.Subscription) error {
	r.byOrg[sub.OrganizationID] = sub
	return nil
}

func (r *gateSubRepo) ListSweepable(_ context.Context, _ time.Time) ([]*types.Subscription, error) {
	return nil, nil
}

func (r *gateSubRepo) AppendEvent(_ context.Context, _ *types.SubscriptionEvent) error {
	return nil
}

// gateCatalog resolves plans from the seed definitions.
type gateCatalog struct{}

func (gateCatalog) GetPlan(_ context.Context, tier types.PlanTier) (*types.Plan, error) {
	for _, p := range billing.DefaultPlans() {
		if p.Name == tier {
			return p, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "unknown plan", nil)
}

func (gateCatalog) List(ctx context.Context) ([]*types.Plan, error) {
	return billing.DefaultPlans(), nil
}

// gateCounters returns fixed usage numbers.
type gateCounters struct {
	users, projects, storage int64
}

func (c *gateCounters) UserCount(_ context.Context, _ string) (int64, error)    { return c.users, nil }
func (c *gateCounters) ProjectCount(_ context.Context, _ string) (int64, error) { return c.projects, nil }
func (c *gateCounters) StorageBytes(_ context.Context, _ string) (int64, error) { return c.storage, nil }

func newTestGate(t *testing.T, subs map[string]*types.Subscription, counters *gateCounters) *Gate {
	t.Helper()
	if counters == nil {
		counters = &gateCounters{}
	}
	logger := discardLogger()
	loader := cache.NewLoader(nil, &gateSubRepo{byOrg: subs}, logger)
	g := NewGate(loader, gateCatalog{}, billing.NewAggregator(counters, logger), nil, logger)
	g.now = func() time.Time { return coreTestNow }
	return g
}

func operationalSub(orgID string, plan types.PlanTier) *types.Subscription {
	return &types.Subscription{
		ID:                 "sub_" + orgID,
		OrganizationID:     orgID,
		Plan:               plan,
		Status:             types.SubStatusActive,
		BillingCycle:       types.CycleMonthly,
		CurrentPeriodStart: coreTestNow.AddDate(0, 0, -15),
		CurrentPeriodEnd:   coreTestNow.AddDate(0, 0, 15),
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Service: "crewbase-api-test"}
	logger := discardLogger()
	loader := cache.NewLoader(nil, &gateSubRepo{byOrg: map[string]*types.Subscription{}}, logger)
	srv, err := NewServer(cfg, Deps{
		Loader:     loader,
		Catalog:    gateCatalog{},
		Aggregator: billing.NewAggregator(&gateCounters{}, logger),
	}, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}
