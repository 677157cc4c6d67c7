package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"crewbase/internal/billing"
	"crewbase/internal/cache"
	"crewbase/internal/core"
	"crewbase/internal/types"
)

// Shared mocks and fixtures for the handler tests.

var handlerTestNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockLifecycle implements SubscriptionLifecycle and StatusSyncer with
// function fields, recording status sync calls.
type mockLifecycle struct {
	createFn    func(ctx context.Context, orgID string, plan types.PlanTier, cycle types.BillingCycle, email string) (*types.Subscription, error)
	upgradeFn   func(ctx context.Context, orgID string, plan types.PlanTier) (*types.Subscription, int64, error)
	downgradeFn func(ctx context.Context, orgID string, plan types.PlanTier) (*types.Subscription, error)
	cancelFn    func(ctx context.Context, orgID string, immediate bool) (*types.Subscription, error)
	trialFn     func(ctx context.Context, orgID string) (*types.Subscription, error)

	statusCalls []statusCall
	statusErr   error
}

type statusCall struct {
	subID  string
	status types.SubscriptionStatus
	reason string
}

func (m *mockLifecycle) Create(ctx context.Context, orgID string, plan types.PlanTier, cycle types.BillingCycle, email string) (*types.Subscription, error) {
	if m.createFn != nil {
		return m.createFn(ctx, orgID, plan, cycle, email)
	}
	return testSub(orgID, plan), nil
}

func (m *mockLifecycle) Upgrade(ctx context.Context, orgID string, plan types.PlanTier) (*types.Subscription, int64, error) {
	if m.upgradeFn != nil {
		return m.upgradeFn(ctx, orgID, plan)
	}
	return testSub(orgID, plan), 0, nil
}

func (m *mockLifecycle) Downgrade(ctx context.Context, orgID string, plan types.PlanTier) (*types.Subscription, error) {
	if m.downgradeFn != nil {
		return m.downgradeFn(ctx, orgID, plan)
	}
	sub := testSub(orgID, types.PlanProfessional)
	sub.PendingChange = &types.PendingPlanChange{NewPlan: plan, EffectiveDate: sub.CurrentPeriodEnd}
	return sub, nil
}

func (m *mockLifecycle) Cancel(ctx context.Context, orgID string, immediate bool) (*types.Subscription, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, orgID, immediate)
	}
	sub := testSub(orgID, types.PlanProfessional)
	sub.CancelAtPeriodEnd = !immediate
	if immediate {
		sub.Status = types.SubStatusCancelled
	}
	return sub, nil
}

func (m *mockLifecycle) StartTrial(ctx context.Context, orgID string) (*types.Subscription, error) {
	if m.trialFn != nil {
		return m.trialFn(ctx, orgID)
	}
	sub := testSub(orgID, types.PlanProfessional)
	sub.Status = types.SubStatusTrialing
	return sub, nil
}

func (m *mockLifecycle) UpdateStatus(_ context.Context, subID string, status types.SubscriptionStatus, reason string) (*types.Subscription, error) {
	m.statusCalls = append(m.statusCalls, statusCall{subID: subID, status: status, reason: reason})
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return &types.Subscription{ID: subID, Status: status}, nil
}

// mockSubReader serves subscriptions by organization ID.
type mockSubReader struct {
	byOrg map[string]*types.Subscription
}

func (m *mockSubReader) GetByOrg(_ context.Context, orgID string) (*types.Subscription, error) {
	sub, ok := m.byOrg[orgID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for organization", nil)
	}
	clone := *sub
	return &clone, nil
}

func (m *mockSubReader) GetByID(_ context.Context, subID string) (*types.Subscription, error) {
	for _, sub := range m.byOrg {
		if sub.ID == subID {
			clone := *sub
			return &clone, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription", nil)
}

func (m *mockSubReader) Create(_ context.Context, sub *types.Subscription) error {
	m.byOrg[sub.OrganizationID] = sub
	return nil
}

func (m *mockSubReader) Update(_ context.Context, sub *types.Subscription) error {
	m.byOrg[sub.OrganizationID] = sub
	return nil
}

func (m *mockSubReader) ListSweepable(_ context.Context, _ time.Time) ([]*types.Subscription, error) {
	return nil, nil
}

func (m *mockSubReader) AppendEvent(_ context.Context, _ *types.SubscriptionEvent) error {
	return nil
}

// staticCatalog resolves plans from the seed definitions.
type staticCatalog struct{}

func (staticCatalog) GetPlan(_ context.Context, tier types.PlanTier) (*types.Plan, error) {
	for _, p := range billing.DefaultPlans() {
		if p.Name == tier {
			return p, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "unknown plan", nil)
}

func (staticCatalog) List(_ context.Context) ([]*types.Plan, error) {
	return billing.DefaultPlans(), nil
}

// staticCounters returns fixed usage numbers.
type staticCounters struct {
	users, projects, storage int64
}

func (c *staticCounters) UserCount(_ context.Context, _ string) (int64, error)    { return c.users, nil }
func (c *staticCounters) ProjectCount(_ context.Context, _ string) (int64, error) { return c.projects, nil }
func (c *staticCounters) StorageBytes(_ context.Context, _ string) (int64, error) { return c.storage, nil }

func testSub(orgID string, plan types.PlanTier) *types.Subscription {
	return &types.Subscription{
		ID:                 "sub_" + orgID,
		OrganizationID:     orgID,
		Plan:               plan,
		Status:             types.SubStatusActive,
		BillingCycle:       types.CycleMonthly,
		CurrentPeriodStart: handlerTestNow.AddDate(0, 0, -15),
		CurrentPeriodEnd:   handlerTestNow.AddDate(0, 0, 15),
	}
}

// newBillingFixture wires a BillingHandler onto a router with the identity
// middleware, backed by the given mocks.
func newBillingFixture(t *testing.T, lc *mockLifecycle, subs *mockSubReader, counters *staticCounters) http.Handler {
	t.Helper()
	if lc == nil {
		lc = &mockLifecycle{}
	}
	if subs == nil {
		subs = &mockSubReader{byOrg: map[string]*types.Subscription{}}
	}
	if counters == nil {
		counters = &staticCounters{}
	}

	logger := testLogger()
	agg := billing.NewAggregator(counters, logger)
	gate := core.NewGate(cache.NewLoader(nil, subs, logger), staticCatalog{}, agg, nil, logger)

	h := NewBillingHandler(lc, agg, subs, staticCatalog{}, gate, core.NewValidator(), logger)

	r := chi.NewRouter()
	r.Use(core.ActorMiddleware)
	h.RegisterRoutes(r)
	return r
}

func actorRequest(method, target, body string, role types.UserRole) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Organization-Id", "org-1")
	req.Header.Set("X-User-Role", string(role))
	return req
}
