package billing

import (
	"context"
	"sync"
	"time"

	"crewbase/internal/types"
)

// Shared in-memory fakes for the package tests.

type fakeSubRepo struct {
	mu     sync.Mutex
	byID   map[string]*types.Subscription
	events []*types.SubscriptionEvent
}

func newFakeSubRepo(subs ...*types.Subscription) *fakeSubRepo {
	r := &fakeSubRepo{byID: make(map[string]*types.Subscription)}
	for _, s := range subs {
		r.byID[s.ID] = cloneSub(s)
	}
	return r
}

func cloneSub(s *types.Subscription) *types.Subscription {
	c := *s
	if s.PendingChange != nil {
		pc := *s.PendingChange
		c.PendingChange = &pc
	}
	return &c
}

func (r *fakeSubRepo) GetByOrg(_ context.Context, orgID string) (*types.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.OrganizationID == orgID {
			return cloneSub(s), nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for organization "+orgID, nil)
}

func (r *fakeSubRepo) GetByID(_ context.Context, subID string) (*types.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[subID]; ok {
		return cloneSub(s), nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription "+subID+" not found", nil)
}

func (r *fakeSubRepo) Create(_ context.Context, sub *types.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.OrganizationID == sub.OrganizationID {
			return types.NewAppError(types.ErrCodeConflictAlreadySubscribed, "duplicate subscription", nil)
		}
	}
	r.byID[sub.ID] = cloneSub(sub)
	return nil
}

func (r *fakeSubRepo) Update(_ context.Context, sub *types.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[sub.ID]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription "+sub.ID+" not found", nil)
	}
	r.byID[sub.ID] = cloneSub(sub)
	return nil
}

func (r *fakeSubRepo) ListSweepable(_ context.Context, now time.Time) ([]*types.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Subscription
	for _, s := range r.byID {
		trialEnded := s.Status == types.SubStatusTrialing && s.TrialEnd != nil && s.TrialEnd.Before(now)
		cancelDue := s.CancelAtPeriodEnd && s.Status.Operational() && s.CurrentPeriodEnd.Before(now)
		rolledOver := s.Status == types.SubStatusActive && s.CurrentPeriodEnd.Before(now)
		if trialEnded || cancelDue || rolledOver {
			out = append(out, cloneSub(s))
		}
	}
	return out, nil
}

func (r *fakeSubRepo) AppendEvent(_ context.Context, ev *types.SubscriptionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeSubRepo) lastEvent() *types.SubscriptionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

// staticCatalog serves the built-in plan definitions without storage.
type staticCatalog struct {
	plans map[types.PlanTier]*types.Plan
}

func newStaticCatalog() *staticCatalog {
	c := &staticCatalog{plans: make(map[types.PlanTier]*types.Plan)}
	for _, p := range DefaultPlans() {
		c.plans[p.Name] = p
	}
	return c
}

func (c *staticCatalog) GetPlan(_ context.Context, tier types.PlanTier) (*types.Plan, error) {
	if p, ok := c.plans[tier]; ok {
		return p, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan "+string(tier)+" not found", nil)
}

func (c *staticCatalog) List(_ context.Context) ([]*types.Plan, error) {
	return DefaultPlans(), nil
}

// fakeProvider records calls and answers from canned state.
type fakeProvider struct {
	mu sync.Mutex

	hasPaymentMethod bool
	createErr        error

	customers     []string
	created       []string
	updated       []string
	cancelled     []string
	atPeriodEnd   []bool
	refunds       []int64
	paymentChecks int
}

func (p *fakeProvider) CreateCustomer(_ context.Context, orgID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers = append(p.customers, orgID)
	return "cus_" + orgID, nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, orgID string, plan types.PlanTier, _ types.BillingCycle) (*types.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, orgID)
	return &types.ProviderSubscription{
		ID:     "psub_" + orgID,
		Status: types.SubStatusActive,
	}, nil
}

func (p *fakeProvider) UpdateSubscription(_ context.Context, providerSubID string, _ types.PlanTier, _ types.BillingCycle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, providerSubID)
	return nil
}

func (p *fakeProvider) CancelSubscription(_ context.Context, providerSubID string, atPeriodEnd bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, providerSubID)
	p.atPeriodEnd = append(p.atPeriodEnd, atPeriodEnd)
	return nil
}

func (p *fakeProvider) Refund(_ context.Context, _ string, amountCents int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, amountCents)
	return nil
}

func (p *fakeProvider) HasDefaultPaymentMethod(_ context.Context, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paymentChecks++
	return p.hasPaymentMethod, nil
}

func (p *fakeProvider) VerifyWebhook(_ []byte, _ string) (*types.ProviderEvent, error) {
	return nil, types.NewAppError(types.ErrCodeUpstreamProvider, "not implemented in fake", nil)
}

// fakeCache records invalidations.
type fakeCache struct {
	mu           sync.Mutex
	invalidated  []string
	store        map[string]*types.Subscription
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: make(map[string]*types.Subscription)}
}

func (c *fakeCache) Get(_ context.Context, orgID string) (*types.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.store[orgID]
	return s, ok
}

func (c *fakeCache) Set(_ context.Context, orgID string, sub *types.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[orgID] = sub
}

func (c *fakeCache) Invalidate(_ context.Context, orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, orgID)
	c.invalidated = append(c.invalidated, orgID)
}

// fakeCounters returns fixed counts.
type fakeCounters struct {
	users    int64
	projects int64
	storage  int64
}

func (c *fakeCounters) UserCount(_ context.Context, _ string) (int64, error) {
	return c.users, nil
}

func (c *fakeCounters) ProjectCount(_ context.Context, _ string) (int64, error) {
	return c.projects, nil
}

func (c *fakeCounters) StorageBytes(_ context.Context, _ string) (int64, error) {
	return c.storage, nil
}

// fakeNotifRepo deduplicates on the same tuple the real unique index covers.
type fakeNotifRepo struct {
	mu       sync.Mutex
	inserted []*types.UsageNotification
	seen     map[string]bool
}

func newFakeNotifRepo() *fakeNotifRepo {
	return &fakeNotifRepo{seen: make(map[string]bool)}
}

func notifKey(n *types.UsageNotification) string {
	return n.OrganizationID + "|" + string(n.Resource) + "|" + string(n.Threshold) + "|" + n.BillingPeriodStart.UTC().Format(time.RFC3339)
}

func (r *fakeNotifRepo) Insert(_ context.Context, n *types.UsageNotification) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := notifKey(n)
	if r.seen[key] {
		return false, nil
	}
	r.seen[key] = true
	r.inserted = append(r.inserted, n)
	return true, nil
}

func (r *fakeNotifRepo) Acknowledge(_ context.Context, _, _ string) error { return nil }

func (r *fakeNotifRepo) ListUnacknowledged(_ context.Context, _ string) ([]*types.UsageNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.UsageNotification(nil), r.inserted...), nil
}

func (r *fakeNotifRepo) DeleteBefore(_ context.Context, orgID string, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*types.UsageNotification
	var removed int64
	for _, n := range r.inserted {
		if n.OrganizationID == orgID && n.BillingPeriodStart.Before(cutoff) {
			delete(r.seen, notifKey(n))
			removed++
			continue
		}
		kept = append(kept, n)
	}
	r.inserted = kept
	return removed, nil
}

// fakeDirectory serves recipient lookups.
type fakeDirectory struct {
	admins  []string
	actives []string
}

func (d *fakeDirectory) AdminUserIDs(_ context.Context, _ string) ([]string, error) {
	return d.admins, nil
}

func (d *fakeDirectory) ActiveUserIDs(_ context.Context, _ string, limit int) ([]string, error) {
	if limit < len(d.actives) {
		return d.actives[:limit], nil
	}
	return d.actives, nil
}

// recordingChannel counts deliveries per user ID.
type recordingChannel struct {
	mu    sync.Mutex
	sends map[string]int
	err   error
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{sends: make(map[string]int)}
}

func (c *recordingChannel) Push(_ context.Context, userID string, _ *types.UsageNotification) error {
	return c.record(userID)
}

func (c *recordingChannel) Send(_ context.Context, userID string, _ *types.UsageNotification) error {
	return c.record(userID)
}

func (c *recordingChannel) record(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends[userID]++
	return c.err
}

func (c *recordingChannel) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.sends {
		n += v
	}
	return n
}

// fixedClock returns a clock function pinned to t.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
