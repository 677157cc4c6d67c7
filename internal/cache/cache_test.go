package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewbase/internal/types"
)

func testSub(orgID string) *types.Subscription {
	return &types.Subscription{
		ID:                 "sub_" + orgID,
		OrganizationID:     orgID,
		Plan:               types.PlanProfessional,
		Status:             types.SubStatusActive,
		BillingCycle:       types.CycleMonthly,
		CurrentPeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemory(16, time.Minute)
	ctx := context.Background()

	_, ok := c.Get(ctx, "org1")
	assert.False(t, ok)

	c.Set(ctx, "org1", testSub("org1"))

	got, ok := c.Get(ctx, "org1")
	require.True(t, ok)
	assert.Equal(t, "sub_org1", got.ID)
}

func TestMemoryCacheInvalidate(t *testing.T) {
	c := NewMemory(16, time.Minute)
	ctx := context.Background()

	c.Set(ctx, "org1", testSub("org1"))
	c.Invalidate(ctx, "org1")

	_, ok := c.Get(ctx, "org1")
	assert.False(t, ok)
}

func TestMemoryCacheIgnoresNil(t *testing.T) {
	c := NewMemory(16, time.Minute)
	ctx := context.Background()

	c.Set(ctx, "org1", nil)

	_, ok := c.Get(ctx, "org1")
	assert.False(t, ok, "nil results are never cached")
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := NewRedis(context.Background(), "redis://"+mr.Addr(), time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "org1", testSub("org1"))

	got, ok := c.Get(ctx, "org1")
	require.True(t, ok)
	assert.Equal(t, "sub_org1", got.ID)
	assert.Equal(t, types.PlanProfessional, got.Plan)
}

func TestRedisCacheMiss(t *testing.T) {
	c, _ := newTestRedis(t)

	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "org1", testSub("org1"))
	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(ctx, "org1")
	assert.False(t, ok)
}

func TestRedisCacheInvalidate(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "org1", testSub("org1"))
	c.Invalidate(ctx, "org1")

	_, ok := c.Get(ctx, "org1")
	assert.False(t, ok)
}

func TestRedisCacheDropsCorruptEntries(t *testing.T) {
	c, mr := newTestRedis(t)

	require.NoError(t, mr.Set("sub:org1", "{not json"))

	_, ok := c.Get(context.Background(), "org1")
	assert.False(t, ok)
	assert.False(t, mr.Exists("sub:org1"), "corrupt entries are evicted")
}

// fakeSubRepo serves loader tests and counts storage reads.
type fakeSubRepo struct {
	sub   *types.Subscription
	err   error
	reads int
}

func (r *fakeSubRepo) GetByOrg(_ context.Context, _ string) (*types.Subscription, error) {
	r.reads++
	if r.err != nil {
		return nil, r.err
	}
	return r.sub, nil
}

func (r *fakeSubRepo) GetByID(_ context.Context, _ string) (*types.Subscription, error) {
	return r.sub, nil
}

func (r *fakeSubRepo) Create(_ context.Context, _ *types.Subscription) error { return nil }
func (r *fakeSubRepo) Update(_ context.Context, _ *types.Subscription) error { return nil }

func (r *fakeSubRepo) ListSweepable(_ context.Context, _ time.Time) ([]*types.Subscription, error) {
	return nil, nil
}

func (r *fakeSubRepo) AppendEvent(_ context.Context, _ *types.SubscriptionEvent) error { return nil }

func TestLoaderReadThrough(t *testing.T) {
	repo := &fakeSubRepo{sub: testSub("org1")}
	loader := NewLoader(NewMemory(16, time.Minute), repo, nil)
	ctx := context.Background()

	first, err := loader.Lookup(ctx, "org1")
	require.NoError(t, err)
	second, err := loader.Lookup(ctx, "org1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, repo.reads, "the second lookup is served from cache")
}

func TestLoaderNeverCachesErrors(t *testing.T) {
	repo := &fakeSubRepo{err: types.NewAppError(types.ErrCodeNotFoundSubscription, "none", nil)}
	loader := NewLoader(NewMemory(16, time.Minute), repo, nil)
	ctx := context.Background()

	_, err := loader.Lookup(ctx, "org1")
	require.Error(t, err)
	_, err = loader.Lookup(ctx, "org1")
	require.Error(t, err)

	assert.Equal(t, 2, repo.reads, "a failed lookup is retried against storage")
}

func TestLoaderInvalidateForcesReload(t *testing.T) {
	repo := &fakeSubRepo{sub: testSub("org1")}
	loader := NewLoader(NewMemory(16, time.Minute), repo, nil)
	ctx := context.Background()

	_, err := loader.Lookup(ctx, "org1")
	require.NoError(t, err)
	loader.Invalidate(ctx, "org1")
	_, err = loader.Lookup(ctx, "org1")
	require.NoError(t, err)

	assert.Equal(t, 2, repo.reads)
}

func TestLoaderWithoutCacheAlwaysReadsStorage(t *testing.T) {
	repo := &fakeSubRepo{sub: testSub("org1")}
	loader := NewLoader(nil, repo, nil)
	ctx := context.Background()

	for range 3 {
		_, err := loader.Lookup(ctx, "org1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, repo.reads)
}
