// Package cache provides the subscription lookup cache used by the access
// gate. Entries live for a short TTL and are explicitly invalidated on every
// subscription mutation; failed lookups are never cached, so a missing
// subscription is re-checked on each request.
package cache

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"crewbase/internal/metrics"
	"crewbase/internal/types"
)

// DefaultTTL bounds how stale a cached subscription can be. Plan or status
// changes made outside this process become visible within this window even
// without an invalidation.
const DefaultTTL = 60 * time.Second

// Memory is an in-process LRU subscription cache with per-entry TTL.
// Suitable for single-instance deployments; multi-instance deployments
// should use the Redis cache so invalidations reach every instance.
type Memory struct {
	entries *lru.LRU[string, *types.Subscription]
}

// NewMemory creates an in-process cache holding up to maxEntries
// subscriptions, each expiring after ttl.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: lru.NewLRU[string, *types.Subscription](maxEntries, nil, ttl),
	}
}

func (m *Memory) Get(_ context.Context, orgID string) (*types.Subscription, bool) {
	sub, ok := m.entries.Get(orgID)
	if ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
	return sub, ok
}

func (m *Memory) Set(_ context.Context, orgID string, sub *types.Subscription) {
	if sub == nil {
		return
	}
	m.entries.Add(orgID, sub)
}

func (m *Memory) Invalidate(_ context.Context, orgID string) {
	m.entries.Remove(orgID)
}

// Loader wraps a cache and the subscription repository into a read-through
// lookup. Every handler goes through Lookup; only successful reads are
// cached.
type Loader struct {
	cache  types.SubscriptionCache
	subs   types.SubscriptionRepository
	logger *slog.Logger
}

// NewLoader creates a read-through loader. A nil cache disables caching
// entirely and every lookup hits storage.
func NewLoader(cache types.SubscriptionCache, subs types.SubscriptionRepository, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{cache: cache, subs: subs, logger: logger}
}

// Lookup returns the organization's subscription, from cache when fresh.
// Errors, including not-found, pass through uncached.
func (l *Loader) Lookup(ctx context.Context, orgID string) (*types.Subscription, error) {
	if l.cache != nil {
		if sub, ok := l.cache.Get(ctx, orgID); ok {
			return sub, nil
		}
	}

	sub, err := l.subs.GetByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		l.cache.Set(ctx, orgID, sub)
	}
	return sub, nil
}

// Invalidate evicts the organization's entry.
func (l *Loader) Invalidate(ctx context.Context, orgID string) {
	if l.cache != nil {
		l.cache.Invalidate(ctx, orgID)
	}
}
