package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"crewbase/internal/metrics"
	"crewbase/internal/types"
)

// Redis is a shared subscription cache for multi-instance deployments.
// Cache errors degrade to misses; the gate then reads storage, so a Redis
// outage slows requests down but never changes access decisions.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection before returning.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "invalid redis URL", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "redis connection failed", err)
	}

	return &Redis{client: client, ttl: ttl, logger: logger}, nil
}

func cacheKey(orgID string) string {
	return "sub:" + orgID
}

func (r *Redis) Get(ctx context.Context, orgID string) (*types.Subscription, bool) {
	raw, err := r.client.Get(ctx, cacheKey(orgID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("redis get failed, treating as miss",
				slog.String("org_id", orgID),
				slog.String("error", err.Error()),
			)
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var sub types.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		r.logger.Warn("corrupt cache entry dropped",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
		r.client.Del(ctx, cacheKey(orgID))
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &sub, true
}

func (r *Redis) Set(ctx context.Context, orgID string, sub *types.Subscription) {
	if sub == nil {
		return
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		r.logger.Warn("failed to encode subscription for cache",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.client.Set(ctx, cacheKey(orgID), raw, r.ttl).Err(); err != nil {
		r.logger.Warn("redis set failed",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Redis) Invalidate(ctx context.Context, orgID string) {
	if err := r.client.Del(ctx, cacheKey(orgID)).Err(); err != nil {
		r.logger.Warn("redis invalidation failed, entry expires by TTL",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
