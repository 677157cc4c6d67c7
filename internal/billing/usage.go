package billing

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"crewbase/internal/types"
)

// warningPercent and criticalPercent are the usage thresholds at which a
// resource is flagged. A limit of zero that is not unlimited is always
// critical, regardless of usage.
const (
	warningPercent  = 80
	criticalPercent = 100
)

// Aggregator computes an organization's live resource usage and evaluates it
// against plan limits. It is stateless; counts come from storage on every
// call so the numbers reflect what actually exists, not a drifting counter.
type Aggregator struct {
	counters types.UsageCounters
	logger   *slog.Logger
}

// NewAggregator creates a usage aggregator over the given counters.
func NewAggregator(counters types.UsageCounters, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{counters: counters, logger: logger}
}

// Usage fetches the organization's current counts for all tracked resources.
// The three counts are independent queries and run concurrently.
func (a *Aggregator) Usage(ctx context.Context, orgID string) (types.UsageSnapshot, error) {
	var snap types.UsageSnapshot

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.counters.UserCount(ctx, orgID)
		snap.UserCount = n
		return err
	})
	g.Go(func() error {
		n, err := a.counters.ProjectCount(ctx, orgID)
		snap.ProjectCount = n
		return err
	})
	g.Go(func() error {
		n, err := a.counters.StorageBytes(ctx, orgID)
		snap.StorageBytes = n
		return err
	})
	if err := g.Wait(); err != nil {
		return types.UsageSnapshot{}, err
	}
	return snap, nil
}

// Report evaluates a snapshot against plan limits, producing one entry per
// tracked resource in the fixed order users, projects, storage.
func (a *Aggregator) Report(snap types.UsageSnapshot, limits types.PlanLimits) []types.ResourceUsage {
	out := make([]types.ResourceUsage, 0, len(types.AllResources))
	for _, resource := range types.AllResources {
		out = append(out, Evaluate(resource, snap.For(resource), limits.For(resource)))
	}
	return out
}

// Evaluate classifies a single resource's usage against its limit.
//
// An unlimited limit never produces a percentage or a threshold status. A
// zero limit that is not unlimited means the plan allows none of the
// resource, so any state is reported as critical at 100%. Percentages are
// rounded to the nearest integer and capped at 100 even when usage exceeds
// the limit.
func Evaluate(resource types.ResourceType, current, limit int64) types.ResourceUsage {
	u := types.ResourceUsage{
		Resource: resource,
		Current:  current,
		Limit:    limit,
	}

	if limit == types.UnlimitedLimit {
		u.Unlimited = true
		u.Status = types.UsageUnlimited
		return u
	}

	if limit == 0 {
		u.Percentage = 100
		u.Status = types.UsageCritical
		return u
	}

	pct := int(math.Round(float64(current) / float64(limit) * 100))
	if pct > 100 {
		pct = 100
	}
	u.Percentage = pct

	switch {
	case pct >= criticalPercent:
		u.Status = types.UsageCritical
	case pct >= warningPercent:
		u.Status = types.UsageWarning
	default:
		u.Status = types.UsageOK
	}
	return u
}

// CanAdd reports whether the organization may add n more units of a resource
// under its plan limits. The check fails closed: a subscription that is not
// active or trialing denies all additions regardless of headroom.
func (a *Aggregator) CanAdd(ctx context.Context, sub *types.Subscription, limits types.PlanLimits, resource types.ResourceType, n int64) (types.LimitCheck, error) {
	if n < 0 {
		return types.LimitCheck{}, types.NewAppError(
			types.ErrCodeValidationMissingField,
			fmt.Sprintf("requested amount must be non-negative, got %d", n),
			nil,
		)
	}

	limit := limits.For(resource)
	current, err := a.currentFor(ctx, sub.OrganizationID, resource)
	if err != nil {
		return types.LimitCheck{}, err
	}

	check := types.LimitCheck{
		Current:  current,
		Limit:    limit,
		AfterAdd: current + n,
	}

	if !sub.Status.Operational() {
		a.logger.Debug("limit check denied, subscription not operational",
			slog.String("org_id", sub.OrganizationID),
			slog.String("status", string(sub.Status)),
		)
		return check, nil
	}

	if limit == types.UnlimitedLimit {
		check.Allowed = true
		check.Unlimited = true
		return check, nil
	}

	check.Allowed = check.AfterAdd <= limit
	return check, nil
}

func (a *Aggregator) currentFor(ctx context.Context, orgID string, resource types.ResourceType) (int64, error) {
	switch resource {
	case types.ResourceUsers:
		return a.counters.UserCount(ctx, orgID)
	case types.ResourceProjects:
		return a.counters.ProjectCount(ctx, orgID)
	case types.ResourceStorage:
		return a.counters.StorageBytes(ctx, orgID)
	default:
		return 0, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unknown resource type %q", resource),
			nil,
		)
	}
}
