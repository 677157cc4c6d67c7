package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"crewbase/internal/billing"
	"crewbase/internal/cache"
	"crewbase/internal/metrics"
	"crewbase/internal/types"
)

type gateContextKey string

const subscriptionKey gateContextKey = "subscription"

// GetSubscription returns the subscription resolved by the gate for this
// request.
func GetSubscription(ctx context.Context) (*types.Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey).(*types.Subscription)
	return sub, ok
}

// ThresholdNotifier fires deduplicated usage alerts for thresholds the
// organization has crossed. Implemented by billing.Throttle.
type ThresholdNotifier interface {
	CheckAndNotify(ctx context.Context, sub *types.Subscription, report []types.ResourceUsage) error
}

// notifyTimeout bounds the detached threshold check spawned after an
// allowed request.
const notifyTimeout = 10 * time.Second

// Gate is the per-request access control layer. It resolves the acting
// organization's subscription through the read-through cache and enforces
// status, feature and quota policy before a handler runs.
//
// Gate middleware fails closed: a lookup error denies the request rather
// than letting an unverified organization through.
type Gate struct {
	loader     *cache.Loader
	catalog    billing.PlanCatalog
	aggregator *billing.Aggregator
	notifier   ThresholdNotifier // nil disables threshold alerts
	logger     *slog.Logger
	now        func() time.Time
}

// NewGate builds the access gate. The notifier may be nil, in which case
// allowed requests do not trigger threshold checks.
func NewGate(loader *cache.Loader, catalog billing.PlanCatalog, aggregator *billing.Aggregator, notifier ThresholdNotifier, logger *slog.Logger) *Gate {
	return &Gate{
		loader:     loader,
		catalog:    catalog,
		aggregator: aggregator,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
	}
}

// deny records the gate decision and writes the denial.
func (g *Gate) deny(w http.ResponseWriter, r *http.Request, err *types.AppError) {
	metrics.GateDecisions.WithLabelValues(string(err.Code)).Inc()
	Error(w, r, err)
}

func (g *Gate) allow() {
	metrics.GateDecisions.WithLabelValues("allowed").Inc()
}

// RequireActiveSubscription resolves the organization's subscription and
// stores it in the request context. Organizations without a subscription, or
// with one that never became operational, are denied. Expired and cancelled
// subscriptions pass through here so EnforceReadOnlyOnExpiry can grant
// degraded read access.
func (g *Gate) RequireActiveSubscription(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			g.deny(w, r, types.NewAppError(
				types.ErrCodeOrganizationRequired,
				"request is not bound to an organization",
				nil,
			))
			return
		}

		sub, err := g.loader.Lookup(r.Context(), actor.OrganizationID)
		if err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
				g.deny(w, r, types.NewAppError(
					types.ErrCodeSubscriptionRequired,
					"organization has no subscription",
					nil,
				))
				return
			}
			g.logger.Error("subscription lookup failed",
				slog.String("organization_id", actor.OrganizationID),
				slog.String("error", err.Error()),
			)
			g.deny(w, r, types.NewAppError(
				types.ErrCodeSubscriptionRequired,
				"subscription could not be verified",
				err,
			))
			return
		}

		if sub.Status == types.SubStatusPending {
			g.deny(w, r, types.NewAppError(
				types.ErrCodeSubscriptionRequired,
				"subscription is awaiting payment confirmation",
				nil,
			))
			return
		}

		g.allow()
		ctx := context.WithValue(r.Context(), subscriptionKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EnforceReadOnlyOnExpiry degrades expired and cancelled subscriptions to
// read-only: safe verbs proceed with the read-only marker set, mutating verbs
// are denied. Operational subscriptions pass through untouched.
func (g *Gate) EnforceReadOnlyOnExpiry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, ok := GetSubscription(r.Context())
		if !ok || !sub.ExpiredOrCancelled(g.now()) {
			next.ServeHTTP(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			g.allow()
			next.ServeHTTP(w, r.WithContext(types.WithReadOnly(r.Context())))
		default:
			g.deny(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeReadOnlyMode,
				"subscription has ended; the organization is in read-only mode",
				nil,
				map[string]any{
					"status":             string(sub.Status),
					"current_period_end": sub.CurrentPeriodEnd,
				},
			))
		}
	})
}

// RequireFeature denies requests whose plan does not include the feature.
// The denial names the lowest tier that does, so clients can render an
// upgrade prompt.
func (g *Gate) RequireFeature(feature types.Feature) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub, ok := GetSubscription(r.Context())
			if !ok {
				g.deny(w, r, types.NewAppError(
					types.ErrCodeSubscriptionRequired,
					"organization has no subscription",
					nil,
				))
				return
			}

			plan, err := g.catalog.GetPlan(r.Context(), sub.Plan)
			if err != nil {
				g.logger.Error("plan lookup failed",
					slog.String("plan", string(sub.Plan)),
					slog.String("error", err.Error()),
				)
				g.deny(w, r, types.NewAppError(
					types.ErrCodeFeatureNotAvailable,
					"feature availability could not be verified",
					err,
				))
				return
			}

			if !plan.HasFeature(feature) {
				g.deny(w, r, types.NewAppErrorWithDetails(
					types.ErrCodeFeatureNotAvailable,
					"the current plan does not include this feature",
					nil,
					map[string]any{
						"feature":       string(feature),
						"current_plan":  string(sub.Plan),
						"required_plan": string(billing.MinimumPlanForFeature(feature)),
					},
				))
				return
			}

			g.allow()
			next.ServeHTTP(w, r)
		})
	}
}

// CheckLimit denies requests that would push the organization past its plan
// quota for the given resource. Users and projects count the incoming request
// as one addition; storage reads the candidate size in bytes from the
// X-Upload-Size header, falling back to Content-Length.
func (g *Gate) CheckLimit(resource types.ResourceType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub, ok := GetSubscription(r.Context())
			if !ok {
				g.deny(w, r, types.NewAppError(
					types.ErrCodeSubscriptionRequired,
					"organization has no subscription",
					nil,
				))
				return
			}

			switch {
			case sub.Status == types.SubStatusExpired || sub.Status == types.SubStatusCancelled:
				g.deny(w, r, types.NewAppError(
					types.ErrCodeSubscriptionExpired,
					"subscription has expired",
					nil,
				))
				return
			case !sub.Status.Operational():
				g.deny(w, r, types.NewAppErrorWithDetails(
					types.ErrCodeSubscriptionRequired,
					"subscription is not in an operational state",
					nil,
					map[string]any{"status": string(sub.Status)},
				))
				return
			}

			plan, err := g.catalog.GetPlan(r.Context(), sub.Plan)
			if err != nil {
				g.deny(w, r, types.NewAppError(
					types.LimitCodeFor(resource),
					"plan limits could not be verified",
					err,
				))
				return
			}

			n, err := candidateAmount(r, resource)
			if err != nil {
				Error(w, r, err)
				return
			}

			check, err := g.aggregator.CanAdd(r.Context(), sub, plan.Limits, resource, n)
			if err != nil {
				g.logger.Error("limit check failed",
					slog.String("organization_id", sub.OrganizationID),
					slog.String("resource", string(resource)),
					slog.String("error", err.Error()),
				)
				Error(w, r, err)
				return
			}

			if !check.Allowed {
				g.deny(w, r, types.NewAppErrorWithDetails(
					types.LimitCodeFor(resource),
					"the current plan limit for this resource has been reached",
					nil,
					map[string]any{
						"resource":  string(resource),
						"current":   check.Current,
						"limit":     check.Limit,
						"after_add": check.AfterAdd,
					},
				))
				return
			}

			g.allow()
			g.notifyThresholds(sub, plan.Limits)
			next.ServeHTTP(w, r)
		})
	}
}

// notifyThresholds runs the throttle on a detached context so a slow
// delivery channel never holds up the request that crossed the threshold.
func (g *Gate) notifyThresholds(sub *types.Subscription, limits types.PlanLimits) {
	if g.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		snap, err := g.aggregator.Usage(ctx, sub.OrganizationID)
		if err != nil {
			g.logger.Warn("usage snapshot for threshold check failed",
				slog.String("organization_id", sub.OrganizationID),
				slog.String("error", err.Error()),
			)
			return
		}

		if err := g.notifier.CheckAndNotify(ctx, sub, g.aggregator.Report(snap, limits)); err != nil {
			g.logger.Warn("threshold notification check failed",
				slog.String("organization_id", sub.OrganizationID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// candidateAmount resolves how much the request would add to the resource.
func candidateAmount(r *http.Request, resource types.ResourceType) (int64, error) {
	if resource != types.ResourceStorage {
		return 1, nil
	}

	raw := r.Header.Get("X-Upload-Size")
	if raw == "" {
		if r.ContentLength > 0 {
			return r.ContentLength, nil
		}
		return 0, nil
	}

	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return 0, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"X-Upload-Size must be a non-negative byte count",
			err,
		)
	}
	return size, nil
}
