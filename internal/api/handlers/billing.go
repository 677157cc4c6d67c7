// Package handlers contains the HTTP handler implementations for the
// Crewbase governance API: subscription lifecycle actions, usage reporting,
// threshold notifications, and the payment provider webhook.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"crewbase/internal/billing"
	"crewbase/internal/core"
	"crewbase/internal/types"
)

// SubscriptionLifecycle is the handler-side contract for the subscription
// state machine. Defined locally so tests can mock the lifecycle without
// standing up repositories and a payment provider.
type SubscriptionLifecycle interface {
	Create(ctx context.Context, orgID string, plan types.PlanTier, cycle types.BillingCycle, billingEmail string) (*types.Subscription, error)
	Upgrade(ctx context.Context, orgID string, newPlan types.PlanTier) (*types.Subscription, int64, error)
	Downgrade(ctx context.Context, orgID string, newPlan types.PlanTier) (*types.Subscription, error)
	Cancel(ctx context.Context, orgID string, immediate bool) (*types.Subscription, error)
	StartTrial(ctx context.Context, orgID string) (*types.Subscription, error)
}

// UsageReader aggregates live usage against plan limits.
type UsageReader interface {
	Usage(ctx context.Context, orgID string) (types.UsageSnapshot, error)
	Report(snap types.UsageSnapshot, limits types.PlanLimits) []types.ResourceUsage
	CanAdd(ctx context.Context, sub *types.Subscription, limits types.PlanLimits, resource types.ResourceType, n int64) (types.LimitCheck, error)
}

// SubscriptionReader resolves the acting organization's subscription when the
// route is not behind the gate (the gate stores it in the context otherwise).
type SubscriptionReader interface {
	GetByOrg(ctx context.Context, orgID string) (*types.Subscription, error)
}

// SubscribeRequest is the body for POST /v1/billing/subscription.
type SubscribeRequest struct {
	Plan         string `json:"plan" validate:"required,plan_tier"`
	BillingCycle string `json:"billing_cycle" validate:"required,billing_cycle"`
	BillingEmail string `json:"billing_email" validate:"omitempty,email"`
}

// PlanChangeRequest is the body for upgrade and downgrade calls.
type PlanChangeRequest struct {
	Plan string `json:"plan" validate:"required,plan_tier"`
}

// CancelRequest is the body for POST /v1/billing/subscription/cancel.
type CancelRequest struct {
	Immediate bool `json:"immediate"`
}

// UpgradeResponse carries the switched subscription plus the informational
// proration amount for the remainder of the period.
type UpgradeResponse struct {
	Subscription   *types.Subscription `json:"subscription"`
	ProrationCents int64               `json:"proration_cents"`
}

// UsageResponse is the body for GET /v1/usage.
type UsageResponse struct {
	Plan      types.PlanTier        `json:"plan"`
	Resources []types.ResourceUsage `json:"resources"`
}

// BillingHandler serves subscription lifecycle and usage routes.
type BillingHandler struct {
	lifecycle SubscriptionLifecycle
	usage     UsageReader
	subs      SubscriptionReader
	catalog   billing.PlanCatalog
	gate      *core.Gate
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates the handler with its collaborators.
func NewBillingHandler(
	lifecycle SubscriptionLifecycle,
	usage UsageReader,
	subs SubscriptionReader,
	catalog billing.PlanCatalog,
	gate *core.Gate,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		lifecycle: lifecycle,
		usage:     usage,
		subs:      subs,
		catalog:   catalog,
		gate:      gate,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the billing and usage endpoints. Lifecycle mutations
// require an admin-level role; creating a subscription or starting a trial
// cannot run behind the active-subscription gate because neither exists yet.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireAdmin)
		r.Post("/billing/subscription", h.Subscribe)
		r.Post("/billing/trial", h.StartTrial)
		r.Post("/billing/subscription/upgrade", h.Upgrade)
		r.Post("/billing/subscription/downgrade", h.Downgrade)
		r.Post("/billing/subscription/cancel", h.Cancel)
	})

	r.Get("/billing/subscription", h.GetSubscription)
	r.Get("/billing/plans", h.ListPlans)

	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireActiveSubscription)
		r.Get("/usage", h.GetUsage)
		r.Get("/usage/check", h.CheckCapacity)
	})
}

// requireAdmin denies lifecycle mutations to non-admin members.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeOrganizationRequired,
				"request is not bound to an organization",
				nil,
			))
			return
		}
		if !actor.Role.IsAdmin() {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeRoleForbidden,
				"billing changes require an admin or owner role",
				nil,
			))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mustActor returns the actor bound by ActorMiddleware. The middleware
// guarantees presence on every governed route; the error path covers direct
// handler invocation in tests.
func mustActor(w http.ResponseWriter, r *http.Request) (types.Actor, bool) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeOrganizationRequired,
			"request is not bound to an organization",
			nil,
		))
	}
	return actor, ok
}

// Subscribe handles POST /v1/billing/subscription.
func (h *BillingHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	actor, ok := mustActor(w, r)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.lifecycle.Create(
		r.Context(),
		actor.OrganizationID,
		types.PlanTier(req.Plan),
		types.BillingCycle(req.BillingCycle),
		req.BillingEmail,
	)
	if err != nil {
		h.logger.WarnContext(r.Context(), "subscription create rejected",
			"organization_id", actor.OrganizationID,
			"plan", req.Plan,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sub})
}

// StartTrial handles POST /v1/billing/trial.
func (h *BillingHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	actor, ok := mustActor(w, r)
	if !ok {
		return
	}

	sub, err := h.lifecycle.StartTrial(r.Context(), actor.OrganizationID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sub})
}

// Upgrade handles POST /v1/billing/subscription/upgrade.
func (h *BillingHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	actor, ok := mustActor(w, r)
	if !ok {
		return
	}

	var req PlanChangeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, proration, err := h.lifecycle.Upgrade(r.Context(), actor.OrganizationID, types.PlanTier(req.Plan))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: UpgradeResponse{
		Subscription:   sub,
		ProrationCents: proration,
	}})
}

// Downgrade handles POST /v1/billing/subscription/downgrade. The switch is
// staged and applies at the next renewal.
func (h *BillingHandler) Downgrade(w http.ResponseWriter, r *http.Request) {
	actor, ok := mustActor(w, r)
	if !ok {
		return
	}

	var req PlanChangeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.lifecycle.Downgrade(r.Context(), actor.OrganizationID, types.PlanTier(req.Plan))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// Cancel handles POST /v1/billing/subscription/cancel.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := mustActor(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.lifecycle.Cancel(r.Context(), actor.OrganizationID, req.Immediate)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// GetSubscription handles GET /v1/billing/subscription.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := mustActor(w, r)
	if !ok {
		return
	}

	sub, err := h.subs.GetByOrg(r.Context(), actor.OrganizationID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// ListPlans handles GET /v1/billing/plans.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.catalog.List(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: plans})
}

// GetUsage handles GET /v1/usage. The gate has already resolved the
// subscription into the context.
func (h *BillingHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	sub, ok := core.GetSubscription(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSubscriptionRequired,
			"organization has no subscription",
			nil,
		))
		return
	}

	plan, err := h.catalog.GetPlan(r.Context(), sub.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	snap, err := h.usage.Usage(r.Context(), sub.OrganizationID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: UsageResponse{
		Plan:      sub.Plan,
		Resources: h.usage.Report(snap, plan.Limits),
	}})
}

// CheckCapacity handles GET /v1/usage/check?resource=users&amount=3. It
// answers whether the organization could add the given amount without
// crossing its plan limit.
func (h *BillingHandler) CheckCapacity(w http.ResponseWriter, r *http.Request) {
	sub, ok := core.GetSubscription(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSubscriptionRequired,
			"organization has no subscription",
			nil,
		))
		return
	}

	resource := types.ResourceType(r.URL.Query().Get("resource"))
	if !resource.Valid() {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"resource must be one of users, projects, storage",
			nil,
		))
		return
	}

	amount := int64(1)
	if raw := r.URL.Query().Get("amount"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"amount must be a non-negative integer",
				nil,
			))
			return
		}
		amount = parsed
	}

	plan, err := h.catalog.GetPlan(r.Context(), sub.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	check, err := h.usage.CanAdd(r.Context(), sub, plan.Limits, resource, amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: check})
}
