// Package core is the API chassis for the Crewbase governance service: a
// chi router with the cross-cutting middleware (request IDs, logging,
// recovery, security headers) and the subscription access gate that guards
// resource-mutating routes.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewbase/internal/billing"
	"crewbase/internal/cache"
	"crewbase/internal/config"
	"crewbase/internal/types"
)

// Deps bundles the domain services the HTTP layer depends on. Handlers and
// the gate read from here; nothing in core owns business state.
type Deps struct {
	Lifecycle  *billing.Lifecycle
	Aggregator *billing.Aggregator
	Throttle   *billing.Throttle
	Catalog    billing.PlanCatalog
	Loader     *cache.Loader
	Notifs     types.UsageNotificationRepository
	Provider   types.PaymentProvider
}

// Server encapsulates the HTTP surface: router, config, logger, validator,
// and the domain dependencies.
type Server struct {
	Config    *config.Config
	Deps      Deps
	Logger    *slog.Logger
	Validator *Validator
	Gate      *Gate

	// V1RouteRegistrars mount the governed /v1 routes; WebhookRegistrars
	// mount the signature-authenticated provider callbacks. The entry point
	// populates both, which keeps core free of handler imports.
	V1RouteRegistrars []func(chi.Router)
	WebhookRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer builds the server and its gate. Routes are mounted separately
// so tests can register a subset.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if deps.Loader == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("subscription loader and plan catalog are required")
	}

	// A typed nil throttle must stay out of the interface so the gate's
	// nil check holds.
	var notifier ThresholdNotifier
	if deps.Throttle != nil {
		notifier = deps.Throttle
	}

	return &Server{
		Config:    cfg,
		Deps:      deps,
		Logger:    logger,
		Validator: NewValidator(),
		Gate:      NewGate(deps.Loader, deps.Catalog, deps.Aggregator, notifier, logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server-held resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	s.Logger.Info("server shutdown complete")
	return nil
}
