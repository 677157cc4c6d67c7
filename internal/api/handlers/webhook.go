package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewbase/internal/core"
	"crewbase/internal/external"
	"crewbase/internal/types"
)

// maxWebhookBodySize caps provider webhook payloads at 64 KB.
const maxWebhookBodySize = 64 * 1024

// errCodeInvalidSignature covers webhook payloads that fail signature
// verification. Local to the handler layer like the chassis JSON code.
const errCodeInvalidSignature types.ErrorCode = "validation_invalid_signature"

// Provider event types the handler acts on. Everything else is acknowledged
// and ignored.
const (
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoicePaid         = "invoice.paid"
	eventPaymentFailed       = "invoice.payment_failed"
)

// WebhookVerifier validates the payload signature and parses the event.
// Satisfied by the payment provider adapter.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (*types.ProviderEvent, error)
}

// StatusSyncer applies externally driven status transitions. Satisfied by the
// subscription lifecycle.
type StatusSyncer interface {
	UpdateStatus(ctx context.Context, subID string, newStatus types.SubscriptionStatus, reason string) (*types.Subscription, error)
}

// StripeWebhookHandler ingests asynchronous payment provider events. The
// route carries no identity headers; authenticity comes from the payload
// signature alone.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	syncer   StatusSyncer
	subs     SubscriptionReader
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates the webhook handler.
func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	syncer StatusSyncer,
	subs SubscriptionReader,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		syncer:   syncer,
		subs:     subs,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the governed
// route registrars so it mounts outside ActorMiddleware.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one provider event. Signature failures are rejected so the
// provider retries; processing failures after verification are logged and
// acknowledged, since retrying a bad event forever helps nobody.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		core.Error(w, r, types.NewAppError(
			errCodeInvalidSignature,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	event, err := h.verifier.VerifyWebhook(payload, signature)
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			errCodeInvalidSignature,
			"webhook signature verification failed",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing provider event",
		"event_type", event.Type,
		"organization_id", event.OrganizationID,
	)

	if err := h.routeEvent(r.Context(), event); err != nil {
		h.logger.ErrorContext(r.Context(), "provider event processing failed",
			"event_type", event.Type,
			"organization_id", event.OrganizationID,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *types.ProviderEvent) error {
	switch event.Type {
	case eventSubscriptionUpdated:
		status := external.MapProviderStatus(event.Status)
		if !status.Valid() {
			h.logger.WarnContext(ctx, "ignoring event with unmapped provider status",
				"provider_status", event.Status,
			)
			return nil
		}
		return h.applyStatus(ctx, event, status, "provider_subscription_updated")

	case eventSubscriptionDeleted:
		return h.applyStatus(ctx, event, types.SubStatusCancelled, "provider_subscription_deleted")

	case eventPaymentFailed:
		return h.applyStatus(ctx, event, types.SubStatusPastDue, "provider_payment_failed")

	case eventInvoicePaid:
		return h.handleInvoicePaid(ctx, event)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled provider event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// applyStatus resolves the local subscription for the event and applies the
// mapped status. Events for unknown organizations are logged and dropped.
func (h *StripeWebhookHandler) applyStatus(ctx context.Context, event *types.ProviderEvent, status types.SubscriptionStatus, reason string) error {
	sub, err := h.resolve(ctx, event)
	if err != nil || sub == nil {
		return err
	}

	if sub.Status == status {
		return nil
	}

	_, err = h.syncer.UpdateStatus(ctx, sub.ID, status, reason)
	return err
}

// handleInvoicePaid recovers past-due subscriptions once the provider
// confirms payment. Invoices for healthy subscriptions need no local change.
func (h *StripeWebhookHandler) handleInvoicePaid(ctx context.Context, event *types.ProviderEvent) error {
	sub, err := h.resolve(ctx, event)
	if err != nil || sub == nil {
		return err
	}

	if sub.Status != types.SubStatusPastDue {
		return nil
	}

	_, err = h.syncer.UpdateStatus(ctx, sub.ID, types.SubStatusActive, "provider_payment_recovered")
	return err
}

func (h *StripeWebhookHandler) resolve(ctx context.Context, event *types.ProviderEvent) (*types.Subscription, error) {
	if event.OrganizationID == "" {
		h.logger.WarnContext(ctx, "provider event carries no organization binding",
			"event_type", event.Type,
		)
		return nil, nil
	}

	sub, err := h.subs.GetByOrg(ctx, event.OrganizationID)
	if err != nil {
		return nil, err
	}

	// Stale events for a subscription the provider no longer owns are dropped.
	if event.ProviderSubID != "" && sub.ProviderSubID != "" && event.ProviderSubID != sub.ProviderSubID {
		h.logger.WarnContext(ctx, "provider subscription mismatch, dropping event",
			"event_provider_sub_id", event.ProviderSubID,
			"local_provider_sub_id", sub.ProviderSubID,
		)
		return nil, nil
	}

	return sub, nil
}
