package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewbase/internal/core"
	"crewbase/internal/types"
)

// NotificationsHandler serves the usage alert inbox: listing unacknowledged
// threshold notifications and marking them seen.
type NotificationsHandler struct {
	notifs types.UsageNotificationRepository
	logger *slog.Logger
}

// NewNotificationsHandler creates the handler.
func NewNotificationsHandler(notifs types.UsageNotificationRepository, l *slog.Logger) *NotificationsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &NotificationsHandler{notifs: notifs, logger: l}
}

// RegisterRoutes mounts the notification endpoints.
func (h *NotificationsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications/usage", h.List)
	r.Post("/notifications/usage/{notificationID}/ack", h.Acknowledge)
}

// List handles GET /v1/notifications/usage, newest first.
func (h *NotificationsHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := mustActor(w, r)
	if !ok {
		return
	}

	items, err := h.notifs.ListUnacknowledged(r.Context(), actor.OrganizationID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if items == nil {
		items = []*types.UsageNotification{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: items})
}

// Acknowledge handles POST /v1/notifications/usage/{notificationID}/ack.
// The organization scope in the repository call keeps one tenant from
// acknowledging another tenant's alerts.
func (h *NotificationsHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	actor, ok := mustActor(w, r)
	if !ok {
		return
	}

	notificationID := chi.URLParam(r, "notificationID")
	if notificationID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"notification ID is required",
			nil,
		))
		return
	}

	if err := h.notifs.Acknowledge(r.Context(), actor.OrganizationID, notificationID); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{"acknowledged": true}})
}
