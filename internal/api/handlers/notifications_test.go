package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"crewbase/internal/core"
	"crewbase/internal/types"
)

// mockNotifRepo implements types.UsageNotificationRepository with function
// fields and recorded acknowledgements.
type mockNotifRepo struct {
	listFn   func(ctx context.Context, orgID string) ([]*types.UsageNotification, error)
	ackFn    func(ctx context.Context, orgID, notificationID string) error
	ackCalls [][2]string
}

func (m *mockNotifRepo) Insert(_ context.Context, _ *types.UsageNotification) (bool, error) {
	return true, nil
}

func (m *mockNotifRepo) Acknowledge(ctx context.Context, orgID, notificationID string) error {
	m.ackCalls = append(m.ackCalls, [2]string{orgID, notificationID})
	if m.ackFn != nil {
		return m.ackFn(ctx, orgID, notificationID)
	}
	return nil
}

func (m *mockNotifRepo) ListUnacknowledged(ctx context.Context, orgID string) ([]*types.UsageNotification, error) {
	if m.listFn != nil {
		return m.listFn(ctx, orgID)
	}
	return nil, nil
}

func (m *mockNotifRepo) DeleteBefore(_ context.Context, _ string, _ time.Time) (int64, error) {
	return 0, nil
}

func newNotificationsFixture(repo *mockNotifRepo) http.Handler {
	h := NewNotificationsHandler(repo, testLogger())
	r := chi.NewRouter()
	r.Use(core.ActorMiddleware)
	h.RegisterRoutes(r)
	return r
}

func TestListNotifications_ReturnsUnacknowledged(t *testing.T) {
	repo := &mockNotifRepo{
		listFn: func(_ context.Context, orgID string) ([]*types.UsageNotification, error) {
			return []*types.UsageNotification{
				{
					ID:             "unotif_1",
					OrganizationID: orgID,
					Resource:       types.ResourceUsers,
					Threshold:      types.ThresholdWarning,
					Percentage:     83,
				},
			}, nil
		},
	}
	router := newNotificationsFixture(repo)

	req := actorRequest(http.MethodGet, "/notifications/usage", "", types.RoleMember)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data []types.UsageNotification `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "unotif_1" {
		t.Errorf("unexpected list: %+v", resp.Data)
	}
}

func TestListNotifications_EmptyIsArray(t *testing.T) {
	router := newNotificationsFixture(&mockNotifRepo{})

	req := actorRequest(http.MethodGet, "/notifications/usage", "", types.RoleMember)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(resp.Data) != "[]" {
		t.Errorf("expected empty array, got %s", resp.Data)
	}
}

func TestAcknowledge_ScopedToOrganization(t *testing.T) {
	repo := &mockNotifRepo{}
	router := newNotificationsFixture(repo)

	req := actorRequest(http.MethodPost, "/notifications/usage/unotif_42/ack", "", types.RoleMember)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(repo.ackCalls) != 1 {
		t.Fatalf("expected 1 acknowledge call, got %d", len(repo.ackCalls))
	}
	if repo.ackCalls[0] != [2]string{"org-1", "unotif_42"} {
		t.Errorf("unexpected acknowledge scope: %v", repo.ackCalls[0])
	}
}

func TestAcknowledge_UnknownNotification(t *testing.T) {
	repo := &mockNotifRepo{
		ackFn: func(_ context.Context, _, _ string) error {
			return types.NewAppError(types.ErrCodeNotFoundNotification, "no such notification", nil)
		},
	}
	router := newNotificationsFixture(repo)

	req := actorRequest(http.MethodPost, "/notifications/usage/missing/ack", "", types.RoleMember)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
