package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crewbase/internal/types"
)

var dbTestNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// subscriptionRowValues builds a fixture row matching subscriptionColumns.
func subscriptionRowValues(id, orgID string, status types.SubscriptionStatus) []any {
	return []any{
		id,                         // id
		orgID,                      // organization_id
		"professional",             // plan
		string(status),             // status
		"monthly",                  // billing_cycle
		dbTestNow.AddDate(0, 0, -15), // current_period_start
		dbTestNow.AddDate(0, 0, 15),  // current_period_end
		false,                      // cancel_at_period_end
		nil,                        // cancelled_at
		nil,                        // trial_start
		nil,                        // trial_end
		"stripe",                   // provider_name
		"sub_stripe_99",            // provider_subscription_id
		nil,                        // pending_plan
		nil,                        // pending_effective_date
		dbTestNow.AddDate(0, -2, 0), // created_at
		dbTestNow,                  // updated_at
	}
}

func TestSubscriptionRepo_GetByOrg_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	row := &mockRow{values: subscriptionRowValues("sub_1", "org_1", types.SubStatusActive)}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"org_1"}).Return(row)

	sub, err := repo.GetByOrg(context.Background(), "org_1")
	require.NoError(t, err)

	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, types.PlanProfessional, sub.Plan)
	assert.Equal(t, types.SubStatusActive, sub.Status)
	assert.Equal(t, types.CycleMonthly, sub.BillingCycle)
	assert.Equal(t, "stripe", sub.ProviderName)
	assert.Equal(t, "sub_stripe_99", sub.ProviderSubID)
	assert.Nil(t, sub.PendingChange)

	db.AssertExpectations(t)
}

func TestSubscriptionRepo_GetByOrg_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"org_missing"}).Return(row)

	_, err := repo.GetByOrg(context.Background(), "org_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepo_GetByID_ReconstructsPendingChange(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	values := subscriptionRowValues("sub_1", "org_1", types.SubStatusActive)
	values[13] = "starter"                    // pending_plan
	values[14] = dbTestNow.AddDate(0, 0, 15)  // pending_effective_date

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"sub_1"}).
		Return(&mockRow{values: values})

	sub, err := repo.GetByID(context.Background(), "sub_1")
	require.NoError(t, err)

	require.NotNil(t, sub.PendingChange)
	assert.Equal(t, types.PlanStarter, sub.PendingChange.NewPlan)
	assert.Equal(t, dbTestNow.AddDate(0, 0, 15), sub.PendingChange.EffectiveDate)
}

func TestSubscriptionRepo_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	sub := &types.Subscription{
		ID:             "sub_new",
		OrganizationID: "org_1",
		Plan:           types.PlanStarter,
		Status:         types.SubStatusActive,
		BillingCycle:   types.CycleMonthly,
	}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Create(context.Background(), sub))
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_Create_DuplicateOrgMapsToConflict(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	sub := &types.Subscription{ID: "sub_dup", OrganizationID: "org_1"}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, uniqueViolation())

	err := repo.Create(context.Background(), sub)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictAlreadySubscribed, appErr.Code)
}

func TestSubscriptionRepo_Update_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	sub := &types.Subscription{
		ID:     "sub_1",
		Plan:   types.PlanEnterprise,
		Status: types.SubStatusActive,
	}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.Update(context.Background(), sub))
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_Update_MissingRowIsNotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	sub := &types.Subscription{ID: "sub_missing"}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Update(context.Background(), sub)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepo_ListSweepable(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	rows := newMockRows([][]any{
		subscriptionRowValues("sub_a", "org_a", types.SubStatusActive),
		subscriptionRowValues("sub_b", "org_b", types.SubStatusTrialing),
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{dbTestNow}).
		Return(rows, nil)

	subs, err := repo.ListSweepable(context.Background(), dbTestNow)
	require.NoError(t, err)

	require.Len(t, subs, 2)
	assert.Equal(t, "sub_a", subs[0].ID)
	assert.Equal(t, types.SubStatusTrialing, subs[1].Status)
	assert.True(t, rows.closed)
}

func TestSubscriptionRepo_ListSweepable_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.ListSweepable(context.Background(), dbTestNow)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_AppendEvent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	ev := &types.SubscriptionEvent{
		ID:             "evt_1",
		SubscriptionID: "sub_1",
		OrganizationID: "org_1",
		FromStatus:     types.SubStatusActive,
		ToStatus:       types.SubStatusCancelled,
		FromPlan:       types.PlanProfessional,
		ToPlan:         types.PlanProfessional,
		Reason:         "immediate_cancel",
	}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.AppendEvent(context.Background(), ev))
	db.AssertExpectations(t)
}
