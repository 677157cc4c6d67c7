package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crewbase/internal/types"
)

func testNotification() *types.UsageNotification {
	return &types.UsageNotification{
		ID:                 "unotif_1",
		OrganizationID:     "org_1",
		Resource:           types.ResourceUsers,
		Threshold:          types.ThresholdWarning,
		CurrentUsage:       8,
		Limit:              10,
		Percentage:         80,
		NotifiedUserIDs:    []string{"user_owner"},
		BillingPeriodStart: dbTestNow.AddDate(0, 0, -15),
	}
}

func TestUsageNotificationRepo_Insert_Created(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageNotificationRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	created, err := repo.Insert(context.Background(), testNotification())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestUsageNotificationRepo_Insert_DuplicateLosesQuietly(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageNotificationRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, uniqueViolation())

	created, err := repo.Insert(context.Background(), testNotification())
	require.NoError(t, err, "losing the insert race is a normal outcome")
	assert.False(t, created)
}

func TestUsageNotificationRepo_Insert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageNotificationRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.Insert(context.Background(), testNotification())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestUsageNotificationRepo_Acknowledge_ScopedToOrg(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageNotificationRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"unotif_1", "org_1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.Acknowledge(context.Background(), "org_1", "unotif_1"))
	db.AssertExpectations(t)
}

func TestUsageNotificationRepo_Acknowledge_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageNotificationRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Acknowledge(context.Background(), "org_2", "unotif_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundNotification, appErr.Code)
}

func TestUsageNotificationRepo_ListUnacknowledged(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageNotificationRepo(db, nil)

	rows := newMockRows([][]any{
		{
			"unotif_2", "org_1", "projects", "critical",
			int64(5), int64(5), 100,
			[]string{"user_owner"}, dbTestNow.AddDate(0, 0, -15), false, dbTestNow,
		},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{"org_1"}).
		Return(rows, nil)

	list, err := repo.ListUnacknowledged(context.Background(), "org_1")
	require.NoError(t, err)

	require.Len(t, list, 1)
	assert.Equal(t, types.ResourceProjects, list[0].Resource)
	assert.Equal(t, types.ThresholdCritical, list[0].Threshold)
	assert.Equal(t, 100, list[0].Percentage)
	assert.False(t, list[0].Acknowledged)
}

func TestUsageNotificationRepo_DeleteBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageNotificationRepo(db, nil)

	periodStart := dbTestNow.AddDate(0, 0, -1)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"org_1", periodStart}).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)

	deleted, err := repo.DeleteBefore(context.Background(), "org_1", periodStart)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestUsageNotificationRepo_DeleteOlderThan(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUsageNotificationRepo(db, nil)

	cutoff := dbTestNow.AddDate(0, -3, 0)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{cutoff}).
		Return(pgconn.NewCommandTag("DELETE 42"), nil)

	deleted, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
	db.AssertExpectations(t)
}
