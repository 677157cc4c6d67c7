package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crewbase/internal/types"
)

func planRowValues(name string) []any {
	return []any{
		name,                       // name
		"Professional",             // display_name
		int64(50),                  // max_users
		int64(50),                  // max_projects
		int64(50 << 30),            // max_storage_bytes
		[]string{"api_access"},     // features
		int64(2900),                // monthly_price_cents
		int64(29900),               // annual_price_cents
	}
}

func TestPlanRepo_GetByName_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"professional"}).
		Return(&mockRow{values: planRowValues("professional")})

	plan, err := repo.GetByName(context.Background(), types.PlanProfessional)
	require.NoError(t, err)

	assert.Equal(t, types.PlanProfessional, plan.Name)
	assert.Equal(t, int64(50), plan.Limits.MaxUsers)
	assert.Equal(t, []types.Feature{types.FeatureAPIAccess}, plan.Features)
	assert.Equal(t, int64(2900), plan.MonthlyPriceCents)
}

func TestPlanRepo_GetByName_Unknown(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"platinum"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByName(context.Background(), types.PlanTier("platinum"))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPlan, appErr.Code)
}

func TestPlanRepo_List(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db)

	rows := newMockRows([][]any{
		planRowValues("starter"),
		planRowValues("professional"),
		planRowValues("enterprise"),
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	plans, err := repo.List(context.Background())
	require.NoError(t, err)

	require.Len(t, plans, 3)
	assert.Equal(t, types.PlanStarter, plans[0].Name)
	assert.Equal(t, types.PlanEnterprise, plans[2].Name)
}

func TestPlanRepo_Upsert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Upsert(context.Background(), &types.Plan{Name: types.PlanStarter})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
