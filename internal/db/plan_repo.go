package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"crewbase/internal/types"
)

// PlanRepo provides data access for the plans table. The table is small and
// read-mostly: plans are seeded at deploy time via Upsert and only change
// when pricing or limits are revised.
type PlanRepo struct {
	db DBTX
}

// NewPlanRepo creates a new PlanRepo backed by the given database connection
// (pool or transaction).
func NewPlanRepo(db DBTX) *PlanRepo {
	return &PlanRepo{db: db}
}

// GetByName returns the plan with the given name.
func (r *PlanRepo) GetByName(ctx context.Context, name types.PlanTier) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT name, display_name, max_users, max_projects, max_storage_bytes,
		        features, monthly_price_cents, annual_price_cents
		 FROM plans
		 WHERE name = $1`,
		string(name),
	)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(
				types.ErrCodeNotFoundPlan,
				fmt.Sprintf("plan %q is not defined", name),
				nil,
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load plan", err)
	}
	return plan, nil
}

// List returns all plans ordered by tier rank via the rank column.
func (r *PlanRepo) List(ctx context.Context) ([]*types.Plan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT name, display_name, max_users, max_projects, max_storage_bytes,
		        features, monthly_price_cents, annual_price_cents
		 FROM plans
		 ORDER BY rank ASC`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list plans", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		plan, scanErr := scanPlan(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan row", scanErr)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan rows", err)
	}

	return plans, nil
}

// Upsert inserts or replaces the plan definition keyed by name.
func (r *PlanRepo) Upsert(ctx context.Context, plan *types.Plan) error {
	features := make([]string, len(plan.Features))
	for i, f := range plan.Features {
		features[i] = string(f)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO plans
		 (name, rank, display_name, max_users, max_projects, max_storage_bytes,
		  features, monthly_price_cents, annual_price_cents, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 ON CONFLICT (name) DO UPDATE SET
			rank = EXCLUDED.rank,
			display_name = EXCLUDED.display_name,
			max_users = EXCLUDED.max_users,
			max_projects = EXCLUDED.max_projects,
			max_storage_bytes = EXCLUDED.max_storage_bytes,
			features = EXCLUDED.features,
			monthly_price_cents = EXCLUDED.monthly_price_cents,
			annual_price_cents = EXCLUDED.annual_price_cents,
			updated_at = NOW()`,
		string(plan.Name),
		plan.Name.Rank(),
		plan.DisplayName,
		plan.Limits.MaxUsers,
		plan.Limits.MaxProjects,
		plan.Limits.MaxStorageBytes,
		features,
		plan.MonthlyPriceCents,
		plan.AnnualPriceCents,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert plan", err)
	}
	return nil
}

// scanPlan scans a plan row from either a pgx.Row or pgx.Rows.
func scanPlan(row pgx.Row) (*types.Plan, error) {
	var (
		plan     types.Plan
		name     string
		features []string
	)
	err := row.Scan(
		&name,
		&plan.DisplayName,
		&plan.Limits.MaxUsers,
		&plan.Limits.MaxProjects,
		&plan.Limits.MaxStorageBytes,
		&features,
		&plan.MonthlyPriceCents,
		&plan.AnnualPriceCents,
	)
	if err != nil {
		return nil, err
	}

	plan.Name = types.PlanTier(name)
	plan.Features = make([]types.Feature, len(features))
	for i, f := range features {
		plan.Features[i] = types.Feature(f)
	}
	return &plan, nil
}
