package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"crewbase/internal/types"
)

// OrgBillingRepo implements external.CustomerDirectory against the
// organizations table. Only the billing columns are touched here; the rest
// of the organization record belongs to the platform.
type OrgBillingRepo struct {
	db DBTX
}

// NewOrgBillingRepo creates a new OrgBillingRepo.
func NewOrgBillingRepo(db DBTX) *OrgBillingRepo {
	return &OrgBillingRepo{db: db}
}

// GetBillingInfo returns the organization's payment customer ID and billing
// email. The customer ID is empty until one has been created.
func (r *OrgBillingRepo) GetBillingInfo(ctx context.Context, orgID string) (string, string, error) {
	var customerID, email *string
	err := r.db.QueryRow(ctx,
		`SELECT stripe_customer_id, billing_email FROM organizations
		 WHERE id = $1 AND deleted_at IS NULL`,
		orgID,
	).Scan(&customerID, &email)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", "", types.NewAppError(
				types.ErrCodeNotFoundOrg,
				"organization "+orgID+" not found",
				nil,
			)
		}
		return "", "", types.NewAppError(types.ErrCodeInternalDB, "failed to read organization billing info", err)
	}
	return derefOrEmpty(customerID), derefOrEmpty(email), nil
}

// SetCustomerID stores the payment customer ID for the organization.
func (r *OrgBillingRepo) SetCustomerID(ctx context.Context, orgID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE organizations SET stripe_customer_id = $2, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		orgID, customerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(
			types.ErrCodeNotFoundOrg,
			"organization "+orgID+" not found",
			nil,
		)
	}
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
