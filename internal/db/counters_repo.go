package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"crewbase/internal/types"
)

// CountersRepo implements types.UsageCounters by querying the platform's
// users, projects, and attachments tables directly. The governance engine
// treats these tables as read-only counters; it never writes to them.
//
// No caching happens here: counts back authorization decisions, so every
// check reads fresh.
type CountersRepo struct {
	db DBTX
}

// NewCountersRepo creates a new CountersRepo backed by the given database
// connection (pool or transaction).
func NewCountersRepo(db DBTX) *CountersRepo {
	return &CountersRepo{db: db}
}

// UserCount returns the number of active (non-deleted) users in the
// organization.
func (r *CountersRepo) UserCount(ctx context.Context, orgID string) (int64, error) {
	return r.count(ctx,
		`SELECT COUNT(*) FROM users
		 WHERE organization_id = $1 AND deleted_at IS NULL AND status = 'active'`,
		orgID, "failed to count users")
}

// ProjectCount returns the number of active projects in the organization.
func (r *CountersRepo) ProjectCount(ctx context.Context, orgID string) (int64, error) {
	return r.count(ctx,
		`SELECT COUNT(*) FROM projects
		 WHERE organization_id = $1 AND deleted_at IS NULL AND archived = FALSE`,
		orgID, "failed to count projects")
}

// StorageBytes returns the total size of active attachments for the
// organization. COALESCE guards the no-attachments case, where SUM is NULL.
func (r *CountersRepo) StorageBytes(ctx context.Context, orgID string) (int64, error) {
	return r.count(ctx,
		`SELECT COALESCE(SUM(filesize), 0) FROM attachments
		 WHERE organization_id = $1 AND deleted_at IS NULL`,
		orgID, "failed to sum attachment storage")
}

func (r *CountersRepo) count(ctx context.Context, query, orgID, failMsg string) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, query, orgID).Scan(&n); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, failMsg, err)
	}
	return n, nil
}

// DirectoryRepo implements types.OrgDirectory against the users table.
// The notification throttle uses it to resolve alert recipients.
type DirectoryRepo struct {
	db DBTX
}

// NewDirectoryRepo creates a new DirectoryRepo.
func NewDirectoryRepo(db DBTX) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

// AdminUserIDs returns the IDs of active users holding an admin-level role
// (owner or admin) in the organization.
func (r *DirectoryRepo) AdminUserIDs(ctx context.Context, orgID string) ([]string, error) {
	return r.userIDs(ctx,
		`SELECT id FROM users
		 WHERE organization_id = $1 AND deleted_at IS NULL AND status = 'active'
		   AND role IN ('owner', 'admin')
		 ORDER BY created_at ASC`,
		[]any{orgID}, "failed to list admin users")
}

// ActiveUserIDs returns up to limit active user IDs, oldest accounts first.
// This is the fallback audience when an organization has no resolvable admin.
func (r *DirectoryRepo) ActiveUserIDs(ctx context.Context, orgID string, limit int) ([]string, error) {
	return r.userIDs(ctx,
		`SELECT id FROM users
		 WHERE organization_id = $1 AND deleted_at IS NULL AND status = 'active'
		 ORDER BY created_at ASC
		 LIMIT $2`,
		[]any{orgID, limit}, "failed to list active users")
}

// UserEmail resolves a user ID to their address and display name for email
// delivery.
func (r *DirectoryRepo) UserEmail(ctx context.Context, userID string) (string, string, error) {
	var address, name string
	err := r.db.QueryRow(ctx,
		`SELECT email, display_name FROM users
		 WHERE id = $1 AND deleted_at IS NULL`,
		userID,
	).Scan(&address, &name)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", "", types.NewAppError(types.ErrCodeNotFoundOrg, "user "+userID+" not found", nil)
		}
		return "", "", types.NewAppError(types.ErrCodeInternalDB, "failed to look up user email", err)
	}
	return address, name, nil
}

func (r *DirectoryRepo) userIDs(ctx context.Context, query string, args []any, failMsg string) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, failMsg, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user rows", err)
	}
	return ids, nil
}
