package store

import (
	"context"
	"fmt"

	"github.com/peerbot/peerbot/internal/common/database"
)

// PgxRoleProvisioner creates and drops per-user database roles through the
// SECURITY DEFINER functions installed by the migrations.
type PgxRoleProvisioner struct {
	db *database.DB
}

// NewPgxRoleProvisioner creates a provisioner on the shared pool.
func NewPgxRoleProvisioner(db *database.DB) *PgxRoleProvisioner {
	return &PgxRoleProvisioner{db: db}
}

// CreateRole creates the role or resets its password when it already exists.
func (p *PgxRoleProvisioner) CreateRole(ctx context.Context, role, password string) error {
	if _, err := p.db.Exec(ctx, "SELECT app.create_user_role($1, $2)", role, password); err != nil {
		return fmt.Errorf("failed to create user role %s: %w", role, err)
	}
	return nil
}

// DropRole removes the role. Missing roles are a no-op inside the function.
func (p *PgxRoleProvisioner) DropRole(ctx context.Context, role string) error {
	if _, err := p.db.Exec(ctx, "SELECT app.drop_user_role($1)", role); err != nil {
		return fmt.Errorf("failed to drop user role %s: %w", role, err)
	}
	return nil
}
