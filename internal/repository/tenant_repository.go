package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

type TenantRepository struct {
	db *sqlx.DB
}

func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) GetByID(ctx context.Context, id int64) (*domain.Tenant, error) {
	query := `SELECT id, name, status, created_at, updated_at FROM tenants WHERE id = ?`

	var tenant domain.Tenant
	if err := r.db.GetContext(ctx, &tenant, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	return &tenant, nil
}

// GetByRoutingID finds the tenant owning the credential for routingID.
func (r *TenantRepository) GetByRoutingID(ctx context.Context, routingID string) (*domain.Tenant, error) {
	query := `
		SELECT t.id, t.name, t.status, t.created_at, t.updated_at
		FROM tenants t
		JOIN provider_credentials c ON c.tenant_id = t.id
		WHERE c.routing_id = ?
	`

	var tenant domain.Tenant
	if err := r.db.GetContext(ctx, &tenant, query, routingID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve tenant by routing id: %w", err)
	}

	return &tenant, nil
}
