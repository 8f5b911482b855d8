package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/onurcolak/insider-dispatch-service/internal/domain"
)

const credentialColumns = `id, tenant_id, routing_id, display_number, access_token, is_valid, invalid_reason,
		invalidated_at, quality_rating, messaging_limit, created_at, updated_at`

// CredentialRepository stores provider credentials. Rows are never deleted
// here; an unusable credential is flagged invalid instead.
type CredentialRepository struct {
	db *sqlx.DB
}

func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) GetByRoutingID(ctx context.Context, routingID string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM provider_credentials WHERE routing_id = ?`

	var credential domain.Credential
	if err := r.db.GetContext(ctx, &credential, query, routingID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &credential, nil
}

// Invalidate flags the credential for routingID as unusable. It reports
// whether a row was changed.
func (r *CredentialRepository) Invalidate(ctx context.Context, routingID, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE provider_credentials
		SET is_valid = FALSE, invalid_reason = ?, invalidated_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE routing_id = ?
	`

	result, err := r.db.ExecContext(ctx, query, reason, at, routingID)
	if err != nil {
		return false, fmt.Errorf("failed to invalidate credential: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows > 0, nil
}

func (r *CredentialRepository) ListValid(ctx context.Context, tenantID int64) ([]domain.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM provider_credentials
		WHERE tenant_id = ? AND is_valid = TRUE
		ORDER BY id ASC
	`

	var credentials []domain.Credential
	if err := r.db.SelectContext(ctx, &credentials, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	return credentials, nil
}
