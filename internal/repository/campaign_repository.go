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

const campaignColumns = `id, tenant_id, name, status, scheduled_at, started_at, completed_at, created_at, updated_at`

type CampaignRepository struct {
	db *sqlx.DB
}

func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = ?`

	var campaign domain.Campaign
	if err := r.db.GetContext(ctx, &campaign, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return &campaign, nil
}

// ListDue returns SCHEDULED campaigns whose scheduled time has arrived.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'SCHEDULED' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?
	`

	var campaigns []domain.Campaign
	if err := r.db.SelectContext(ctx, &campaigns, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}

	return campaigns, nil
}

// Claim atomically moves a SCHEDULED campaign to IN_PROGRESS. It reports
// false when another scheduler instance got there first.
func (r *CampaignRepository) Claim(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'IN_PROGRESS', started_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'SCHEDULED'
	`

	return r.conditionalUpdate(ctx, "claim", query, startedAt, id)
}

// Revert returns a claimed campaign to SCHEDULED so the next tick retries it.
func (r *CampaignRepository) Revert(ctx context.Context, id int64) error {
	query := `
		UPDATE campaigns
		SET status = 'SCHEDULED', started_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'IN_PROGRESS'
	`

	_, err := r.conditionalUpdate(ctx, "revert", query, id)
	return err
}

func (r *CampaignRepository) MarkCompleted(ctx context.Context, id int64, completedAt time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'COMPLETED', completed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'IN_PROGRESS'
	`

	return r.conditionalUpdate(ctx, "complete", query, completedAt, id)
}

func (r *CampaignRepository) MarkFailed(ctx context.Context, id int64, failedAt time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'FAILED', completed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'IN_PROGRESS'
	`

	return r.conditionalUpdate(ctx, "fail", query, failedAt, id)
}

func (r *CampaignRepository) conditionalUpdate(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s campaign: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows == 1, nil
}
