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

const messageColumns = `id, tenant_id, campaign_id, direction, type, content, routing_id, recipient, status,
		provider_message_id, error_message, sent_at, failed_at, created_at, updated_at`

// MessageRepository handles database operations for messages.
type MessageRepository struct {
	db *sqlx.DB
}

func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`

	var message domain.Message
	if err := r.db.GetContext(ctx, &message, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &message, nil
}

// MarkAsSent moves a PENDING message to SENT. It returns
// domain.ErrAlreadyProcessed when the message is no longer PENDING.
func (r *MessageRepository) MarkAsSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error {
	query := `
		UPDATE messages
		SET status = 'SENT', provider_message_id = ?, sent_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'
	`

	result, err := r.db.ExecContext(ctx, query, providerMessageID, sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark message as sent: %w", err)
	}

	return expectOneRow(result, id)
}

// MarkAsFailed moves a PENDING message to FAILED with the captured error.
func (r *MessageRepository) MarkAsFailed(ctx context.Context, id int64, errorMessage string, failedAt time.Time) error {
	query := `
		UPDATE messages
		SET status = 'FAILED', error_message = ?, failed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'
	`

	result, err := r.db.ExecContext(ctx, query, errorMessage, failedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark message as failed: %w", err)
	}

	return expectOneRow(result, id)
}

func expectOneRow(result sql.Result, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("message %d: %w", id, domain.ErrAlreadyProcessed)
	}

	return nil
}

// ListPendingByCampaign returns the ids of the campaign's outbound messages
// still waiting to be sent.
func (r *MessageRepository) ListPendingByCampaign(ctx context.Context, campaignID int64) ([]int64, error) {
	query := `
		SELECT id
		FROM messages
		WHERE campaign_id = ? AND status = 'PENDING' AND direction = 'outbound'
		ORDER BY id ASC
	`

	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list pending campaign messages: %w", err)
	}

	return ids, nil
}

// GetStats returns statistics about messages.
func (r *MessageRepository) GetStats(ctx context.Context) (pending, sent, failed int64, err error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'SENT' THEN 1 ELSE 0 END), 0)    AS sent,
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)  AS failed
		FROM messages
	`

	var stats struct {
		Pending int64 `db:"pending"`
		Sent    int64 `db:"sent"`
		Failed  int64 `db:"failed"`
	}

	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get stats: %w", err)
	}

	return stats.Pending, stats.Sent, stats.Failed, nil
}
