package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// NotificationLogRepository is the dedupe ledger for notifications.
type NotificationLogRepository interface {
	// Claim records (contact, species, recordID) and reports whether this call
	// created the entry. Only the first claimant may deliver.
	Claim(ctx context.Context, contact, species, recordID string, at time.Time) (bool, error)
	DeleteByRecord(ctx context.Context, recordID string) error
}

type notificationLogRepository struct {
	db *sqlx.DB
}

func NewNotificationLogRepository(db *sqlx.DB) NotificationLogRepository {
	return &notificationLogRepository{db: db}
}

func (r *notificationLogRepository) Claim(ctx context.Context, contact, species, recordID string, at time.Time) (bool, error) {
	query := `
		INSERT INTO notification_log (contact, species, record_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contact, species, record_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, contact, species, recordID, at)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

func (r *notificationLogRepository) DeleteByRecord(ctx context.Context, recordID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notification_log WHERE record_id = $1`, recordID)
	return err
}
