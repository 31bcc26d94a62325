package repository

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/birdtag/birdtag/internal/model"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

type SubscriptionRepository interface {
	// Create stores sub; an existing (contact, species) pair is left as is
	// and reported with created=false.
	Create(ctx context.Context, sub *model.Subscription) (created bool, err error)
	Delete(ctx context.Context, contact, species string) error
	ByContact(ctx context.Context, contact string) ([]*model.Subscription, error)
	BySpecies(ctx context.Context, species string) ([]*model.Subscription, error)
}

type subscriptionRepository struct {
	db *sqlx.DB
}

func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *model.Subscription) (bool, error) {
	query := `
		INSERT INTO subscriptions (contact, species, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (contact, species) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, sub.Contact, sub.Species, sub.CreatedAt)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

func (r *subscriptionRepository) Delete(ctx context.Context, contact, species string) error {
	query := `DELETE FROM subscriptions WHERE contact = $1 AND species = $2`

	result, err := r.db.ExecContext(ctx, query, contact, species)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

func (r *subscriptionRepository) ByContact(ctx context.Context, contact string) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	query := `SELECT contact, species, created_at FROM subscriptions WHERE contact = $1 ORDER BY species`

	err := r.db.SelectContext(ctx, &subs, query, contact)
	if err != nil {
		return nil, err
	}

	return subs, nil
}

func (r *subscriptionRepository) BySpecies(ctx context.Context, species string) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	query := `SELECT contact, species, created_at FROM subscriptions WHERE species = $1 ORDER BY contact`

	err := r.db.SelectContext(ctx, &subs, query, species)
	if err != nil {
		return nil, err
	}

	return subs, nil
}
