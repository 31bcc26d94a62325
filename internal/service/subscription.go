package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
	"github.com/birdtag/birdtag/internal/validation"
)

type SubscriptionService struct {
	repo repository.SubscriptionRepository
}

func NewSubscriptionService(repo repository.SubscriptionRepository) *SubscriptionService {
	return &SubscriptionService{repo: repo}
}

// Subscribe registers contact for species. Subscribing twice is not an
// error; created reports whether a new row was written.
func (s *SubscriptionService) Subscribe(ctx context.Context, p model.Principal, contact, species string) (*model.Subscription, bool, error) {
	const op = "subscription.subscribe"

	contact, species, err := s.check(op, p, contact, species)
	if err != nil {
		return nil, false, err
	}

	sub := &model.Subscription{
		Contact:   contact,
		Species:   species,
		CreatedAt: time.Now().UTC(),
	}
	created, err := s.repo.Create(ctx, sub)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create subscription: %w", err)
	}

	return sub, created, nil
}

func (s *SubscriptionService) Unsubscribe(ctx context.Context, p model.Principal, contact, species string) error {
	const op = "subscription.unsubscribe"

	contact, species, err := s.check(op, p, contact, species)
	if err != nil {
		return err
	}

	err = s.repo.Delete(ctx, contact, species)
	if errors.Is(err, repository.ErrSubscriptionNotFound) {
		return apperr.NotFound(op, "subscription not found")
	}
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// List returns the species contact is subscribed to.
func (s *SubscriptionService) List(ctx context.Context, p model.Principal, contact string) ([]*model.Subscription, error) {
	const op = "subscription.list"

	if p.Anonymous() {
		return nil, apperr.Unauthorized("authentication required")
	}
	contact = strings.TrimSpace(contact)
	if contact == "" {
		contact = p.Email
	}
	err := s.checkContact(op, p, contact)
	if err != nil {
		return nil, err
	}

	subs, err := s.repo.ByContact(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (s *SubscriptionService) check(op string, p model.Principal, contact, species string) (string, string, error) {
	if p.Anonymous() {
		return "", "", apperr.Unauthorized("authentication required")
	}

	contact = strings.TrimSpace(contact)
	err := s.checkContact(op, p, contact)
	if err != nil {
		return "", "", err
	}

	species = strings.TrimSpace(species)
	err = validation.ValidateSpecies(species)
	if err != nil {
		return "", "", apperr.Validation(op, "%v", err)
	}
	return contact, species, nil
}

// checkContact ties the contact to the caller's verified email when the
// token carries one.
func (s *SubscriptionService) checkContact(op string, p model.Principal, contact string) error {
	err := validation.ValidateEmail(contact)
	if err != nil {
		return apperr.Validation(op, "%v", err)
	}
	if p.Email != "" && !strings.EqualFold(p.Email, contact) {
		return apperr.Unauthorized("contact does not match the authenticated user")
	}
	return nil
}
