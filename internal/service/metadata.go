package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/db"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
)

// ErrNoChange aborts an Apply without writing. Apply returns the current
// record and a nil error.
var ErrNoChange = errors.New("no change")

const transientStoreAttempts = 3

var (
	storeConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birdtag_store_conflicts_total",
		Help: "Conditional writes that lost a version race",
	})
	storeRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birdtag_store_transient_retries_total",
		Help: "Store calls retried after a transient error",
	})
)

// MetadataWriter owns every write to media records. Writes are conditional
// on the record version; a lost race surfaces as a Conflict.
type MetadataWriter struct {
	repo               repository.MediaRepository
	maxConflictRetries int
	now                func() time.Time
	newBackOff         func() backoff.BackOff
}

func NewMetadataWriter(repo repository.MediaRepository, maxConflictRetries int) *MetadataWriter {
	return &MetadataWriter{
		repo:               repo,
		maxConflictRetries: max(maxConflictRetries, 0),
		now:                func() time.Time { return time.Now().UTC() },
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
}

// Now is the writer's clock, shared with callers that stamp records.
func (w *MetadataWriter) Now() time.Time {
	return w.now()
}

// retry runs fn, retrying transient store errors with exponential backoff.
func (w *MetadataWriter) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !db.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), transientStoreAttempts-1), ctx),
		func(err error, wait time.Duration) {
			storeRetriesTotal.Inc()
			slog.Warn("metadata store busy, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		})
	if err != nil && db.IsTransient(err) {
		return apperr.TransientStore(op, err)
	}
	return err
}

// Create inserts a new record at version 1. A record with the same id
// yields a Conflict wrapping repository.ErrRecordExists.
func (w *MetadataWriter) Create(ctx context.Context, rec *model.MediaRecord) error {
	now := w.now()
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedNS = rec.CreatedAt.UnixNano()
	rec.UpdatedAt = rec.CreatedAt
	rec.StatusChangedAt = rec.CreatedAt
	if rec.Tags == nil {
		rec.Tags = model.Tags{}
	}

	err := w.retry(ctx, "media.create", func() error {
		return w.repo.Create(ctx, rec)
	})
	if errors.Is(err, repository.ErrRecordExists) {
		return apperr.Wrap(apperr.KindConflict, "media.create", "record already exists", err)
	}
	return err
}

func (w *MetadataWriter) Get(ctx context.Context, id string) (*model.MediaRecord, error) {
	var rec *model.MediaRecord
	err := w.retry(ctx, "media.get", func() error {
		var err error
		rec, err = w.repo.ByID(ctx, id)
		return err
	})
	if errors.Is(err, repository.ErrMediaNotFound) {
		return nil, apperr.NotFound("media.get", "media record %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update writes rec if the stored version equals rec.Version and advances
// rec.Version. It does not retry on Conflict. A status the stored record may
// not move to is refused with a Validation error.
func (w *MetadataWriter) Update(ctx context.Context, rec *model.MediaRecord) error {
	if err := rec.Detection.CheckVariant(rec.FileType); err != nil {
		return apperr.Validation("media.update", "%v", err)
	}
	for species, n := range rec.Tags {
		if n <= 0 {
			delete(rec.Tags, species)
		}
	}
	rec.UpdatedAt = w.now()

	err := w.retry(ctx, "media.update", func() error {
		return w.repo.Update(ctx, rec)
	})
	switch {
	case errors.Is(err, repository.ErrVersionConflict):
		storeConflictsTotal.Inc()
		return apperr.Conflict("media.update", err)
	case errors.Is(err, repository.ErrBadTransition):
		return apperr.Validation("media.update", "record %s may not move to status %s", rec.ID, rec.Status)
	case errors.Is(err, repository.ErrMediaNotFound):
		return apperr.NotFound("media.update", "media record %s not found", rec.ID)
	case errors.Is(err, repository.ErrDuplicatePath):
		return apperr.Wrap(apperr.KindConflict, "media.update", "derived asset path already in use", err)
	}
	return err
}

// Apply reads the record, lets fn mutate a copy and writes it back
// conditionally. Lost races re-read and re-run fn, up to the configured
// number of retries. fn may return ErrNoChange to skip the write. A status
// change outside the record lifecycle is refused with a Validation error.
func (w *MetadataWriter) Apply(ctx context.Context, id string, fn func(*model.MediaRecord) error) (*model.MediaRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= w.maxConflictRetries; attempt++ {
		current, err := w.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return nil, err
		}
		if next.Status != current.Status && !current.Status.CanTransitionTo(next.Status) {
			return nil, apperr.Validation("media.update", "record %s may not move from %s to %s", id, current.Status, next.Status)
		}

		err = w.Update(ctx, next)
		if err == nil {
			if next.Status != current.Status {
				next.StatusChangedAt = next.UpdatedAt
			}
			return next, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}

		lastErr = err
		slog.Debug("version conflict, re-reading", "record_id", id, "attempt", attempt+1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (w *MetadataWriter) ByDerivedPath(ctx context.Context, path string) (*model.MediaRecord, error) {
	var rec *model.MediaRecord
	err := w.retry(ctx, "media.resolve", func() error {
		var err error
		rec, err = w.repo.ByDerivedPath(ctx, path)
		return err
	})
	if errors.Is(err, repository.ErrMediaNotFound) {
		return nil, apperr.NotFound("media.resolve", "no record owns %s", path)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Scan reads one keyset batch.
func (w *MetadataWriter) Scan(ctx context.Context, p repository.ScanParams) ([]*model.MediaRecord, error) {
	var records []*model.MediaRecord
	err := w.retry(ctx, "media.scan", func() error {
		var err error
		records, err = w.repo.Scan(ctx, p)
		return err
	})
	return records, err
}

func (w *MetadataWriter) Delete(ctx context.Context, id string) error {
	err := w.retry(ctx, "media.delete", func() error {
		return w.repo.Delete(ctx, id)
	})
	if errors.Is(err, repository.ErrMediaNotFound) {
		return apperr.NotFound("media.delete", "media record %s not found", id)
	}
	return err
}
