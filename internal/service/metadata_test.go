package service

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
)

// racingRepo bumps the stored version behind the writer's back before the
// first n updates, simulating concurrent writers.
type racingRepo struct {
	repository.MediaRepository
	mu    sync.Mutex
	races int
}

func (r *racingRepo) Update(ctx context.Context, rec *model.MediaRecord) error {
	r.mu.Lock()
	race := r.races > 0
	if race {
		r.races--
	}
	r.mu.Unlock()

	if race {
		other, err := r.MediaRepository.ByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		other.Tags.Add("Intruder", 1)
		if err := r.MediaRepository.Update(ctx, other); err != nil {
			return err
		}
	}
	return r.MediaRepository.Update(ctx, rec)
}

// flakyRepo fails the first n ByID calls with a broken connection.
type flakyRepo struct {
	repository.MediaRepository
	mu    sync.Mutex
	fails int
	calls int
}

func (r *flakyRepo) ByID(ctx context.Context, id string) (*model.MediaRecord, error) {
	r.mu.Lock()
	r.calls++
	fail := r.fails > 0
	if fail {
		r.fails--
	}
	r.mu.Unlock()

	if fail {
		return nil, driver.ErrBadConn
	}
	return r.MediaRepository.ByID(ctx, id)
}

func TestMetadataCreateDuplicate(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}

	rec := s.image(t, st, "u1", []string{"Crow"}, nil)

	dup := &model.MediaRecord{
		ID:           rec.ID,
		OwnerID:      "u1",
		ObjectKey:    rec.ObjectKey,
		FileType:     model.FileTypeImage,
		OriginalPath: rec.OriginalPath,
		Status:       model.StatusUploaded,
	}
	err := st.writer.Create(context.Background(), dup)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.ErrorIs(t, err, repository.ErrRecordExists)
}

func TestMetadataGetMissing(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)

	_, err := st.writer.Get(context.Background(), "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestMetadataUpdateStaleVersion(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}
	ctx := context.Background()

	rec := s.image(t, st, "u1", []string{"Crow"}, nil)
	stale := rec.Clone()

	rec.Tags.Add("Crow", 1)
	require.NoError(t, st.writer.Update(ctx, rec))
	assert.Equal(t, stale.Version+1, rec.Version)

	stale.Tags.Add("Pigeon", 1)
	err := st.writer.Update(ctx, stale)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	got, err := st.writer.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Tags{"Crow": 1}, got.Tags)
}

func TestMetadataUpdateRejectsWrongVariant(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}

	rec := s.image(t, st, "u1", []string{"Crow"}, nil)
	rec.Detection = model.Detection{Segments: []model.Segment{{Species: "Owl", EndSec: 1}}}

	err := st.writer.Update(context.Background(), rec)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestMetadataRefusesBackwardTransitions(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}
	ctx := context.Background()

	detected := s.image(t, st, "u1", []string{"Crow"}, nil)
	require.Equal(t, model.StatusDetected, detected.Status)

	_, err := st.writer.Apply(ctx, detected.ID, func(r *model.MediaRecord) error {
		r.Status = model.StatusProcessing
		return nil
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	direct := detected.Clone()
	direct.Status = model.StatusProcessing
	err = st.writer.Update(ctx, direct)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	failed := &model.MediaRecord{
		ID:           "failed-rec",
		OwnerID:      "u1",
		ObjectKey:    "uploads/u1/failed.jpg",
		FileType:     model.FileTypeImage,
		OriginalPath: "uploads/u1/failed.jpg",
		Status:       model.StatusUploaded,
	}
	require.NoError(t, st.writer.Create(ctx, failed))
	_, err = st.writer.Apply(ctx, failed.ID, func(r *model.MediaRecord) error {
		r.Status = model.StatusFailed
		return nil
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation), "uploaded may not skip processing")

	for _, next := range []model.Status{model.StatusProcessing, model.StatusFailed} {
		_, err = st.writer.Apply(ctx, failed.ID, func(r *model.MediaRecord) error {
			r.Status = next
			r.FailureReason = "classifier unavailable"
			return nil
		})
		require.NoError(t, err)
	}

	_, err = st.writer.Apply(ctx, failed.ID, func(r *model.MediaRecord) error {
		r.Status = model.StatusDetected
		return nil
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	stored, err := st.writer.Get(ctx, failed.ID)
	require.NoError(t, err)
	stored.Status = model.StatusDetected
	err = st.writer.Update(ctx, stored)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	got, err := st.writer.Get(ctx, detected.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDetected, got.Status)
	got, err = st.writer.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestMetadataApplyStampsStatusChange(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	ctx := context.Background()

	rec := &model.MediaRecord{
		ID:           "clock-rec",
		OwnerID:      "u1",
		ObjectKey:    "uploads/u1/clock.jpg",
		FileType:     model.FileTypeImage,
		OriginalPath: "uploads/u1/clock.jpg",
		Status:       model.StatusUploaded,
		CreatedAt:    seedClock,
	}
	require.NoError(t, st.writer.Create(ctx, rec))
	assert.Equal(t, seedClock, rec.StatusChangedAt)

	out, err := st.writer.Apply(ctx, rec.ID, func(r *model.MediaRecord) error {
		r.Status = model.StatusProcessing
		return nil
	})
	require.NoError(t, err)
	assert.True(t, out.StatusChangedAt.After(seedClock))

	tagged, err := st.writer.Apply(ctx, rec.ID, func(r *model.MediaRecord) error {
		r.Tags.Add("Crow", 1)
		return nil
	})
	require.NoError(t, err)
	assert.WithinDuration(t, out.StatusChangedAt, tagged.StatusChangedAt, time.Millisecond)
}

func TestMetadataApplyRetriesLostRace(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}
	ctx := context.Background()

	rec := s.image(t, st, "u1", nil, nil)

	racing := &racingRepo{MediaRepository: st.repo, races: 2}
	w := newTestWriter(racing, 3)

	out, err := w.Apply(ctx, rec.ID, func(r *model.MediaRecord) error {
		r.Tags.Add("Crow", 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.Tags{"Crow": 1, "Intruder": 2}, out.Tags)

	got, err := w.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Version, got.Version)
	assert.Equal(t, out.Tags, got.Tags)
}

func TestMetadataApplySurfacesConflictAfterRetries(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}

	rec := s.image(t, st, "u1", nil, nil)

	racing := &racingRepo{MediaRepository: st.repo, races: 10}
	w := newTestWriter(racing, 2)

	calls := 0
	_, err := w.Apply(context.Background(), rec.ID, func(r *model.MediaRecord) error {
		calls++
		r.Tags.Add("Crow", 1)
		return nil
	})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Equal(t, 3, calls)
}

func TestMetadataApplyNoChange(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}

	rec := s.image(t, st, "u1", nil, nil)
	out, err := st.writer.Apply(context.Background(), rec.ID, func(*model.MediaRecord) error {
		return ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, rec.Version, out.Version)
}

func TestMetadataRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}
	ctx := context.Background()

	rec := s.image(t, st, "u1", nil, nil)

	flaky := &flakyRepo{MediaRepository: st.repo, fails: 2}
	got, err := newTestWriter(flaky, 0).Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 3, flaky.calls)

	flaky = &flakyRepo{MediaRepository: st.repo, fails: 5}
	_, err = newTestWriter(flaky, 0).Get(ctx, rec.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindTransientStore))
	assert.Equal(t, transientStoreAttempts, flaky.calls)
}
