package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/birdtag/birdtag/internal/db/dbtest"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
)

var (
	alice = model.Principal{OwnerID: "u1", Email: "a@x.com"}
	bob   = model.Principal{OwnerID: "u2", Email: "b@x.com"}
)

type testStack struct {
	repo   repository.MediaRepository
	subs   repository.SubscriptionRepository
	ledger repository.NotificationLogRepository
	writer *MetadataWriter
	cache  *ResolveCache
	query  *QueryService
	tags   *TagService
}

func newTestStack(t *testing.T, global bool) *testStack {
	t.Helper()

	conn := dbtest.New(t)
	repo := repository.NewMediaRepository(conn)
	writer := newTestWriter(repo, 3)
	cache := NewResolveCache(100, time.Minute)

	return &testStack{
		repo:   repo,
		subs:   repository.NewSubscriptionRepository(conn),
		ledger: repository.NewNotificationLogRepository(conn),
		writer: writer,
		cache:  cache,
		query:  NewQueryService(writer, cache, global),
		tags:   NewTagService(writer, global),
	}
}

func newTestWriter(repo repository.MediaRepository, retries int) *MetadataWriter {
	w := NewMetadataWriter(repo, retries)
	w.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return w
}

var seedClock = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// seeder stores detected image records. Each record is one
// second newer than the previous one from the same seeder.
type seeder struct {
	mu sync.Mutex
	n  int
}

func (s *seeder) image(t *testing.T, st *testStack, owner string, boxes []string, tags model.Tags) *model.MediaRecord {
	t.Helper()

	s.mu.Lock()
	s.n++
	n := s.n
	s.mu.Unlock()

	key := fmt.Sprintf("uploads/%s/img-%03d.jpg", owner, n)
	rec := &model.MediaRecord{
		ID:            model.RecordID(key, "v1"),
		OwnerID:       owner,
		ObjectKey:     key,
		ObjectVersion: "v1",
		SizeBytes:     2048,
		FileType:      model.FileTypeImage,
		OriginalPath:  key,
		Tags:          tags,
		Status:        model.StatusProcessing,
		CreatedAt:     seedClock.Add(time.Duration(n) * time.Second),
	}
	require.NoError(t, st.writer.Create(context.Background(), rec))

	var d model.Detection
	for _, sp := range boxes {
		d.Boxes = append(d.Boxes, model.Box{Species: sp, Code: sp, BBox: [4]float64{0.1, 0.1, 0.5, 0.5}, Confidence: 0.9})
	}
	thumb := fmt.Sprintf("thumbnails/%s/%s.jpg", owner, rec.ID)

	out, err := st.writer.Apply(context.Background(), rec.ID, func(r *model.MediaRecord) error {
		r.Status = model.StatusDetected
		r.SetDetection(d)
		r.DerivedAssetPath = &thumb
		return nil
	})
	require.NoError(t, err)
	return out
}
