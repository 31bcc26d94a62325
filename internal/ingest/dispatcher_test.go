package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/db/dbtest"
	"github.com/birdtag/birdtag/internal/detect"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
	"github.com/birdtag/birdtag/internal/service"
	"github.com/birdtag/birdtag/internal/storage"
)

type fakeDetector struct {
	fileType model.FileType
	calls    int
	mu       sync.Mutex
	detect   func(ctx context.Context, data []byte) (*detect.Result, error)
}

func (f *fakeDetector) FileType() model.FileType { return f.fileType }

func (f *fakeDetector) Detect(ctx context.Context, data []byte) (*detect.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.detect(ctx, data)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakePublisher) PublishDetection(_ context.Context, rec *model.MediaRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, rec.ID)
	return p.err
}

// taggingRepo lands a tag edit on the stored record just before the first
// conditional write, as a concurrent TagService call would.
type taggingRepo struct {
	repository.MediaRepository
	once sync.Once
}

func (r *taggingRepo) Update(ctx context.Context, rec *model.MediaRecord) error {
	var err error
	r.once.Do(func() {
		var other *model.MediaRecord
		other, err = r.MediaRepository.ByID(ctx, rec.ID)
		if err != nil {
			return
		}
		other.Tags.Add("Crow", 1)
		err = r.MediaRepository.Update(ctx, other)
	})
	if err != nil {
		return err
	}
	return r.MediaRepository.Update(ctx, rec)
}

type harness struct {
	writer    *service.MetadataWriter
	store     *storage.MemoryStorage
	notifier  *recordingNotifier
	publisher *fakePublisher
	image     *fakeDetector
	audio     *fakeDetector
	dispatch  *Dispatcher
}

func crowPair(context.Context, []byte) (*detect.Result, error) {
	return &detect.Result{
		Detection: model.Detection{Boxes: []model.Box{
			{Species: "Crow", Code: "crow", BBox: [4]float64{0.1, 0.1, 0.4, 0.5}, Confidence: 0.93},
			{Species: "Crow", Code: "crow", BBox: [4]float64{0.5, 0.2, 0.9, 0.6}, Confidence: 0.88},
		}},
		Preview: []byte("jpeg-thumb"),
	}, nil
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithRepo(t, cfg, nil)
}

// newHarnessWithRepo lets wrap interpose on the media repository the
// dispatcher writes through.
func newHarnessWithRepo(t *testing.T, cfg Config, wrap func(repository.MediaRepository) repository.MediaRepository) *harness {
	t.Helper()

	conn := dbtest.New(t)
	subs := repository.NewSubscriptionRepository(conn)
	_, _, err := service.NewSubscriptionService(subs).Subscribe(context.Background(), model.Principal{OwnerID: "u1", Email: "a@x.com"}, "a@x.com", "Crow")
	require.NoError(t, err)

	var media repository.MediaRepository = repository.NewMediaRepository(conn)
	if wrap != nil {
		media = wrap(media)
	}

	h := &harness{
		writer:    service.NewMetadataWriter(media, 3),
		store:     storage.NewMemoryStorage(),
		notifier:  &recordingNotifier{},
		publisher: &fakePublisher{},
		image:     &fakeDetector{fileType: model.FileTypeImage, detect: crowPair},
		audio: &fakeDetector{fileType: model.FileTypeAudio, detect: func(context.Context, []byte) (*detect.Result, error) {
			return &detect.Result{Detection: model.Detection{Segments: []model.Segment{
				{Species: "Owl", Code: "owl", StartSec: 0.5, EndSec: 1.5, Confidence: 0.7},
			}}}, nil
		}},
	}
	notify := service.NewNotificationDispatcher(subs, repository.NewNotificationLogRepository(conn), h.notifier)
	h.dispatch = NewDispatcher(h.writer, h.store, detect.NewRegistry(h.image, h.audio), notify, h.publisher, cfg)
	return h
}

func (h *harness) upload(t *testing.T, key string) model.ObjectEvent {
	t.Helper()
	require.NoError(t, h.store.Save(context.Background(), key, strings.NewReader("media-bytes"), "application/octet-stream"))
	return model.ObjectEvent{ObjectKey: key, ObjectVersion: "v1", SizeBytes: 11}
}

func TestHandleCrowPair(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second})
	ctx := context.Background()

	ev := h.upload(t, "uploads/u1/crow_pair.jpg")
	report, err := h.dispatch.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDetected, report.Outcome)
	assert.Equal(t, []string{"Crow"}, report.Species)
	assert.Equal(t, 1, report.Notified)

	rec, err := h.writer.Get(ctx, model.RecordID(ev.ObjectKey, "v1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusDetected, rec.Status)
	assert.Equal(t, "u1", rec.OwnerID)
	assert.Equal(t, model.SpeciesSet{"Crow"}, rec.DetectedSpecies)
	assert.Len(t, rec.Detection.Boxes, 2)
	assert.Equal(t, "thumbnails/u1/"+rec.ID+".jpg", rec.DerivedPath())

	thumb, err := h.store.Read(ctx, rec.DerivedPath())
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-thumb"), thumb)
	assert.Equal(t, "image/jpeg", h.store.ContentType(rec.DerivedPath()))

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "a@x.com", h.notifier.sent[0].Contact)
	assert.Equal(t, []string{rec.ID}, h.publisher.published)
}

func TestHandleDuplicateEvents(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second, Concurrency: 4})
	ctx := context.Background()

	ev := h.upload(t, "uploads/u1/crow_pair.jpg")
	reports := h.dispatch.HandleBatch(ctx, []model.ObjectEvent{ev, ev, ev, ev, ev})

	detected := 0
	for _, r := range reports {
		assert.Equal(t, model.RecordID(ev.ObjectKey, "v1"), r.RecordID)
		switch r.Outcome {
		case OutcomeDetected:
			detected++
		case OutcomeDuplicate, OutcomeInFlight:
		default:
			t.Errorf("unexpected outcome %s: %s", r.Outcome, r.Reason)
		}
	}
	assert.Equal(t, 1, detected)
	assert.Equal(t, 1, h.image.calls)
	assert.Len(t, h.notifier.sent, 1)

	// Late redelivery after the record is terminal.
	report, err := h.dispatch.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, report.Outcome)
	assert.Len(t, h.notifier.sent, 1)
}

func TestHandleAudioHasNoPreview(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second})
	ctx := context.Background()

	report, err := h.dispatch.Handle(ctx, h.upload(t, "uploads/u2/dawn.wav"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDetected, report.Outcome)

	rec, err := h.writer.Get(ctx, report.RecordID)
	require.NoError(t, err)
	assert.Nil(t, rec.DerivedAssetPath)
	assert.Len(t, rec.Detection.Segments, 1)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, []string{"uploads/u2/dawn.wav"}, h.store.Paths())
}

func TestHandleAdapterFailure(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second})
	h.image.detect = func(context.Context, []byte) (*detect.Result, error) {
		return nil, apperr.Adapter("detect.image", errors.New("classifier returned 500"))
	}
	ctx := context.Background()

	ev := h.upload(t, "uploads/u1/blurry.jpg")
	report, err := h.dispatch.Handle(ctx, ev)
	assert.True(t, apperr.IsKind(err, apperr.KindAdapter))
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Contains(t, report.Reason, "classifier returned 500")

	rec, err := h.writer.Get(ctx, report.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "classifier returned 500")
	assert.Empty(t, rec.DetectedSpecies)
	assert.Nil(t, rec.DerivedAssetPath)

	// The original stays in place.
	assert.Equal(t, []string{ev.ObjectKey}, h.store.Paths())
	assert.Empty(t, h.publisher.published)

	// Replaying the event does not retry a failed record.
	report, err = h.dispatch.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, report.Outcome)
	assert.Equal(t, model.StatusFailed, report.Status)
	assert.Equal(t, 1, h.image.calls)
}

func TestHandleDropsPreviewWhenRecordFailedElsewhere(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second})
	ctx := context.Background()
	ev := h.upload(t, "uploads/u1/crow_pair.jpg")
	id := model.RecordID(ev.ObjectKey, "v1")

	// A reclaiming delivery gives up on the record while this one is
	// still detecting.
	h.image.detect = func(ctx context.Context, data []byte) (*detect.Result, error) {
		if _, err := h.dispatch.fail(ctx, id, "detection failed: classifier returned 500"); err != nil {
			return nil, err
		}
		return crowPair(ctx, data)
	}

	report, err := h.dispatch.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, report.Outcome)
	assert.Equal(t, model.StatusFailed, report.Status)

	rec, err := h.writer.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Nil(t, rec.DerivedAssetPath)
	assert.Equal(t, []string{ev.ObjectKey}, h.store.Paths())
	assert.Empty(t, h.notifier.sent)
}

func TestHandleDetectionTimeout(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: 20 * time.Millisecond})
	h.image.detect = func(ctx context.Context, _ []byte) (*detect.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx := context.Background()

	report, err := h.dispatch.Handle(ctx, h.upload(t, "uploads/u1/slow.jpg"))
	assert.True(t, apperr.IsKind(err, apperr.KindAdapter))
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Contains(t, report.Reason, "timed out")

	rec, err := h.writer.Get(ctx, report.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
}

func TestHandleMissingObject(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second})
	ctx := context.Background()

	report, err := h.dispatch.Handle(ctx, model.ObjectEvent{ObjectKey: "uploads/u1/vanished.jpg", SizeBytes: 10})
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	assert.Equal(t, OutcomeFailed, report.Outcome)

	rec, err := h.writer.Get(ctx, model.RecordID("uploads/u1/vanished.jpg", unversionedObject))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 0, h.image.calls)
}

func TestHandleRejectsWithoutRecord(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second})
	ctx := context.Background()

	for _, ev := range []model.ObjectEvent{
		{ObjectKey: "uploads/u1/notes.txt", SizeBytes: 1},
		{ObjectKey: "loose.jpg", SizeBytes: 1},
		{ObjectKey: "uploads/u1/huge.jpg", SizeBytes: 21 << 20},
		{ObjectKey: "uploads/u1/negative.jpg", SizeBytes: -1},
	} {
		report, err := h.dispatch.Handle(ctx, ev)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), ev.ObjectKey)
		assert.Equal(t, OutcomeRejected, report.Outcome, ev.ObjectKey)

		_, err = h.writer.Get(ctx, model.RecordID(ev.ObjectKey, unversionedObject))
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound), ev.ObjectKey)
	}
}

func TestHandleStaleRecord(t *testing.T) {
	ctx := context.Background()

	seedProcessing := func(t *testing.T, h *harness, ev model.ObjectEvent) {
		t.Helper()
		rec := &model.MediaRecord{
			ID:            model.RecordID(ev.ObjectKey, ev.ObjectVersion),
			OwnerID:       "u1",
			ObjectKey:     ev.ObjectKey,
			ObjectVersion: ev.ObjectVersion,
			FileType:      model.FileTypeImage,
			OriginalPath:  ev.ObjectKey,
			Status:        model.StatusUploaded,
		}
		require.NoError(t, h.writer.Create(ctx, rec))
		rec.Status = model.StatusProcessing
		require.NoError(t, h.writer.Update(ctx, rec))
	}

	t.Run("in flight", func(t *testing.T) {
		h := newHarness(t, Config{DetectionTimeout: time.Second, StaleAfter: time.Hour})
		ev := h.upload(t, "uploads/u1/crow_pair.jpg")
		seedProcessing(t, h, ev)

		report, err := h.dispatch.Handle(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeInFlight, report.Outcome)
		assert.Equal(t, model.StatusProcessing, report.Status)
		assert.Equal(t, 0, h.image.calls)
	})

	t.Run("tag edits do not refresh the claim", func(t *testing.T) {
		h := newHarness(t, Config{DetectionTimeout: time.Second, StaleAfter: 50 * time.Millisecond})
		ev := h.upload(t, "uploads/u1/crow_pair.jpg")
		seedProcessing(t, h, ev)
		time.Sleep(60 * time.Millisecond)

		_, err := h.writer.Apply(ctx, model.RecordID(ev.ObjectKey, ev.ObjectVersion), func(r *model.MediaRecord) error {
			r.Tags.Add("Pigeon", 1)
			return nil
		})
		require.NoError(t, err)

		report, err := h.dispatch.Handle(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDetected, report.Outcome)
		assert.Equal(t, 1, h.image.calls)
	})

	t.Run("reclaimed", func(t *testing.T) {
		h := newHarness(t, Config{DetectionTimeout: time.Second, StaleAfter: time.Nanosecond})
		ev := h.upload(t, "uploads/u1/crow_pair.jpg")
		seedProcessing(t, h, ev)
		time.Sleep(time.Millisecond)

		report, err := h.dispatch.Handle(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDetected, report.Outcome)
		assert.Equal(t, 1, h.image.calls)
	})
}

func TestHandleClaimSurvivesConcurrentTagEdit(t *testing.T) {
	h := newHarnessWithRepo(t, Config{DetectionTimeout: time.Second, StaleAfter: time.Hour},
		func(inner repository.MediaRepository) repository.MediaRepository {
			return &taggingRepo{MediaRepository: inner}
		})
	ctx := context.Background()

	ev := h.upload(t, "uploads/u1/crow_pair.jpg")
	report, err := h.dispatch.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDetected, report.Outcome)
	assert.Equal(t, model.StatusDetected, report.Status)
	assert.Equal(t, 1, h.image.calls)

	rec, err := h.writer.Get(ctx, model.RecordID(ev.ObjectKey, "v1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusDetected, rec.Status)
	assert.Equal(t, model.Tags{"Crow": 1}, rec.Tags)
	assert.Equal(t, model.SpeciesSet{"Crow"}, rec.DetectedSpecies)
}

func TestReportStatusMatchesStoredRecord(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second, StaleAfter: time.Hour})
	ctx := context.Background()

	ev := h.upload(t, "uploads/u1/crow_pair.jpg")
	_, err := h.dispatch.Handle(ctx, ev)
	require.NoError(t, err)

	report, err := h.dispatch.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, report.Outcome)
	assert.Equal(t, model.StatusDetected, report.Status)
	assert.Equal(t, 1, h.image.calls)
}

func TestPublishFailureDoesNotFailIngest(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second})
	h.publisher.err = errors.New("broker offline")

	report, err := h.dispatch.Handle(context.Background(), h.upload(t, "uploads/u1/crow_pair.jpg"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDetected, report.Outcome)
}

func TestHandlePayload(t *testing.T) {
	h := newHarness(t, Config{DetectionTimeout: time.Second, Concurrency: 2})
	ctx := context.Background()

	h.upload(t, "uploads/u1/crow_pair.jpg")
	h.upload(t, "uploads/u2/dawn.wav")
	body := `{"Records":[
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":"uploads/u1/crow_pair.jpg","size":11,"versionId":"v1"}}},
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":"uploads/u2/dawn.wav","size":11,"versionId":"v1"}}},
		{"eventName":"s3:ObjectCreated:Put","s3":{"object":{"key":"uploads/u2/readme.md","size":11,"versionId":"v1"}}}
	]}`

	reports, err := h.dispatch.HandlePayload(ctx, []byte(body))
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, OutcomeDetected, reports[0].Outcome)
	assert.Equal(t, OutcomeDetected, reports[1].Outcome)
	assert.Equal(t, OutcomeRejected, reports[2].Outcome)

	_, err = h.dispatch.HandlePayload(ctx, []byte("not json"))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
