package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdtag/birdtag/internal/markdown"
	"github.com/birdtag/birdtag/internal/model"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
	err  error
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func TestDispatchSubscriptionScenario(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}
	ctx := context.Background()

	subs := NewSubscriptionService(st.subs)
	_, created, err := subs.Subscribe(ctx, alice, "a@x.com", "Crow")
	require.NoError(t, err)
	assert.True(t, created)

	rec := s.image(t, st, "u1", []string{"Crow", "Pigeon"}, nil)

	notifier := &recordingNotifier{}
	d := NewNotificationDispatcher(st.subs, st.ledger, notifier)

	sent, err := d.Dispatch(ctx, rec, rec.DetectedSpecies)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// Redelivered event: the ledger already holds the claim.
	sent, err = d.Dispatch(ctx, rec, []string{"Crow", "Crow"})
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	require.Len(t, notifier.sent, 1)
	n := notifier.sent[0]
	assert.Equal(t, "a@x.com", n.Contact)
	assert.Equal(t, "Crow", n.Species)
	assert.Equal(t, rec.ID, n.RecordID)
	assert.Equal(t, rec.DerivedPath(), n.DerivedAssetPath)
}

func TestDispatchDeliveryFailureDoesNotFail(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}
	ctx := context.Background()

	subs := NewSubscriptionService(st.subs)
	_, _, err := subs.Subscribe(ctx, alice, "a@x.com", "Owl")
	require.NoError(t, err)
	_, _, err = subs.Subscribe(ctx, bob, "b@x.com", "Owl")
	require.NoError(t, err)

	rec := s.image(t, st, "u1", []string{"Owl"}, nil)
	broken := &recordingNotifier{err: errors.New("smtp down")}
	ok := &recordingNotifier{}

	sent, err := NewNotificationDispatcher(st.subs, st.ledger, broken, ok).Dispatch(ctx, rec, []string{"Owl"})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, broken.sent, 2)
	assert.Len(t, ok.sent, 2)
}

func TestDispatchConcurrentDuplicatesNotifyOnce(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false)
	s := &seeder{}
	ctx := context.Background()

	_, _, err := NewSubscriptionService(st.subs).Subscribe(ctx, alice, "a@x.com", "Crow")
	require.NoError(t, err)
	rec := s.image(t, st, "u1", []string{"Crow"}, nil)

	notifier := &recordingNotifier{}
	d := NewNotificationDispatcher(st.subs, st.ledger, notifier)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(ctx, rec, []string{"Crow"})
		}()
	}
	wg.Wait()

	assert.Len(t, notifier.sent, 1)
}

func TestEmailNotifierDevModeLogsOnly(t *testing.T) {
	t.Parallel()

	n := NewEmailNotifier("", "noreply@example.com", "http://localhost:8090/", "BirdTag", true)
	err := n.Notify(context.Background(), model.Notification{Contact: "a@x.com", Species: "Crow", RecordID: "r1", FileType: model.FileTypeImage})
	assert.NoError(t, err)
	assert.Equal(t, "email", n.Name())

	prod := NewEmailNotifier("", "noreply@example.com", "http://localhost:8090", "BirdTag", false)
	assert.Error(t, prod.Notify(context.Background(), model.Notification{Contact: "a@x.com"}))
}

func TestDetectionEmail(t *testing.T) {
	t.Parallel()

	msg, err := renderDetectionEmail(markdown.NewParser(), model.Notification{
		Species:      "Crow",
		FileType:     model.FileTypeVideo,
		OriginalPath: "uploads/u1/clip.mp4",
		DetectedAt:   seedClock,
	}, "http://app/api/v1/media/r1", "BirdTag")
	require.NoError(t, err)

	assert.Equal(t, "Crow spotted in a new video upload", msg.Subject)
	assert.Contains(t, msg.Text, "uploads/u1/clip.mp4")
	assert.Contains(t, msg.Text, "2026-05-01 12:00 UTC")
	assert.Contains(t, msg.Text, "The BirdTag Team")
	assert.NotContains(t, msg.Text, "subject:")
	assert.Contains(t, msg.HTML, `<a href="http://app/api/v1/media/r1">View the record</a>`)
	assert.Contains(t, msg.HTML, "<strong>Crow</strong>")
}
