package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "birdtag_notifications_total",
	Help: "Notification deliveries by channel and result",
}, []string{"channel", "result"})

// Notifier delivers one notification over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n model.Notification) error
}

// NotificationDispatcher fans detections out to subscribers. Each
// (contact, species, record) is claimed in the notification log before
// delivery, so duplicate ingest events never notify twice.
type NotificationDispatcher struct {
	subs      repository.SubscriptionRepository
	ledger    repository.NotificationLogRepository
	notifiers []Notifier
	now       func() time.Time
}

func NewNotificationDispatcher(subs repository.SubscriptionRepository, ledger repository.NotificationLogRepository, notifiers ...Notifier) *NotificationDispatcher {
	return &NotificationDispatcher{
		subs:      subs,
		ledger:    ledger,
		notifiers: notifiers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch notifies subscribers of each species newly detected in rec and
// returns the number of notifications handed to notifiers. Delivery errors
// are logged and counted, not returned; only store errors are.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, rec *model.MediaRecord, species []string) (int, error) {
	distinct := slices.Clone(species)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)

	sent := 0
	for _, sp := range distinct {
		if sp == "" {
			continue
		}
		subs, err := d.subs.BySpecies(ctx, sp)
		if err != nil {
			return sent, fmt.Errorf("load subscriptions for %s: %w", sp, err)
		}

		for _, sub := range subs {
			claimed, err := d.ledger.Claim(ctx, sub.Contact, sp, rec.ID, d.now())
			if err != nil {
				return sent, fmt.Errorf("claim notification: %w", err)
			}
			if !claimed {
				slog.Debug("notification already sent", "contact", sub.Contact, "species", sp, "record_id", rec.ID)
				continue
			}

			n := model.Notification{
				Contact:          sub.Contact,
				Species:          sp,
				RecordID:         rec.ID,
				OwnerID:          rec.OwnerID,
				FileType:         rec.FileType,
				OriginalPath:     rec.OriginalPath,
				DerivedAssetPath: rec.DerivedPath(),
				DetectedAt:       rec.UpdatedAt,
			}
			d.deliver(ctx, n)
			sent++
		}
	}
	return sent, nil
}

func (d *NotificationDispatcher) deliver(ctx context.Context, n model.Notification) {
	for _, notifier := range d.notifiers {
		err := notifier.Notify(ctx, n)
		if err != nil {
			notificationsTotal.WithLabelValues(notifier.Name(), "error").Inc()
			slog.Error("notification delivery failed",
				"channel", notifier.Name(),
				"contact", n.Contact,
				"species", n.Species,
				"record_id", n.RecordID,
				"error", err,
			)
			continue
		}
		notificationsTotal.WithLabelValues(notifier.Name(), "sent").Inc()
	}
}
