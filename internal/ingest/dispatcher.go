// Package ingest drives uploaded objects through detection. Every object
// event is handled independently; the derived record id makes redelivery
// of the same event idempotent.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/detect"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
	"github.com/birdtag/birdtag/internal/service"
	"github.com/birdtag/birdtag/internal/storage"
	"github.com/birdtag/birdtag/internal/validation"
)

// Outcome is what happened to one event.
type Outcome string

const (
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeDetected  Outcome = "detected"
	OutcomeFailed    Outcome = "failed"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "birdtag_ingest_events_total",
		Help: "Object events by outcome",
	}, []string{"outcome"})
	detectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "birdtag_detection_duration_seconds",
		Help:    "Detection adapter latency by file type",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"file_type"})
	reclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birdtag_ingest_reclaims_total",
		Help: "Stale in-flight records taken over by a redelivered event",
	})
)

// Report summarizes the handling of one event.
type Report struct {
	ObjectKey string         `json:"objectKey"`
	RecordID  string         `json:"id,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Species   []string       `json:"species,omitempty"`
	Notified  int            `json:"notified,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Status    model.Status   `json:"status,omitempty"`
	FileType  model.FileType `json:"fileType,omitempty"`
}

// Notifier fans detections out to subscribers.
type Notifier interface {
	Dispatch(ctx context.Context, rec *model.MediaRecord, species []string) (int, error)
}

// Publisher announces finished detections to other systems.
type Publisher interface {
	PublishDetection(ctx context.Context, rec *model.MediaRecord) error
}

type Config struct {
	DetectionTimeout time.Duration
	StaleAfter       time.Duration
	Concurrency      int
}

type Dispatcher struct {
	writer    *service.MetadataWriter
	storage   storage.Storage
	registry  *detect.Registry
	notifier  Notifier
	publisher Publisher
	cfg       Config
	log       *slog.Logger
}

// NewDispatcher wires the pipeline. publisher may be nil.
func NewDispatcher(writer *service.MetadataWriter, store storage.Storage, registry *detect.Registry, notifier Notifier, publisher Publisher, cfg Config) *Dispatcher {
	if cfg.DetectionTimeout <= 0 {
		cfg.DetectionTimeout = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.DetectionTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		writer:    writer,
		storage:   store,
		registry:  registry,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		log:       slog.Default().With("component", "ingest"),
	}
}

// HandlePayload parses a raw notification body and handles its events.
func (d *Dispatcher) HandlePayload(ctx context.Context, body []byte) ([]Report, error) {
	events, err := ParseEvents(body)
	if err != nil {
		eventsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return nil, err
	}
	return d.HandleBatch(ctx, events), nil
}

// HandleBatch handles every event concurrently. One event failing never
// affects another; reports are returned in input order.
func (d *Dispatcher) HandleBatch(ctx context.Context, events []model.ObjectEvent) []Report {
	reports := make([]Report, len(events))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, ev := range events {
		g.Go(func() error {
			reports[i], _ = d.Handle(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	return reports
}

// Handle drives one object event to a terminal record state. The returned
// error explains rejected and failed outcomes; it is informational, the
// record already reflects it.
func (d *Dispatcher) Handle(ctx context.Context, ev model.ObjectEvent) (Report, error) {
	report, err := d.handle(ctx, ev)
	eventsTotal.WithLabelValues(string(report.Outcome)).Inc()

	attrs := []any{"object_key", ev.ObjectKey, "record_id", report.RecordID, "outcome", report.Outcome}
	switch report.Outcome {
	case OutcomeRejected:
		d.log.Warn("object event rejected", append(attrs, "error", err)...)
	case OutcomeFailed:
		d.log.Error("detection failed", append(attrs, "error", err)...)
	case OutcomeDetected:
		d.log.Info("detection stored", append(attrs, "species", report.Species, "notified", report.Notified)...)
	default:
		d.log.Debug("object event skipped", attrs...)
	}
	return report, err
}

func (d *Dispatcher) handle(ctx context.Context, ev model.ObjectEvent) (Report, error) {
	report := Report{ObjectKey: ev.ObjectKey, Outcome: OutcomeRejected}

	fileType, owner, err := ClassifyKey(ev.ObjectKey)
	if err != nil {
		report.Reason = apperr.Message(err)
		return report, err
	}
	report.FileType = fileType

	constraints, _ := validation.ConstraintsForKey(ev.ObjectKey)
	if err := constraints.ValidateSize(ev.SizeBytes); err != nil {
		report.Reason = err.Error()
		return report, apperr.Validation("ingest.size", "%v", err)
	}

	version := ev.ObjectVersion
	if version == "" {
		version = unversionedObject
	}

	rec := &model.MediaRecord{
		ID:            model.RecordID(ev.ObjectKey, version),
		OwnerID:       owner,
		ObjectKey:     ev.ObjectKey,
		ObjectVersion: version,
		SizeBytes:     ev.SizeBytes,
		FileType:      fileType,
		OriginalPath:  ev.ObjectKey,
		Status:        model.StatusUploaded,
	}
	report.RecordID = rec.ID

	rec, outcome, err := d.claim(ctx, rec)
	if err != nil || outcome != "" {
		report.Outcome = outcome
		if rec != nil {
			report.Status = rec.Status
		}
		if err != nil {
			report.Outcome = OutcomeFailed
			report.Reason = apperr.Message(err)
		}
		return report, err
	}

	final, applied, err := d.process(ctx, rec)
	if err != nil {
		reason := failureReason(err)
		failed, ferr := d.fail(context.WithoutCancel(ctx), rec.ID, reason)
		if ferr != nil {
			d.log.Error("failed to record detection failure", "record_id", rec.ID, "error", ferr)
		}
		report.Outcome = OutcomeFailed
		report.Reason = reason
		report.Status = model.StatusFailed
		if failed != nil {
			report.Status = failed.Status
		}
		return report, err
	}
	if !applied {
		// Another delivery finished this record first.
		report.Outcome = OutcomeDuplicate
		report.Status = final.Status
		return report, nil
	}

	report.Outcome = OutcomeDetected
	report.Status = final.Status
	report.Species = final.DetectedSpecies

	// Notification and publication are after-effects; neither fails ingest.
	if d.notifier != nil && len(final.DetectedSpecies) > 0 {
		report.Notified, err = d.notifier.Dispatch(ctx, final, final.DetectedSpecies)
		if err != nil {
			d.log.Error("notification dispatch failed", "record_id", final.ID, "error", err)
		}
	}
	if d.publisher != nil {
		if err := d.publisher.PublishDetection(ctx, final); err != nil {
			d.log.Warn("detection publish failed", "record_id", final.ID, "error", err)
		}
	}
	return report, nil
}

// claim creates the record, or takes over a stale in-flight one, and moves
// it to processing. A non-empty outcome means this event stops here; the
// returned record is then the stored one.
func (d *Dispatcher) claim(ctx context.Context, rec *model.MediaRecord) (*model.MediaRecord, Outcome, error) {
	err := d.writer.Create(ctx, rec)
	if err != nil && !errors.Is(err, repository.ErrRecordExists) {
		return nil, "", err
	}

	// Every decision is re-made on a fresh read so a concurrent tag edit
	// or a competing delivery cannot strand the record in uploaded.
	var outcome Outcome
	var reclaimed bool
	claimed, err := d.writer.Apply(ctx, rec.ID, func(r *model.MediaRecord) error {
		outcome, reclaimed = "", false
		now := d.writer.Now()
		switch {
		case r.Status == model.StatusUploaded:
			r.Status = model.StatusProcessing
			return nil
		case r.Status.Terminal():
			outcome = OutcomeDuplicate
		case now.Sub(r.StatusChangedAt) < d.cfg.StaleAfter:
			outcome = OutcomeInFlight
		default:
			// The worker that owned it is gone. Restarting the status clock
			// makes the conditional write admit exactly one redelivery.
			reclaimed = true
			r.StatusChangedAt = now
			return nil
		}
		return service.ErrNoChange
	})
	if err != nil {
		return nil, "", err
	}
	if reclaimed {
		reclaimsTotal.Inc()
		d.log.Warn("reclaimed stale record", "record_id", claimed.ID, "status", claimed.Status)
	}
	return claimed, outcome, nil
}

// process runs detection for a record in processing and writes the result.
// applied is false when the record left processing before the write.
func (d *Dispatcher) process(ctx context.Context, rec *model.MediaRecord) (final *model.MediaRecord, applied bool, err error) {
	data, err := d.storage.Read(ctx, rec.OriginalPath)
	if err != nil {
		return nil, false, fmt.Errorf("read object: %w", err)
	}

	res, err := d.detect(ctx, rec.FileType, data)
	if err != nil {
		return nil, false, err
	}

	var derived *string
	if rec.FileType.HasPreview() && len(res.Preview) > 0 {
		path := fmt.Sprintf("thumbnails/%s/%s.jpg", rec.OwnerID, rec.ID)
		if err := d.storage.Save(ctx, path, bytes.NewReader(res.Preview), "image/jpeg"); err != nil {
			return nil, false, fmt.Errorf("store preview: %w", err)
		}
		derived = &path
	}

	final, err = d.writer.Apply(ctx, rec.ID, func(r *model.MediaRecord) error {
		applied = false
		if r.Status != model.StatusProcessing {
			return service.ErrNoChange
		}
		applied = true
		r.Status = model.StatusDetected
		r.FailureReason = ""
		r.SetDetection(res.Detection)
		r.DerivedAssetPath = derived
		return nil
	})
	if derived != nil && (err != nil || (!applied && final.DerivedPath() != *derived)) {
		if delErr := d.storage.Delete(ctx, *derived); delErr != nil {
			d.log.Warn("failed to remove orphaned preview", "path", *derived, "error", delErr)
		}
	}
	if err != nil {
		return nil, false, err
	}
	return final, applied, nil
}

// detect runs the adapter under the detection timeout. On timeout the
// adapter goroutine is abandoned; its result is discarded.
func (d *Dispatcher) detect(ctx context.Context, t model.FileType, data []byte) (*detect.Result, error) {
	type outcome struct {
		res *detect.Result
		err error
	}

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DetectionTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		res, err := d.registry.Detect(dctx, t, data)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		detectDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
		if o.err == nil && o.res == nil {
			return nil, apperr.Adapter("ingest.detect", errors.New("detector returned no result"))
		}
		return o.res, o.err
	case <-dctx.Done():
		detectDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
		return nil, apperr.Adapter("ingest.detect", fmt.Errorf("detection timed out after %s", d.cfg.DetectionTimeout))
	}
}

// fail moves a processing record to failed and clears any detection output.
// The original object is kept.
func (d *Dispatcher) fail(ctx context.Context, id, reason string) (*model.MediaRecord, error) {
	return d.writer.Apply(ctx, id, func(r *model.MediaRecord) error {
		if r.Status != model.StatusProcessing {
			return service.ErrNoChange
		}
		r.Status = model.StatusFailed
		r.FailureReason = reason
		r.SetDetection(model.Detection{})
		r.DerivedAssetPath = nil
		return nil
	})
}

func failureReason(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindAdapter:
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Err != nil {
			return "detection failed: " + ae.Err.Error()
		}
		return "detection failed"
	case apperr.KindInternal:
		return err.Error()
	}
	return apperr.Message(err)
}
