package service

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/validation"
)

type TagOperation string

const (
	TagAdd    TagOperation = "add"
	TagRemove TagOperation = "remove"
)

func (o TagOperation) Valid() bool {
	return o == TagAdd || o == TagRemove
}

const (
	maxBulkRecords  = 500
	bulkConcurrency = 4
)

var tagMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "birdtag_tag_mutations_total",
	Help: "Per-record tag mutations by operation and result",
}, []string{"operation", "result"})

type BulkFailure struct {
	RecordID string `json:"id"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// TagService applies manual tag edits through the conditional-write path.
type TagService struct {
	writer *MetadataWriter
	global bool
}

func NewTagService(writer *MetadataWriter, global bool) *TagService {
	return &TagService{writer: writer, global: global}
}

// Mutate adds delta to, or removes delta from, one species on one record.
func (s *TagService) Mutate(ctx context.Context, p model.Principal, recordID string, op TagOperation, species string, delta int) (*model.MediaRecord, error) {
	species = strings.TrimSpace(species)
	if err := validation.ValidateSpecies(species); err != nil {
		return nil, apperr.Validation("tags.mutate", "%v", err)
	}
	if delta < 1 {
		return nil, apperr.Validation("tags.mutate", "delta must be at least 1")
	}
	return s.apply(ctx, p, recordID, op, []validation.TagEntry{{Species: species, Count: delta}})
}

// BulkMutate applies the same entries to every record. Records are
// independent: one record failing never rolls back another.
func (s *TagService) BulkMutate(ctx context.Context, p model.Principal, recordIDs []string, op TagOperation, rawEntries []string) (*BulkResult, error) {
	if !op.Valid() {
		return nil, apperr.Validation("tags.bulk", "operation must be add or remove")
	}
	entries, err := validation.ParseTagEntries(rawEntries)
	if err != nil {
		return nil, apperr.Validation("tags.bulk", "%v", err)
	}

	ids := compactIDs(recordIDs)
	if len(ids) == 0 {
		return nil, apperr.Validation("tags.bulk", "at least one record id is required")
	}
	if len(ids) > maxBulkRecords {
		return nil, apperr.Validation("tags.bulk", "at most %d records per request", maxBulkRecords)
	}

	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			_, errs[i] = s.apply(ctx, p, id, op, entries)
			return nil
		})
	}
	_ = g.Wait()

	result := &BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for i, id := range ids {
		if errs[i] == nil {
			result.Succeeded = append(result.Succeeded, id)
			continue
		}
		result.Failed = append(result.Failed, BulkFailure{
			RecordID: id,
			Code:     string(apperr.KindOf(errs[i])),
			Reason:   apperr.Message(errs[i]),
		})
		if apperr.KindOf(errs[i]) == apperr.KindInternal {
			slog.Error("tag mutation failed", "record_id", id, "error", errs[i])
		}
	}
	return result, nil
}

func (s *TagService) apply(ctx context.Context, p model.Principal, recordID string, op TagOperation, entries []validation.TagEntry) (*model.MediaRecord, error) {
	if p.Anonymous() {
		return nil, apperr.Unauthorized("authentication required")
	}
	if !op.Valid() {
		return nil, apperr.Validation("tags.mutate", "operation must be add or remove")
	}

	rec, err := s.writer.Apply(ctx, recordID, func(r *model.MediaRecord) error {
		if !s.global && r.OwnerID != p.OwnerID {
			return apperr.NotFound("tags.mutate", "media record %s not found", recordID)
		}
		changed := false
		for _, e := range entries {
			switch op {
			case TagAdd:
				r.Tags.Add(e.Species, e.Count)
				changed = true
			case TagRemove:
				if _, ok := r.Tags[e.Species]; ok {
					r.Tags.Remove(e.Species, e.Count)
					changed = true
				}
			}
		}
		if !changed {
			return ErrNoChange
		}
		return nil
	})

	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	tagMutationsTotal.WithLabelValues(string(op), result).Inc()
	return rec, err
}

// compactIDs drops blanks and duplicates, keeping first-seen order.
func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
