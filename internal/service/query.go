package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
	"github.com/birdtag/birdtag/internal/validation"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	scanBatchSize = 200
	// scanBudget bounds the records examined per page; a sparse match set
	// yields a short page with a continuation token.
	scanBudget = 5000
)

var (
	searchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "birdtag_search_requests_total",
		Help: "Search requests by query shape",
	}, []string{"shape"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "birdtag_search_duration_seconds",
		Help:    "Search latency by query shape",
		Buckets: prometheus.DefBuckets,
	}, []string{"shape"})

	searchExamined = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdtag_search_records_examined",
		Help:    "Records examined per search page",
		Buckets: prometheus.ExponentialBuckets(10, 4, 7),
	})
)

// recordReader is the read side of the metadata store.
type recordReader interface {
	Scan(ctx context.Context, p repository.ScanParams) ([]*model.MediaRecord, error)
	ByDerivedPath(ctx context.Context, path string) (*model.MediaRecord, error)
}

type SearchPage struct {
	Results   []*model.MediaRecord `json:"results"`
	NextToken string               `json:"nextToken,omitempty"`
}

// Page selects one page of results.
type Page struct {
	Limit int
	Token string
}

// QueryService answers tag-count and species searches and resolves derived
// assets. Every call is scoped to the principal unless global is set.
type QueryService struct {
	store  recordReader
	cache  *ResolveCache
	global bool
}

func NewQueryService(store recordReader, cache *ResolveCache, global bool) *QueryService {
	return &QueryService{store: store, cache: cache, global: global}
}

// SearchAll returns records matching every (species, minCount) pair, where a
// record's count for a species is its manual tag count plus one if the
// species was detected.
func (s *QueryService) SearchAll(ctx context.Context, p model.Principal, counts map[string]int, page Page) (*SearchPage, error) {
	if len(counts) == 0 {
		return nil, apperr.Validation("search", "at least one species is required")
	}
	query := make(map[string]int, len(counts))
	for species, n := range counts {
		species = strings.TrimSpace(species)
		if err := validation.ValidateSpecies(species); err != nil {
			return nil, apperr.Validation("search", "%v", err)
		}
		if n < 1 {
			return nil, apperr.Validation("search", "minimum count for %s must be at least 1", species)
		}
		query[species] = max(query[species], n)
	}

	return s.search(ctx, "and", p, page, func(r *model.MediaRecord) bool {
		for species, n := range query {
			if r.EffectiveCount(species) < n {
				return false
			}
		}
		return true
	})
}

// SearchAny returns records in which at least one of the species was
// detected or tagged.
func (s *QueryService) SearchAny(ctx context.Context, p model.Principal, species []string, page Page) (*SearchPage, error) {
	if len(species) == 0 {
		return nil, apperr.Validation("search", "at least one species is required")
	}
	wanted := make([]string, 0, len(species))
	for _, sp := range species {
		sp = strings.TrimSpace(sp)
		if err := validation.ValidateSpecies(sp); err != nil {
			return nil, apperr.Validation("search", "%v", err)
		}
		wanted = append(wanted, sp)
	}

	return s.search(ctx, "or", p, page, func(r *model.MediaRecord) bool {
		return slices.ContainsFunc(wanted, func(sp string) bool {
			return r.EffectiveCount(sp) >= 1
		})
	})
}

// WithThumbnails returns detected records that have a stored preview.
func (s *QueryService) WithThumbnails(ctx context.Context, p model.Principal, page Page) (*SearchPage, error) {
	return s.search(ctx, "thumbnails", p, page, func(r *model.MediaRecord) bool {
		return r.Status == model.StatusDetected && r.DerivedAssetPath != nil
	})
}

func (s *QueryService) scope(p model.Principal) (string, error) {
	if p.Anonymous() {
		return "", apperr.Unauthorized("authentication required")
	}
	if s.global {
		return "", nil
	}
	return p.OwnerID, nil
}

func (s *QueryService) search(ctx context.Context, shape string, p model.Principal, page Page, match func(*model.MediaRecord) bool) (*SearchPage, error) {
	start := time.Now()
	searchTotal.WithLabelValues(shape).Inc()
	defer func() { searchDuration.WithLabelValues(shape).Observe(time.Since(start).Seconds()) }()

	owner, err := s.scope(p)
	if err != nil {
		return nil, err
	}

	limit, err := pageLimit(page.Limit)
	if err != nil {
		return nil, err
	}
	after, err := decodePageToken(page.Token)
	if err != nil {
		return nil, err
	}

	result := &SearchPage{Results: []*model.MediaRecord{}}
	examined := 0
	defer func() { searchExamined.Observe(float64(examined)) }()

	for {
		batch, err := s.store.Scan(ctx, repository.ScanParams{OwnerID: owner, After: after, Limit: scanBatchSize})
		if err != nil {
			return nil, err
		}

		for i, r := range batch {
			examined++
			after = &repository.Cursor{CreatedNS: r.CreatedNS, ID: r.ID}
			if match(r) {
				result.Results = append(result.Results, r)
			}

			more := i < len(batch)-1 || len(batch) == scanBatchSize
			if len(result.Results) == limit || examined >= scanBudget {
				if more {
					result.NextToken = encodePageToken(*after)
				}
				return result, nil
			}
		}

		if len(batch) < scanBatchSize {
			return result, nil
		}
	}
}

func pageLimit(n int) (int, error) {
	switch {
	case n == 0:
		return DefaultPageSize, nil
	case n < 0:
		return 0, apperr.Validation("search", "limit must be positive")
	case n > MaxPageSize:
		return MaxPageSize, nil
	}
	return n, nil
}

// Resolve maps a derived asset path back to the record that owns it.
func (s *QueryService) Resolve(ctx context.Context, p model.Principal, derivedPath string) (*Resolution, error) {
	owner, err := s.scope(p)
	if err != nil {
		return nil, err
	}
	derivedPath = strings.TrimSpace(derivedPath)
	if derivedPath == "" {
		return nil, apperr.Validation("resolve", "derivedAssetPath is required")
	}

	res, ok := s.cache.Get(derivedPath)
	if !ok {
		rec, err := s.store.ByDerivedPath(ctx, derivedPath)
		if err != nil {
			return nil, err
		}
		res = &Resolution{RecordID: rec.ID, OwnerID: rec.OwnerID, OriginalPath: rec.OriginalPath}
		s.cache.Set(derivedPath, res)
	}

	if owner != "" && res.OwnerID != owner {
		return nil, apperr.NotFound("resolve", "no record owns %s", derivedPath)
	}
	return res, nil
}
