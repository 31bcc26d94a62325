package service

import (
	"context"
	"slices"
	"strings"

	"github.com/birdtag/birdtag/internal/model"
	"github.com/birdtag/birdtag/internal/repository"
)

// Stats summarizes the records visible to one caller.
type Stats struct {
	Records  int                    `json:"records"`
	ByStatus map[model.Status]int   `json:"byStatus"`
	ByType   map[model.FileType]int `json:"byType"`
	Species  []model.SpeciesStat    `json:"species"`
}

// SpeciesStats walks every record in the caller's scope and counts, per
// species, the records it was detected in, tagged in, or either.
func (s *QueryService) SpeciesStats(ctx context.Context, p model.Principal) (*Stats, error) {
	owner, err := s.scope(p)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByStatus: map[model.Status]int{},
		ByType:   map[model.FileType]int{},
		Species:  []model.SpeciesStat{},
	}
	bySpecies := map[string]*model.SpeciesStat{}
	entry := func(species string) *model.SpeciesStat {
		st, ok := bySpecies[species]
		if !ok {
			st = &model.SpeciesStat{Species: species}
			bySpecies[species] = st
		}
		return st
	}

	var after *repository.Cursor
	for {
		batch, err := s.store.Scan(ctx, repository.ScanParams{OwnerID: owner, After: after, Limit: scanBatchSize})
		if err != nil {
			return nil, err
		}

		for _, r := range batch {
			after = &repository.Cursor{CreatedNS: r.CreatedNS, ID: r.ID}
			stats.Records++
			stats.ByStatus[r.Status]++
			stats.ByType[r.FileType]++

			seen := map[string]bool{}
			for _, sp := range r.DetectedSpecies {
				entry(sp).Detected++
				seen[sp] = true
			}
			for sp := range r.Tags {
				entry(sp).Tagged++
				seen[sp] = true
			}
			for sp := range seen {
				entry(sp).Records++
			}
		}

		if len(batch) < scanBatchSize {
			break
		}
	}

	for _, st := range bySpecies {
		stats.Species = append(stats.Species, *st)
	}
	slices.SortFunc(stats.Species, func(a, b model.SpeciesStat) int {
		if a.Records != b.Records {
			return b.Records - a.Records
		}
		return strings.Compare(a.Species, b.Species)
	})
	return stats, nil
}
