package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxSpeciesLength = 128

// TagEntry is one parsed "species,count" entry.
type TagEntry struct {
	Species string
	Count   int
}

// ValidateSpecies checks a species display name.
func ValidateSpecies(species string) error {
	if strings.TrimSpace(species) == "" {
		return errors.New("species is required")
	}
	if utf8.RuneCountInString(species) > maxSpeciesLength {
		return fmt.Errorf("species name is too long (max %d characters)", maxSpeciesLength)
	}
	return nil
}

// ParseTagEntries parses "species,count" strings. A missing count means 1.
// Repeated species are merged by summing their counts.
func ParseTagEntries(entries []string) ([]TagEntry, error) {
	if len(entries) == 0 {
		return nil, errors.New("at least one tag entry is required")
	}

	var out []TagEntry
	index := map[string]int{}
	for _, raw := range entries {
		species, countStr, hasCount := strings.Cut(raw, ",")
		species = strings.TrimSpace(species)
		if err := ValidateSpecies(species); err != nil {
			return nil, fmt.Errorf("entry %q: %w", raw, err)
		}

		count := 1
		if hasCount {
			n, err := strconv.Atoi(strings.TrimSpace(countStr))
			if err != nil {
				return nil, fmt.Errorf("entry %q: count must be an integer", raw)
			}
			count = n
		}
		if count < 1 {
			return nil, fmt.Errorf("entry %q: count must be at least 1", raw)
		}

		if i, ok := index[species]; ok {
			out[i].Count += count
			continue
		}
		index[species] = len(out)
		out = append(out, TagEntry{Species: species, Count: count})
	}

	return out, nil
}
