package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypeAudio FileType = "audio"
	FileTypeVideo FileType = "video"
)

func (t FileType) Valid() bool {
	switch t {
	case FileTypeImage, FileTypeAudio, FileTypeVideo:
		return true
	}
	return false
}

// HasPreview reports whether objects of this type get a derived preview asset.
func (t FileType) HasPreview() bool {
	return t == FileTypeImage || t == FileTypeVideo
}

type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusDetected   Status = "detected"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusDetected || s == StatusFailed
}

// CanTransitionTo enforces the forward-only lifecycle
// uploaded → processing → detected|failed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusUploaded:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusDetected || next == StatusFailed
	}
	return false
}

// Predecessors lists the statuses a record may hold immediately before s,
// including s itself.
func (s Status) Predecessors() []Status {
	out := []Status{s}
	for _, from := range []Status{StatusUploaded, StatusProcessing, StatusDetected, StatusFailed} {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// MediaRecord is the unified metadata record for one uploaded object.
// ID is derived from (ObjectKey, ObjectVersion), see RecordID.
type MediaRecord struct {
	ID               string     `db:"id" json:"id"`
	OwnerID          string     `db:"owner_id" json:"ownerId"`
	ObjectKey        string     `db:"object_key" json:"objectKey"`
	ObjectVersion    string     `db:"object_version" json:"objectVersion"`
	SizeBytes        int64      `db:"size_bytes" json:"sizeBytes"`
	FileType         FileType   `db:"file_type" json:"fileType"`
	OriginalPath     string     `db:"original_path" json:"originalPath"`
	DerivedAssetPath *string    `db:"derived_asset_path" json:"derivedAssetPath"`
	DetectedSpecies  SpeciesSet `db:"detected_species" json:"detectedSpecies"`
	Detection        Detection  `db:"detection" json:"detection"`
	Tags             Tags       `db:"tags" json:"tags"`
	Status           Status     `db:"status" json:"status"`
	FailureReason    string     `db:"failure_reason" json:"failureReason,omitempty"`
	Version          int64      `db:"version" json:"version"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	CreatedNS        int64      `db:"created_ns" json:"-"` // keyset ordering key, CreatedAt in unix nanoseconds
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
	StatusChangedAt  time.Time  `db:"status_changed_at" json:"statusChangedAt"`
}

// SetDetection replaces the detection variant and recomputes DetectedSpecies.
func (r *MediaRecord) SetDetection(d Detection) {
	r.Detection = d
	r.DetectedSpecies = d.Species()
}

// EffectiveCount is the manual tag count plus one if the species was detected.
func (r *MediaRecord) EffectiveCount(species string) int {
	n := r.Tags[species]
	if r.DetectedSpecies.Contains(species) {
		n++
	}
	return n
}

func (r *MediaRecord) DerivedPath() string {
	if r.DerivedAssetPath == nil {
		return ""
	}
	return *r.DerivedAssetPath
}

func (r *MediaRecord) Clone() *MediaRecord {
	c := *r
	c.Tags = r.Tags.Clone()
	c.DetectedSpecies = slices.Clone(r.DetectedSpecies)
	c.Detection = r.Detection.Clone()
	if r.DerivedAssetPath != nil {
		p := *r.DerivedAssetPath
		c.DerivedAssetPath = &p
	}
	return &c
}

type Box struct {
	Species    string     `json:"species"`
	Code       string     `json:"code"`
	BBox       [4]float64 `json:"bbox"` // x1, y1, x2, y2, normalized 0-1
	Confidence float64    `json:"confidence"`
}

type Frame struct {
	Index        int     `json:"index"`
	TimestampSec float64 `json:"timestampSec"`
	Boxes        []Box   `json:"boxes"`
}

type Segment struct {
	Species    string  `json:"species"`
	Code       string  `json:"code"`
	StartSec   float64 `json:"startSec"`
	EndSec     float64 `json:"endSec"`
	Confidence float64 `json:"confidence"`
}

// Detection holds exactly one populated variant: Boxes for images, Frames for
// video, Segments for audio.
type Detection struct {
	Boxes    []Box     `json:"boxes,omitempty"`
	Frames   []Frame   `json:"frames,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

func (d Detection) Empty() bool {
	return len(d.Boxes) == 0 && len(d.Frames) == 0 && len(d.Segments) == 0
}

// Species returns the distinct species names in the detection, sorted.
func (d Detection) Species() SpeciesSet {
	seen := map[string]bool{}
	var out SpeciesSet
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, b := range d.Boxes {
		add(b.Species)
	}
	for _, f := range d.Frames {
		for _, b := range f.Boxes {
			add(b.Species)
		}
	}
	for _, s := range d.Segments {
		add(s.Species)
	}
	slices.Sort(out)
	return out
}

// CheckVariant returns an error if a variant other than the one matching t
// is populated.
func (d Detection) CheckVariant(t FileType) error {
	switch t {
	case FileTypeImage:
		if len(d.Frames) > 0 || len(d.Segments) > 0 {
			return fmt.Errorf("image detection carries frames or segments")
		}
	case FileTypeVideo:
		if len(d.Boxes) > 0 || len(d.Segments) > 0 {
			return fmt.Errorf("video detection carries top-level boxes or segments")
		}
	case FileTypeAudio:
		if len(d.Boxes) > 0 || len(d.Frames) > 0 {
			return fmt.Errorf("audio detection carries boxes or frames")
		}
	default:
		return fmt.Errorf("unknown file type %q", t)
	}
	return nil
}

func (d Detection) Clone() Detection {
	c := Detection{
		Boxes:    slices.Clone(d.Boxes),
		Segments: slices.Clone(d.Segments),
	}
	if d.Frames != nil {
		c.Frames = make([]Frame, len(d.Frames))
		for i, f := range d.Frames {
			f.Boxes = slices.Clone(f.Boxes)
			c.Frames[i] = f
		}
	}
	return c
}

func (d Detection) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Detection) Scan(src any) error {
	*d = Detection{}
	return scanJSON(src, d)
}

// Tags maps species to a manually curated, strictly positive count.
type Tags map[string]int

// Add increments species by delta, creating the entry if needed.
func (t Tags) Add(species string, delta int) {
	t[species] += delta
}

// Remove decrements species by delta, flooring at zero; zeroed entries are
// deleted.
func (t Tags) Remove(species string, delta int) {
	n := t[species] - delta
	if n <= 0 {
		delete(t, species)
		return
	}
	t[species] = n
}

func (t Tags) Clone() Tags {
	c := make(Tags, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]int(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (t *Tags) Scan(src any) error {
	m := map[string]int{}
	if err := scanJSON(src, &m); err != nil {
		return err
	}
	*t = Tags(m)
	return nil
}

// SpeciesSet is a sorted list of distinct species names.
type SpeciesSet []string

func (s SpeciesSet) Contains(species string) bool {
	_, ok := slices.BinarySearch(s, species)
	return ok
}

func (s SpeciesSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SpeciesSet) Scan(src any) error {
	var list []string
	if err := scanJSON(src, &list); err != nil {
		return err
	}
	slices.Sort(list)
	*s = SpeciesSet(list)
	return nil
}

func scanJSON(src any, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
