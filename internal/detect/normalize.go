package detect

import (
	"fmt"
	"math"
	"strings"

	"github.com/birdtag/birdtag/internal/model"
)

// rawBox is one prediction as returned by an image or video classifier.
// Box coordinates are x1, y1, x2, y2, either normalized or in pixels.
type rawBox struct {
	Label      string     `json:"label"`
	Code       string     `json:"code,omitempty"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

type rawSegment struct {
	Label      string  `json:"label"`
	Code       string  `json:"code,omitempty"`
	Confidence float64 `json:"confidence"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
}

// Normalizer turns raw predictions into the unified schema.
type Normalizer struct {
	MinConfidence float64
}

// confidence validates and clamps c and reports whether it passes the threshold.
func (n Normalizer) confidence(c float64) (float64, bool, error) {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0, false, fmt.Errorf("confidence is not a finite number")
	}
	c = min(max(c, 0), 1)
	return c, c >= n.MinConfidence, nil
}

func label(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("prediction without label")
	}
	return s, nil
}

func code(provided, species string) string {
	if c := strings.TrimSpace(provided); c != "" {
		return strings.ToLower(c)
	}
	return SpeciesCode(species)
}

// Boxes normalizes image-space predictions. When width and height are
// positive the coordinates are pixels and are scaled into 0-1.
func (n Normalizer) Boxes(raw []rawBox, width, height int) ([]model.Box, error) {
	out := make([]model.Box, 0, len(raw))
	for i, r := range raw {
		conf, keep, err := n.confidence(r.Confidence)
		if err != nil {
			return nil, fmt.Errorf("box %d: %w", i, err)
		}
		name, err := label(r.Label)
		if err != nil {
			return nil, fmt.Errorf("box %d: %w", i, err)
		}

		bbox := r.Box
		if width > 0 && height > 0 {
			bbox[0] /= float64(width)
			bbox[2] /= float64(width)
			bbox[1] /= float64(height)
			bbox[3] /= float64(height)
		}
		if err := checkBBox(bbox); err != nil {
			return nil, fmt.Errorf("box %d: %w", i, err)
		}

		if !keep {
			continue
		}
		out = append(out, model.Box{
			Species:    name,
			Code:       code(r.Code, name),
			BBox:       bbox,
			Confidence: conf,
		})
	}
	return out, nil
}

func checkBBox(b [4]float64) error {
	for _, v := range b {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("bounding box %v outside the unit square", b)
		}
	}
	if b[0] > b[2] || b[1] > b[3] {
		return fmt.Errorf("bounding box %v is inverted", b)
	}
	return nil
}

// Segments normalizes audio predictions. A positive duration bounds the
// segment end times.
func (n Normalizer) Segments(raw []rawSegment, durationSec float64) ([]model.Segment, error) {
	out := make([]model.Segment, 0, len(raw))
	for i, r := range raw {
		conf, keep, err := n.confidence(r.Confidence)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		name, err := label(r.Label)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		if math.IsNaN(r.Start) || math.IsNaN(r.End) || r.Start < 0 || r.End < 0 {
			return nil, fmt.Errorf("segment %d: negative or invalid time range", i)
		}
		if r.Start > r.End {
			return nil, fmt.Errorf("segment %d: start %.3fs after end %.3fs", i, r.Start, r.End)
		}
		// allow for rounding in the model's time axis
		if durationSec > 0 && r.End > durationSec+0.5 {
			return nil, fmt.Errorf("segment %d: end %.3fs beyond audio length %.3fs", i, r.End, durationSec)
		}

		if !keep {
			continue
		}
		out = append(out, model.Segment{
			Species:    name,
			Code:       code(r.Code, name),
			StartSec:   r.Start,
			EndSec:     r.End,
			Confidence: conf,
		})
	}
	return out, nil
}
