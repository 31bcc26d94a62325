// Package detect wraps the external species classifiers. Each media type has
// one Detector; all of them normalize model output into model.Detection and
// image/video detectors also render a JPEG preview.
package detect

import (
	"context"
	"fmt"
	"sync"

	"github.com/birdtag/birdtag/internal/apperr"
	"github.com/birdtag/birdtag/internal/model"
)

// Result is a normalized detection plus the optional preview asset.
type Result struct {
	Detection model.Detection
	Preview   []byte // JPEG, nil for audio
}

// Species returns the distinct species in the result.
func (r *Result) Species() model.SpeciesSet {
	return r.Detection.Species()
}

type Detector interface {
	FileType() model.FileType
	Detect(ctx context.Context, data []byte) (*Result, error)
}

// Registry selects a Detector by file type.
type Registry struct {
	mu        sync.RWMutex
	detectors map[model.FileType]Detector
}

func NewRegistry(detectors ...Detector) *Registry {
	r := &Registry{detectors: make(map[model.FileType]Detector)}
	for _, d := range detectors {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[d.FileType()] = d
}

func (r *Registry) For(t model.FileType) (Detector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.detectors[t]
	if !ok {
		return nil, apperr.Validation("detect", "no detector for file type %q", t)
	}
	return d, nil
}

// Detect runs the detector registered for t.
func (r *Registry) Detect(ctx context.Context, t model.FileType, data []byte) (*Result, error) {
	d, err := r.For(t)
	if err != nil {
		return nil, err
	}
	return d.Detect(ctx, data)
}

func adapterErr(t model.FileType, format string, args ...any) error {
	return apperr.Adapter("detect."+string(t), fmt.Errorf(format, args...))
}
