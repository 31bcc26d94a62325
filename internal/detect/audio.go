package detect

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-audio/wav"

	"github.com/birdtag/birdtag/internal/model"
)

type AudioDetector struct {
	classifier *Classifier
	normalizer Normalizer
}

func NewAudioDetector(c *Classifier, n Normalizer) *AudioDetector {
	return &AudioDetector{classifier: c, normalizer: n}
}

func (d *AudioDetector) FileType() model.FileType { return model.FileTypeAudio }

func (d *AudioDetector) Detect(ctx context.Context, data []byte) (*Result, error) {
	duration, err := wavDuration(data)
	if err != nil {
		return nil, adapterErr(model.FileTypeAudio, "%w", err)
	}

	resp, err := d.classifier.classifyAudio(ctx, data)
	if err != nil {
		return nil, adapterErr(model.FileTypeAudio, "%w", err)
	}

	segments, err := d.normalizer.Segments(resp.Segments, duration)
	if err != nil {
		return nil, adapterErr(model.FileTypeAudio, "%w", err)
	}

	return &Result{Detection: model.Detection{Segments: segments}}, nil
}

// wavDuration returns the length of a WAV recording in seconds, or 0 for
// other containers, whose length the classifier alone knows.
func wavDuration(data []byte) (float64, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return 0, nil
	}

	if decoder.BitDepth != 8 && decoder.BitDepth != 16 && decoder.BitDepth != 24 && decoder.BitDepth != 32 {
		return 0, fmt.Errorf("unsupported WAV bit depth: %d", decoder.BitDepth)
	}

	d, err := decoder.Duration()
	if err != nil {
		return 0, fmt.Errorf("read WAV duration: %w", err)
	}
	return d.Seconds(), nil
}
