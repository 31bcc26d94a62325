package detect

import (
	"context"
	"math"

	"github.com/birdtag/birdtag/internal/model"
)

type VideoDetector struct {
	classifier  *Classifier
	normalizer  Normalizer
	thumbnailer Thumbnailer
	grabber     FrameGrabber
}

func NewVideoDetector(c *Classifier, n Normalizer, t Thumbnailer, g FrameGrabber) *VideoDetector {
	return &VideoDetector{classifier: c, normalizer: n, thumbnailer: t, grabber: g}
}

func (d *VideoDetector) FileType() model.FileType { return model.FileTypeVideo }

func (d *VideoDetector) Detect(ctx context.Context, data []byte) (*Result, error) {
	frame, err := d.grabber.Frame(ctx, data)
	if err != nil {
		return nil, adapterErr(model.FileTypeVideo, "%w", err)
	}
	width, height, err := d.thumbnailer.Bounds(frame)
	if err != nil {
		return nil, adapterErr(model.FileTypeVideo, "%w", err)
	}

	resp, err := d.classifier.classifyVideo(ctx, data)
	if err != nil {
		return nil, adapterErr(model.FileTypeVideo, "%w", err)
	}

	frames := make([]model.Frame, 0, len(resp.Frames))
	for _, f := range resp.Frames {
		if f.Index < 0 || math.IsNaN(f.Timestamp) || f.Timestamp < 0 {
			return nil, adapterErr(model.FileTypeVideo, "frame %d: invalid index or timestamp", f.Index)
		}
		w, h := pixelSpace(f.Detections, resp.Width, resp.Height, width, height)
		boxes, err := d.normalizer.Boxes(f.Detections, w, h)
		if err != nil {
			return nil, adapterErr(model.FileTypeVideo, "frame %d: %w", f.Index, err)
		}
		if len(boxes) == 0 {
			continue
		}
		frames = append(frames, model.Frame{
			Index:        f.Index,
			TimestampSec: f.Timestamp,
			Boxes:        boxes,
		})
	}

	preview, err := d.thumbnailer.Render(frame)
	if err != nil {
		return nil, adapterErr(model.FileTypeVideo, "preview: %w", err)
	}

	return &Result{
		Detection: model.Detection{Frames: frames},
		Preview:   preview,
	}, nil
}

