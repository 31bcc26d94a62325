package detect

import (
	"context"
	"slices"

	"github.com/birdtag/birdtag/internal/model"
)

type ImageDetector struct {
	classifier  *Classifier
	normalizer  Normalizer
	thumbnailer Thumbnailer
}

func NewImageDetector(c *Classifier, n Normalizer, t Thumbnailer) *ImageDetector {
	return &ImageDetector{classifier: c, normalizer: n, thumbnailer: t}
}

func (d *ImageDetector) FileType() model.FileType { return model.FileTypeImage }

func (d *ImageDetector) Detect(ctx context.Context, data []byte) (*Result, error) {
	width, height, err := d.thumbnailer.Bounds(data)
	if err != nil {
		return nil, adapterErr(model.FileTypeImage, "%w", err)
	}

	resp, err := d.classifier.classifyImage(ctx, data)
	if err != nil {
		return nil, adapterErr(model.FileTypeImage, "%w", err)
	}

	w, h := pixelSpace(resp.Detections, resp.Width, resp.Height, width, height)
	boxes, err := d.normalizer.Boxes(resp.Detections, w, h)
	if err != nil {
		return nil, adapterErr(model.FileTypeImage, "%w", err)
	}

	preview, err := d.thumbnailer.Render(data)
	if err != nil {
		return nil, adapterErr(model.FileTypeImage, "%w", err)
	}

	return &Result{
		Detection: model.Detection{Boxes: boxes},
		Preview:   preview,
	}, nil
}

// pixelSpace picks the dimensions boxes are expressed in: the size the
// model reports, else the decoded size when any coordinate exceeds 1, else
// none (already normalized).
func pixelSpace(raw []rawBox, reportedW, reportedH, decodedW, decodedH int) (int, int) {
	if reportedW > 0 && reportedH > 0 {
		return reportedW, reportedH
	}
	pixels := slices.ContainsFunc(raw, func(r rawBox) bool {
		return slices.ContainsFunc(r.Box[:], func(v float64) bool { return v > 1 })
	})
	if pixels {
		return decodedW, decodedH
	}
	return 0, 0
}
