package detect

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds the decoded size of an image when
// Thumbnailer.MaxPixels is unset.
const DefaultMaxPixels = 50_000_000

// Thumbnailer renders JPEG previews bounded by MaxEdge on the longest side.
// Images whose header declares more than MaxPixels pixels are refused
// before any pixel data is decoded.
type Thumbnailer struct {
	MaxEdge   int
	Quality   int
	MaxPixels int
}

func (t Thumbnailer) pixelBudget() int64 {
	if t.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return int64(t.MaxPixels)
}

// Bounds decodes only the image header and checks it against the pixel budget.
func (t Thumbnailer) Bounds(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	if n := int64(cfg.Width) * int64(cfg.Height); n > t.pixelBudget() {
		return 0, 0, fmt.Errorf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, t.pixelBudget())
	}
	return cfg.Width, cfg.Height, nil
}

// Render decodes data and returns the JPEG preview. Images already within
// MaxEdge are re-encoded without scaling.
func (t Thumbnailer) Render(data []byte) ([]byte, error) {
	if _, _, err := t.Bounds(data); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), t.MaxEdge)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: t.Quality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// fit scales (w, h) so the longest edge is at most maxEdge, keeping the
// aspect ratio and never upscaling.
func fit(w, h, maxEdge int) (int, int) {
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return max(w, 1), max(h, 1)
	}
	if w >= h {
		return maxEdge, max(h*maxEdge/w, 1)
	}
	return max(w*maxEdge/h, 1), maxEdge
}
