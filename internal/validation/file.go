package validation

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/birdtag/birdtag/internal/model"
)

// MediaConstraints defines validation rules for one media type
type MediaConstraints struct {
	Type              model.FileType
	AllowedMimeTypes  map[string]bool
	AllowedExtensions map[string]bool
	MaxSize           int64
}

var (
	// ImageConstraints covers every format the thumbnailer can decode
	ImageConstraints = MediaConstraints{
		Type: model.FileTypeImage,
		AllowedMimeTypes: map[string]bool{
			"image/jpeg": true,
			"image/png":  true,
			"image/gif":  true,
			"image/webp": true,
			"image/bmp":  true,
			// net/http does not sniff TIFF
			"application/octet-stream": true,
		},
		AllowedExtensions: map[string]bool{
			".jpg":  true,
			".jpeg": true,
			".png":  true,
			".gif":  true,
			".webp": true,
			".bmp":  true,
			".tiff": true,
		},
		MaxSize: 20 << 20, // 20MB
	}

	AudioConstraints = MediaConstraints{
		Type: model.FileTypeAudio,
		AllowedMimeTypes: map[string]bool{
			"audio/wave":               true,
			"audio/mpeg":               true,
			"audio/aiff":               true,
			"application/ogg":          true,
			"video/mp4":                true, // m4a sniffs as mp4
			"application/octet-stream": true,
		},
		AllowedExtensions: map[string]bool{
			".wav":  true,
			".mp3":  true,
			".flac": true,
			".aac":  true,
			".ogg":  true,
			".m4a":  true,
			".wma":  true,
		},
		MaxSize: 100 << 20, // 100MB
	}

	VideoConstraints = MediaConstraints{
		Type: model.FileTypeVideo,
		AllowedMimeTypes: map[string]bool{
			"video/mp4":                true,
			"video/webm":               true,
			"video/avi":                true,
			"application/octet-stream": true,
		},
		AllowedExtensions: map[string]bool{
			".mp4":  true,
			".avi":  true,
			".mov":  true,
			".wmv":  true,
			".flv":  true,
			".webm": true,
			".mkv":  true,
		},
		MaxSize: 512 << 20, // 512MB
	}

	allConstraints = []MediaConstraints{ImageConstraints, AudioConstraints, VideoConstraints}
)

// ConstraintsForKey returns the constraint set whose extensions match key.
func ConstraintsForKey(key string) (MediaConstraints, bool) {
	ext := strings.ToLower(path.Ext(key))
	for _, c := range allConstraints {
		if c.AllowedExtensions[ext] {
			return c, true
		}
	}
	return MediaConstraints{}, false
}

// ValidateSize checks an object size reported by the store.
func (c MediaConstraints) ValidateSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid object size %d", size)
	}
	if size > c.MaxSize {
		maxMB := c.MaxSize / (1 << 20)
		return fmt.Errorf("file too large: maximum %s size is %d MB", c.Type, maxMB)
	}
	return nil
}

// ValidateUpload validates a multipart upload against the constraint set
// matching its extension and returns the media type.
func ValidateUpload(header *multipart.FileHeader) (model.FileType, error) {
	constraints, ok := ConstraintsForKey(header.Filename)
	if !ok {
		return "", fmt.Errorf("unsupported file extension: %s", strings.ToLower(path.Ext(header.Filename)))
	}

	// Check file size first (before reading content)
	if err := constraints.ValidateSize(header.Size); err != nil {
		return "", err
	}

	file, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Read first 512 bytes for magic number detection
	// http.DetectContentType reads max 512 bytes to determine MIME type
	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	// Detect actual content type from file content (magic numbers)
	// This cannot be faked by just changing Content-Type header
	detectedType := http.DetectContentType(buffer[:n])
	if !constraints.AllowedMimeTypes[detectedType] {
		return "", fmt.Errorf("invalid %s content (detected: %s)", constraints.Type, detectedType)
	}

	return constraints.Type, nil
}
