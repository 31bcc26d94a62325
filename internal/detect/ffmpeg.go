package detect

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// FrameGrabber extracts one still frame from a video.
type FrameGrabber interface {
	Frame(ctx context.Context, video []byte) ([]byte, error)
}

// FFmpegGrabber shells out to ffmpeg. The video is written to a temp file
// because most containers keep their index at the end and cannot be read
// from a pipe.
type FFmpegGrabber struct {
	Path   string
	Offset string // seek position, ffmpeg time syntax
}

func (g FFmpegGrabber) Frame(ctx context.Context, video []byte) ([]byte, error) {
	tmp, err := os.CreateTemp("", "birdtag-video-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(video); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	bin := g.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	offset := g.Offset
	if offset == "" {
		offset = "0"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, //nolint:gosec // binary from config, args fixed
		"-hide_banner", "-loglevel", "error",
		"-ss", offset,
		"-i", tmp.Name(),
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame")
	}
	return stdout.Bytes(), nil
}
