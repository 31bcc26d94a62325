package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/birdtag/birdtag/internal/model"
)

const (
	maxClassifierAttempts = 3
	maxResponseBytes      = 16 << 20
)

// ClassifierConfig holds one model endpoint per media type.
type ClassifierConfig struct {
	ImageURL string
	AudioURL string
	VideoURL string
	Timeout  time.Duration
}

// Classifier posts raw media bytes to the external recognition service.
// Network errors, 5xx and 429 responses are retried with exponential
// backoff; anything else fails on the first attempt.
type Classifier struct {
	client    *http.Client
	endpoints map[model.FileType]string
	// newBackOff is replaced in tests to avoid real sleeps
	newBackOff func() backoff.BackOff
}

func NewClassifier(cfg ClassifierConfig, client *http.Client) *Classifier {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Classifier{
		client: client,
		endpoints: map[model.FileType]string{
			model.FileTypeImage: cfg.ImageURL,
			model.FileTypeAudio: cfg.AudioURL,
			model.FileTypeVideo: cfg.VideoURL,
		},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// imageResponse is the classifier reply for a still image.
type imageResponse struct {
	Detections []rawBox `json:"detections"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
}

type rawFrame struct {
	Index      int      `json:"index"`
	Timestamp  float64  `json:"timestamp"`
	Detections []rawBox `json:"detections"`
}

type videoResponse struct {
	Frames []rawFrame `json:"frames"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
}

type audioResponse struct {
	Segments []rawSegment `json:"segments"`
}

// statusError is a non-2xx classifier response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("classifier returned %d: %s", e.Code, e.Body)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// classify posts data for t and decodes the JSON reply into out.
func (c *Classifier) classify(ctx context.Context, t model.FileType, data []byte, out any) error {
	url := c.endpoints[t]
	if url == "" {
		return fmt.Errorf("no classifier endpoint configured for %s", t)
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &statusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
			if retryableStatus(resp.StatusCode) {
				return serr
			}
			return backoff.Permanent(serr)
		}

		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("malformed classifier response: %w", err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxClassifierAttempts-1), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		slog.Warn("classifier call failed, retrying",
			"file_type", t,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		var serr *statusError
		if errors.As(err, &serr) {
			return err
		}
		return fmt.Errorf("classifier request after %d attempts: %w", attempt, err)
	}
	return nil
}

func (c *Classifier) classifyImage(ctx context.Context, data []byte) (*imageResponse, error) {
	var resp imageResponse
	if err := c.classify(ctx, model.FileTypeImage, data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Classifier) classifyVideo(ctx context.Context, data []byte) (*videoResponse, error) {
	var resp videoResponse
	if err := c.classify(ctx, model.FileTypeVideo, data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Classifier) classifyAudio(ctx context.Context, data []byte) (*audioResponse, error) {
	var resp audioResponse
	if err := c.classify(ctx, model.FileTypeAudio, data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
