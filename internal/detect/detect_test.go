package detect

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

const (
	imageURL = "http://classifier.test/v1/image"
	audioURL = "http://classifier.test/v1/audio"
	videoURL = "http://classifier.test/v1/video"
)

// newTestClassifier returns a classifier whose transport is mocked and whose
// retries do not sleep.
func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()

	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	c := NewClassifier(ClassifierConfig{ImageURL: imageURL, AudioURL: audioURL, VideoURL: videoURL}, client)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testWAV(t *testing.T, sampleRate, seconds int) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, sampleRate*seconds),
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

type fakeGrabber struct {
	frame []byte
	err   error
}

func (g fakeGrabber) Frame(ctx context.Context, video []byte) ([]byte, error) {
	return g.frame, g.err
}
