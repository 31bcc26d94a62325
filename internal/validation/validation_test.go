package validation

import (
	"bytes"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birdtag/birdtag/internal/model"
)

func TestConstraintsForKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want model.FileType
		ok   bool
	}{
		{"uploads/u1/crow_pair.jpg", model.FileTypeImage, true},
		{"uploads/u1/CROW.JPEG", model.FileTypeImage, true},
		{"uploads/u1/dawn.wav", model.FileTypeAudio, true},
		{"uploads/u1/clip.MP4", model.FileTypeVideo, true},
		{"uploads/u1/notes.pdf", "", false},
		{"uploads/u1/noext", "", false},
	}

	for _, tt := range tests {
		c, ok := ConstraintsForKey(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.want, c.Type, tt.key)
	}
}

func TestValidateSize(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ImageConstraints.ValidateSize(1024))
	assert.Error(t, ImageConstraints.ValidateSize(ImageConstraints.MaxSize+1))
	assert.Error(t, AudioConstraints.ValidateSize(-1))
}

func TestParseTagEntries(t *testing.T) {
	t.Parallel()

	entries, err := ParseTagEntries([]string{"Crow,2", " Pigeon , 1", "Owl", "Crow,1"})
	require.NoError(t, err)
	assert.Equal(t, []TagEntry{
		{Species: "Crow", Count: 3},
		{Species: "Pigeon", Count: 1},
		{Species: "Owl", Count: 1},
	}, entries)

	for _, bad := range [][]string{nil, {",2"}, {"Crow,zero"}, {"Crow,0"}, {"Crow,-1"}} {
		_, err := ParseTagEntries(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateEmail("a@x.com"))
	assert.Error(t, ValidateEmail(""))
	assert.Error(t, ValidateEmail("Alice <a@x.com>"))
	assert.Error(t, ValidateEmail("not-an-email"))
}

func TestValidateUpload(t *testing.T) {
	t.Parallel()

	header := multipartHeader(t, "bird.png", []byte("\x89PNG\r\n\x1a\n0000"))
	ft, err := ValidateUpload(header)
	require.NoError(t, err)
	assert.Equal(t, model.FileTypeImage, ft)

	fake := multipartHeader(t, "bird.png", []byte("<html><body>hi</body></html>"))
	_, err = ValidateUpload(fake)
	assert.Error(t, err)

	unknown := multipartHeader(t, "bird.exe", []byte("MZ"))
	_, err = ValidateUpload(unknown)
	assert.Error(t, err)
}

func multipartHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	return req.MultipartForm.File["file"][0]
}
