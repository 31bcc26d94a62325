package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var s Storage = NewMemoryStorage()

	require.NoError(t, s.Save(ctx, "uploads/u1/a.jpg", strings.NewReader("jpeg"), "image/jpeg"))

	data, err := s.Read(ctx, "uploads/u1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	url, err := s.PresignPut(ctx, "uploads/u1/b.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.Contains(t, url, "uploads")

	require.NoError(t, s.Delete(ctx, "uploads/u1/a.jpg"))
	_, err = s.Read(ctx, "uploads/u1/a.jpg")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
