package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpersFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("BT_INT", "12")
	t.Setenv("BT_BAD_INT", "twelve")
	t.Setenv("BT_FLOAT", "0.35")
	t.Setenv("BT_DURATION", "90s")
	t.Setenv("BT_BOOL", "nope")

	assert.Equal(t, 12, envInt("BT_INT", 3))
	assert.Equal(t, 3, envInt("BT_BAD_INT", 3))
	assert.Equal(t, 3, envInt("BT_UNSET", 3))
	assert.InDelta(t, 0.35, envFloat("BT_FLOAT", 0.5), 1e-9)
	assert.Equal(t, 90*time.Second, envDuration("BT_DURATION", time.Second))
	assert.True(t, envBool("BT_BOOL", true))
	assert.Equal(t, "fallback", envString("BT_UNSET", "fallback"))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("APP_URL", "http://localhost:8090")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("S3_REGION", "us-east-1")
	t.Setenv("S3_BUCKET", "birdtag")
	t.Setenv("S3_ACCESS_KEY", "key")
	t.Setenv("S3_SECRET_KEY", "secret")
	t.Setenv("DETECTION_TIMEOUT", "20s")

	cfg := Load()

	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.GlobalSearch())
	assert.False(t, cfg.MQTTEnabled())
	assert.Equal(t, 40*time.Second, cfg.IngestStaleAfter)
	assert.Equal(t, 200, cfg.ThumbnailMaxEdge)
	assert.Equal(t, 75, cfg.ThumbnailQuality)
	assert.Equal(t, 50_000_000, cfg.ThumbnailMaxPixels)
	assert.InDelta(t, 0.5, cfg.DetectionMinConfidence, 1e-9)
	assert.Equal(t, 3, cfg.MaxConflictRetries)

	safe := cfg.Sanitized()
	assert.Empty(t, safe.JWTSecret)
	assert.Empty(t, safe.S3SecretKey)
}
