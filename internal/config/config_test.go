package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultUploadDir, cfg.UploadDir)
	assert.Equal(t, DefaultCallLimit, cfg.DefaultRateLimit)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, int64(DefaultMaxUpload), cfg.MaxUploadSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DEFAULT_RATE_LIMIT", "25")
	t.Setenv("DETECT_TIMEOUT", "15s")
	t.Setenv("MAX_UPLOAD_SIZE", "1048576")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 25, cfg.DefaultRateLimit)
	assert.Equal(t, 15*time.Second, cfg.DetectTimeout)
	assert.Equal(t, int64(1048576), cfg.MaxUploadSize)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("DEFAULT_RATE_LIMIT", "not-a-number")
	t.Setenv("DETECT_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultCallLimit, cfg.DefaultRateLimit)
	assert.Equal(t, DefaultDetectTimeout, cfg.DetectTimeout)
}

func TestValidateRejectsNonPositive(t *testing.T) {
	cfg := &Config{
		DetectTimeout:    0,
		RateLimitWindow:  time.Minute,
		DefaultRateLimit: 100,
		MaxUploadSize:    1,
	}
	assert.Error(t, cfg.Validate())

	cfg.DetectTimeout = time.Second
	cfg.DefaultRateLimit = 0
	assert.Error(t, cfg.Validate())

	cfg.DefaultRateLimit = 100
	require.NoError(t, cfg.Validate())
}
