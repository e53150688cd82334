package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "MONGO_URI", "MONGO_DATABASE", "SQLITE_PATH",
		"REDIS_URL", "JWT_SECRET", "UPLOAD_DIR", "MAX_UPLOAD_BYTES", "WS_SEND_BUFFER",
		"WS_WRITE_TIMEOUT", "WS_PONG_TIMEOUT", "ALLOWED_ORIGINS", "RATE_LIMIT_WHITELIST",
		"AUTO_BLOCK_ENABLED",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "./data/circle.db", cfg.SQLitePath)
	assert.Equal(t, "circle", cfg.MongoDatabase)
	assert.Equal(t, "uploads", cfg.UploadDir)
	assert.Equal(t, int64(25<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 64, cfg.WSSendBuffer)
	assert.Equal(t, 10*time.Second, cfg.WSWriteTimeout)
	assert.Equal(t, time.Minute, cfg.WSPongTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.RateLimitWhitelist)
	assert.False(t, cfg.AutoBlockEnabled)
	assert.NotEmpty(t, cfg.JWTSecret)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("WS_SEND_BUFFER", "8")
	t.Setenv("WS_WRITE_TIMEOUT", "3s")
	t.Setenv("WS_PONG_TIMEOUT", "30")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8, ,127.0.0.1")
	t.Setenv("AUTO_BLOCK_ENABLED", "true")
	t.Setenv("JWT_SECRET", "s")

	cfg := Load()
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.Equal(t, 8, cfg.WSSendBuffer)
	assert.Equal(t, 3*time.Second, cfg.WSWriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.WSPongTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.RateLimitWhitelist)
	assert.True(t, cfg.AutoBlockEnabled)
	assert.Equal(t, "s", cfg.JWTSecret)
}

func TestLoadIgnoresBadNumbers(t *testing.T) {
	t.Setenv("MAX_UPLOAD_BYTES", "lots")
	t.Setenv("WS_WRITE_TIMEOUT", "-1s")

	cfg := Load()
	assert.Equal(t, int64(25<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 10*time.Second, cfg.WSWriteTimeout)
}

func TestProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "postgres://x")
	assert.PanicsWithValue(t, "JWT_SECRET is required in production", func() { Load() })

	t.Setenv("JWT_SECRET", "s")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MONGO_URI", "")
	assert.Panics(t, func() { Load() })

	t.Setenv("MONGO_URI", "mongodb://x")
	assert.NotPanics(t, func() { Load() })
}
