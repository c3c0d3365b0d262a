package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromYAML_MissingFileUsesDefaults(t *testing.T) {
	cfg := loadFromYAML(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Chat.DefaultPageSize)
	assert.Equal(t, 200, cfg.Chat.MaxPageSize)
	assert.Equal(t, 5000, cfg.Chat.MaxContentLength)
	assert.Equal(t, "grant", cfg.Transport.CredentialMode)
	assert.Equal(t, 24*time.Hour, cfg.Transport.CredentialTTL)
	assert.Equal(t, 10*time.Minute, cfg.RateLimit.IdleTTL)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.RateLimitSweepCron)
}

func TestLoadFromYAML_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chat:\n  maxPageSize: 120\ntransport:\n  credentialTTL: 2h\n"), 0o644))

	cfg := loadFromYAML(path)

	assert.Equal(t, 120, cfg.Chat.MaxPageSize)
	assert.Equal(t, 50, cfg.Chat.DefaultPageSize)
	assert.Equal(t, 2*time.Hour, cfg.Transport.CredentialTTL)
	assert.Equal(t, "grant", cfg.Transport.CredentialMode)
}

func TestOverrideWithEnvVars(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("TRANSPORT_CREDENTIAL_MODE", "identity")
	t.Setenv("TRANSPORT_CREDENTIAL_TTL", "30m")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_IDLE_TTL", "3m")
	t.Setenv("RATE_LIMIT_SWEEP_CRON", "*/2 * * * *")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LOG_CONSOLE", "true")

	cfg := getDefaultConfig()
	overrideWithEnvVars(cfg)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "identity", cfg.Transport.CredentialMode)
	assert.Equal(t, 30*time.Minute, cfg.Transport.CredentialTTL)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.Equal(t, 3*time.Minute, cfg.RateLimit.IdleTTL)
	assert.Equal(t, "*/2 * * * *", cfg.Scheduler.RateLimitSweepCron)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.True(t, cfg.Log.Console)
}
