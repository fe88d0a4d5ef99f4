package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	cfg := LoadConfig()

	assert.Equal(t, 3, cfg.Session.MaxPerUser)
	assert.Equal(t, time.Hour, cfg.Session.AbsoluteTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 40, cfg.Session.RiskTrip)
	assert.Equal(t, 3, cfg.Threat.MaxFailures)
	assert.Equal(t, 5*time.Minute, cfg.Threat.FailureWindow)
	assert.Equal(t, 30*time.Minute, cfg.Threat.LockoutDuration)
	assert.Equal(t, "memory", cfg.Storage.CredentialBackend)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SESSION_MAX_PER_USER", "5")
	t.Setenv("SESSION_IDLE_TIMEOUT", "2m")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("CREDENTIAL_BACKEND", "Redis")

	cfg := LoadConfig()
	assert.Equal(t, 5, cfg.Session.MaxPerUser)
	assert.Equal(t, 2*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "redis", cfg.Storage.CredentialBackend)
}

func TestValidateRejectsUnsafeConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("CREDENTIAL_BACKEND", "memory")
	t.Setenv("KMS_ENABLED", "true")

	err := LoadConfig().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in-memory credential backend")
	assert.Contains(t, err.Error(), "KMS_KEY_ID")
}

func TestValidateUnknownBackend(t *testing.T) {
	t.Setenv("CREDENTIAL_BACKEND", "sqlite")
	assert.Error(t, LoadConfig().Validate())
}

func TestTrustedProxyPrefixes(t *testing.T) {
	t.Setenv("SERVER_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.7")

	cfg := LoadConfig()
	prefixes, err := cfg.Server.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.168.1.7/32", prefixes[1].String())
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadTrustedProxy(t *testing.T) {
	t.Setenv("SERVER_TRUSTED_PROXIES", "10.0.0.0/8,not-an-ip")

	err := LoadConfig().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_TRUSTED_PROXIES")
}
