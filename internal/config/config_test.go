package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://acme-staging-v02.api.letsencrypt.org/directory", cfg.DirectoryURL)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.PollTimeout)
	assert.Equal(t, "postgres", cfg.StorageType)
	assert.True(t, cfg.TermsAgreed)
	assert.False(t, cfg.OnlyExisting)
	assert.Contains(t, cfg.APIKeys, "requester-api-key")
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("CERTFORGE_DIRECTORY_URL", "https://ca.internal/directory")
	t.Setenv("CERTFORGE_MAX_RETRIES", "2")
	t.Setenv("CERTFORGE_POLL_INTERVAL", "250ms")
	t.Setenv("CERTFORGE_ONLY_EXISTING_ACCOUNT", "true")
	t.Setenv("CERTFORGE_DB_PORT", "6432")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://ca.internal/directory", cfg.DirectoryURL)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.OnlyExisting)
	assert.Equal(t, 6432, cfg.DBPort)
}

func TestLoadConfigIgnoresInvalidValues(t *testing.T) {
	t.Setenv("CERTFORGE_MAX_RETRIES", "lots")
	t.Setenv("CERTFORGE_POLL_INTERVAL", "soon")
	t.Setenv("CERTFORGE_TOS_AGREED", "maybe")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.True(t, cfg.TermsAgreed)
}
