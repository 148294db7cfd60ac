package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-for-test")
	t.Setenv("TELEROOM_AUTH_SECRET", "s3cret")
	t.Setenv("TELEROOM_SIGNAL_QUEUE_SIZE", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 8, cfg.Signal.QueueSize)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Recording.Retention)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-for-test")
	t.Setenv("TELEROOM_AUTH_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateDrivers(t *testing.T) {
	cfg := Config{Auth: AuthConfig{Secret: "x"}, Database: DatabaseConfig{Driver: "postgres"}}
	assert.Error(t, cfg.Validate())
	cfg.Database.DSN = "postgres://"
	assert.NoError(t, cfg.Validate())
	cfg.Storage.Driver = "s3"
	assert.Error(t, cfg.Validate())
}
