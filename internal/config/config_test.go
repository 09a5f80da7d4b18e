package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "collab.events", cfg.RabbitMQ.Exchange)
	assert.Equal(t, 50, cfg.Publisher.BatchSize)
	assert.Equal(t, time.Second, cfg.Publisher.PollInterval)
	assert.Equal(t, 3, cfg.Consumer.MaxRetries)
	assert.Equal(t, 10, cfg.Consumer.Prefetch)
	assert.Equal(t, 30*time.Second, cfg.Consumer.ReconnectCap)
	assert.Equal(t, "admin", cfg.Auth.AdminRole)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 60, cfg.Publisher.MaxAttempts)
	assert.Equal(t, 168*time.Hour, cfg.Publisher.RetentionWindow)
	assert.Equal(t, time.Hour, cfg.Publisher.CleanupInterval)
}

func TestLoad_ZeroCleanupIntervalRejected(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("OUTBOX_CLEANUP_INTERVAL", "0s")

	_, err := Load()
	assert.ErrorContains(t, err, "cleanup_interval")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("OUTBOX_BATCH_SIZE", "5")
	t.Setenv("CONSUMER_WAITING_ROOM_TTL", "250ms")
	t.Setenv("RABBITMQ_EXCHANGE", "test.events")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Publisher.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.WaitingRoomTTL)
	assert.Equal(t, "test.events", cfg.RabbitMQ.Exchange)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
rabbitmq:
  exchange: yaml.events
publisher:
  batch_size: 7
consumer:
  max_retries: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "yaml.events", cfg.RabbitMQ.Exchange)
	assert.Equal(t, 7, cfg.Publisher.BatchSize)
	assert.Equal(t, 2, cfg.Consumer.MaxRetries)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RabbitMQ: RabbitMQ{Exchange: "events"},
			Publisher: Publisher{
				BatchSize:       10,
				PollInterval:    time.Second,
				MaxAttempts:     3,
				PublishTimeout:  time.Second,
				ConfirmTimeout:  time.Second,
				RetentionWindow: time.Hour,
				CleanupInterval: time.Minute,
			},
			Consumer: Consumer{
				MaxRetries:           3,
				Prefetch:             5,
				WaitingRoomTTL:       time.Second,
				MaxReconnectAttempts: 5,
				ReconnectBase:        time.Second,
				ReconnectCap:         10 * time.Second,
			},
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("zero batch size rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Publisher.BatchSize = 0
		assert.ErrorContains(t, cfg.Validate(), "batch_size")
	})

	t.Run("non-positive sweep settings rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Publisher.CleanupInterval = 0
		cfg.Publisher.RetentionWindow = -time.Hour
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cleanup_interval")
		assert.Contains(t, err.Error(), "retention_window")
	})

	t.Run("cap below base rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Consumer.ReconnectCap = 500 * time.Millisecond
		assert.ErrorContains(t, cfg.Validate(), "reconnect_cap")
	})

	t.Run("zero max retries allowed", func(t *testing.T) {
		cfg := valid()
		cfg.Consumer.MaxRetries = 0
		assert.NoError(t, cfg.Validate())
	})

	t.Run("multiple problems reported together", func(t *testing.T) {
		cfg := valid()
		cfg.Consumer.Prefetch = 0
		cfg.RabbitMQ.Exchange = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prefetch")
		assert.Contains(t, err.Error(), "exchange")
	})
}
