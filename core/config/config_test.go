package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, 3, cfg.Snapshot.Retain)
	assert.Equal(t, 1, cfg.Snapshot.ChunkSize)
	assert.True(t, cfg.Snapshot.RetryUnprocessed)
	assert.Equal(t, 50, cfg.Worker.Workers)
	assert.Equal(t, 2*time.Second, cfg.Worker.RetryBackoff)
	assert.Equal(t, 30, cfg.Resolver.TimeoutSeconds)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SNAPSHOT_CHUNK_SIZE", "250")
	t.Setenv("BROKER_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 250, cfg.Snapshot.ChunkSize)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Brokers)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WORKER_MAX_ATTEMPTS=9\nLOG_FORMAT=console\n"), 0o600)
	require.NoError(t, err)
	t.Cleanup(func() {
		os.Unsetenv("WORKER_MAX_ATTEMPTS")
		os.Unsetenv("LOG_FORMAT")
	})

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Worker.MaxAttempts)
	assert.Equal(t, "console", cfg.Log.Format)
}
