package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8765", cfg.Server.Addr())
	assert.Equal(t, "100ms", cfg.Scheduler.Period.String())
	assert.Equal(t, 10, cfg.Scheduler.LocalTicks)
	assert.True(t, cfg.Scheduler.Parallel)
	assert.Equal(t, 3, cfg.Scheduler.FailureThreshold)
	assert.Equal(t, 10000, cfg.Router.Capacity)
	assert.Equal(t, 5000, cfg.Gateway.ReplayCapacity)
	assert.Equal(t, 1024, cfg.Gateway.OutboundQueue)
	assert.Empty(t, cfg.Snapshot.Backend)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OASIS_SERVER_PORT", "9000")
	t.Setenv("OASIS_SNAPSHOT_BACKEND", "redis")
	t.Setenv("OASIS_SNAPSHOT_REDIS_HOST", "cache.internal")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Snapshot.Backend)
	assert.Equal(t, "cache.internal:6379", cfg.Snapshot.RedisAddr())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := &Config{Server: ServerConfig{Port: 8765}}
	require.NoError(t, cfg.Validate())

	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Server.Port = 8765
	cfg.Snapshot.Backend = "postgres"
	assert.Error(t, cfg.Validate(), "postgres backend requires a dsn")

	cfg.Snapshot.PostgresDSN = "postgres://oasis@localhost/oasis"
	require.NoError(t, cfg.Validate())

	cfg.Snapshot.Backend = "etcd"
	assert.Error(t, cfg.Validate())
}
