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

	assert.Equal(t, ":8080", cfg.App.Addr)
	assert.Equal(t, "dashboard:connections", cfg.Dashboard.RegistryKey)
	assert.Equal(t, 30*time.Second, cfg.Dashboard.PingPeriod)
	assert.Equal(t, 2*time.Second, cfg.Fanout.DeliveryTimeout)
	assert.Equal(t, 25*time.Second, cfg.Fanout.BatchDeadline)
	assert.True(t, cfg.Fanout.PruneGone)
	assert.Equal(t, "links:changes", cfg.ChangeStream.Stream)
	assert.EqualValues(t, 100, cfg.ChangeStream.BatchSize)
	assert.EqualValues(t, 10, cfg.Postgres.MaxConns)
	assert.Equal(t, 30*time.Minute, cfg.Postgres.MaxConnLifetime)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("FANOUT_PRUNE_GONE", "false")
	t.Setenv("FANOUT_BATCH_DEADLINE", "5s")
	t.Setenv("DASHBOARD_INSTANCE_ID", "i7")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PG_MAX_CONN_LIFETIME", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "cache", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, 90*time.Second, cfg.Postgres.MaxConnLifetime)
	assert.False(t, cfg.Fanout.PruneGone)
	assert.Equal(t, 5*time.Second, cfg.Fanout.BatchDeadline)
	assert.Equal(t, "i7", cfg.Dashboard.InstanceID)
	assert.Equal(t, "debug", cfg.Log.Level)
}
