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

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, StoreMemory, cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.StaleAfter)
	assert.Equal(t, 30*time.Second, cfg.Recovery.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.Recovery.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Recovery.PollTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Dispatch.TextTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.ImageTimeout)
	assert.Equal(t, int64(8), cfg.Limits.Image)
	assert.Equal(t, int64(4), cfg.Limits.Video)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", StoreSQLite)
	t.Setenv("STALE_AFTER", "90s")
	t.Setenv("LIMIT_VIDEO_CONCURRENCY", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Recovery.StaleAfter)
	assert.Equal(t, int64(2), cfg.Limits.Video)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsStaleBelowHeartbeat(t *testing.T) {
	t.Setenv("STALE_AFTER", "10s")
	_, err := Load()
	require.Error(t, err)
}
