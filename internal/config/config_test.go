package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "termshare.db", cfg.DBPath)
	assert.Equal(t, 2*time.Minute, cfg.ClaimLeaseMax())
	assert.Equal(t, time.Minute, cfg.ClaimIdleMax())
	assert.Equal(t, 256, cfg.OutputQueueSize)
	assert.Equal(t, 64, cfg.PriorityQueueSize)
	assert.Equal(t, 10*time.Second, cfg.WriteDeadline())
	assert.Equal(t, 20*time.Second, cfg.PingInterval())
	assert.Equal(t, 30*time.Second, cfg.HubReapGrace())
	assert.Equal(t, 10*time.Minute, cfg.PresenceIdle())
	assert.Equal(t, 30*time.Minute, cfg.PresenceEvict())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("CLAIM_LEASE_MAX", "10")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.ClaimLeaseMax())
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("LOG_FORMAT", "xml")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("SUBSCRIBER_QUEUE_OUTPUT", "0")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("SUBSCRIBER_QUEUE_OUTPUT", "256")
	t.Setenv("CLAIM_IDLE_MAX", "-1")
	_, err = Load()
	assert.Error(t, err)
}
