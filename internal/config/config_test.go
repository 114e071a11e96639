package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PLEXUS_SERVER_URL", "https://api.example.com")
	t.Setenv("PLEXUS_USER_ID", "u1")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.ServerURL)
	assert.Equal(t, "wss://api.example.com/api/ws", cfg.SocketURL)
	assert.Equal(t, time.Second, cfg.ReconnectMin)
	assert.Equal(t, time.Minute, cfg.ReconnectMax)
	assert.NotEmpty(t, cfg.DeviceName, "device name falls back to the hostname")
	assert.False(t, cfg.IsProduction())
}

func TestLoad_ExplicitSocketURL(t *testing.T) {
	setRequired(t)
	t.Setenv("PLEXUS_SOCKET_URL", "wss://push.example.com/ws")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://push.example.com/ws", cfg.SocketURL)
}

func TestLoad_HTTPDerivesWS(t *testing.T) {
	t.Setenv("PLEXUS_SERVER_URL", "http://localhost:8080")
	t.Setenv("PLEXUS_USER_ID", "u1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/ws", cfg.SocketURL)
}

func TestLoad_MissingServerURL(t *testing.T) {
	t.Setenv("PLEXUS_SERVER_URL", "")
	t.Setenv("PLEXUS_USER_ID", "u1")

	_, err := Load()
	assert.ErrorContains(t, err, "PLEXUS_SERVER_URL")
}

func TestLoad_MissingUserID(t *testing.T) {
	t.Setenv("PLEXUS_SERVER_URL", "https://api.example.com")
	t.Setenv("PLEXUS_USER_ID", "")

	_, err := Load()
	assert.ErrorContains(t, err, "PLEXUS_USER_ID")
}

func TestLoad_OutboxRequiresTarget(t *testing.T) {
	setRequired(t)
	t.Setenv("PLEXUS_OUTBOX_DIR", "/tmp/outbox")

	_, err := Load()
	assert.ErrorContains(t, err, "PLEXUS_OUTBOX_TARGET")

	t.Setenv("PLEXUS_OUTBOX_TARGET", "u2")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "u2", cfg.OutboxTarget)
}

func TestLoad_InvalidReconnectBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("PLEXUS_RECONNECT_MIN", "30s")
	t.Setenv("PLEXUS_RECONNECT_MAX", "5s")

	_, err := Load()
	assert.ErrorContains(t, err, "reconnect bounds")
}

func TestLoad_UnsupportedScheme(t *testing.T) {
	t.Setenv("PLEXUS_SERVER_URL", "ftp://example.com")
	t.Setenv("PLEXUS_USER_ID", "u1")

	_, err := Load()
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestIsProduction(t *testing.T) {
	setRequired(t)
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
