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
	t.Chdir(t.TempDir())

	cfg, err := Load("collab")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Relay.ListenAddr)
	assert.Equal(t, 256, cfg.Relay.WorkerPoolSize)
	assert.Equal(t, 10*time.Second, cfg.Relay.ReadTimeout)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Redis.PresenceTTL)
	assert.Equal(t, "timestamp_user", cfg.Client.TieBreak)
	assert.Equal(t, 168*time.Hour, cfg.Client.Retention)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := []byte(`
relay:
  listen_addr: ":9090"
  history: 64
redis:
  enabled: true
client:
  user_id: amy
  tie_break: user_timestamp
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collab.yaml"), yaml, 0o600))
	t.Setenv("COLLAB_RELAY_LISTEN_ADDR", ":7070")
	t.Setenv("COLLAB_CLIENT_HEARTBEAT_INTERVAL", "3s")

	cfg, err := Load("collab")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Relay.ListenAddr, "environment beats the file")
	assert.Equal(t, 64, cfg.Relay.History)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "amy", cfg.Client.UserID)
	assert.Equal(t, "user_timestamp", cfg.Client.TieBreak)
	assert.Equal(t, 3*time.Second, cfg.Client.HeartbeatInterval)
}

func TestLoad_ExplicitPathAndValidation(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  queue_size: 0\n"), 0o600))
	t.Setenv("COLLAB_CONFIG", path)

	_, err := Load("collab")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.queue_size")
}
