package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "env: dev\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.STUNServers)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 4*time.Hour, cfg.Rooms.DefaultLifetime)
	assert.Equal(t, 50, cfg.Rooms.MaxParticipants)
	assert.Equal(t, 32, cfg.Relay.SendBuffer)
	assert.Less(t, cfg.Relay.PingPeriod, cfg.Relay.PongWait)
	assert.NotEmpty(t, cfg.Auth.HostTokenSecret)
}

func TestLoadReadsSections(t *testing.T) {
	path := writeConfig(t, `
env: prod
http:
  address: ":9000"
storage:
  driver: redis
  redis:
    addr: "cache:6379"
rooms:
  max_participants: 8
relay:
  pong_wait: "10s"
  ping_period: "30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Address)
	assert.Equal(t, StorageRedis, cfg.Storage.Driver)
	assert.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 8, cfg.Rooms.MaxParticipants)
	assert.Equal(t, 9*time.Second, cfg.Relay.PingPeriod)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
}
