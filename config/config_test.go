package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arvindchoudhary21/editor/domain"
)

func TestLoadRelay_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadRelay()

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, domain.AtMostOnce, cfg.Mode())
	assert.Equal(t, 2*time.Second, cfg.DeliveryTimeout)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadRelay_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9000")
	t.Setenv("DELIVERY_MODE", "ack")
	t.Setenv("DELIVERY_TIMEOUT", "500ms")

	cfg, err := LoadRelay()

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, domain.RequireAck, cfg.Mode())
	assert.Equal(t, 500*time.Millisecond, cfg.DeliveryTimeout)
}

func TestLoadRelay_FromDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REDIS_URL=redis://localhost:6379/0\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("REDIS_URL", "")
	os.Unsetenv("REDIS_URL")

	cfg, err := LoadRelay()

	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadRelay_InvalidMode(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DELIVERY_MODE", "exactly-once")

	_, err := LoadRelay()

	assert.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CODESYNC_ROOM", "r1")
	t.Setenv("CODESYNC_USERNAME", "alice")

	cfg, err := LoadClient()

	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.URL)
	assert.Equal(t, "r1", cfg.Room)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, 5*time.Second, cfg.SnapshotTimeout)
}
