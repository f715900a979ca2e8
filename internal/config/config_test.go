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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "postgres", cfg.Rooms.Backend)
	assert.Equal(t, 64, cfg.Rooms.ClientBuffer)
	assert.Equal(t, 30*time.Second, cfg.Rooms.PingInterval)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "solana", cfg.Escrow.Network)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte("rooms:\n  backend: redis\n  client_buffer: 8\n  admins: [alice, bob]\nescrow:\n  network: devnet\n"), 0o600)
	require.NoError(t, err)

	t.Setenv("P2P_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Rooms.Backend)
	assert.Equal(t, 8, cfg.Rooms.ClientBuffer)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Rooms.Admins)
	assert.Equal(t, "devnet", cfg.Escrow.Network)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rooms:\n  backend: mongo\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
