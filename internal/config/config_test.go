package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)

	assert.Equal(t, 900*time.Millisecond, cfg.Typing.Debounce)
	assert.Equal(t, 900*time.Millisecond, cfg.Typing.RemoteExpiry)
	assert.Equal(t, 15*time.Second, cfg.Timeline.SendTimeout)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Reconnect.Multiplier)
	assert.Equal(t, int64(1<<20), cfg.WebSocket.MaxMessageSize)
	assert.Equal(t, 50, cfg.Rooms.HistoryPageSize)
	assert.True(t, cfg.Rooms.RefreshAfterSend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
server:
  ws_url: wss://chat.example.com/ws
typing:
  debounce: 300ms
reconnect:
  enabled: false
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat.yaml"), body, 0o600))

	t.Setenv("CHAT_TOKEN", "tok-123")
	t.Setenv("CHAT_TIMELINE_SEND_TIMEOUT", "0s")

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "wss://chat.example.com/ws", cfg.Server.WSURL)
	assert.Equal(t, 300*time.Millisecond, cfg.Typing.Debounce)
	assert.False(t, cfg.Reconnect.Enabled)
	assert.Equal(t, "tok-123", cfg.Auth.Token)
	assert.Equal(t, time.Duration(0), cfg.Timeline.SendTimeout)
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	t.Setenv("CHAT_TYPING_REMOTE_EXPIRY", "soon")

	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, 900*time.Millisecond, cfg.Typing.RemoteExpiry)
}
