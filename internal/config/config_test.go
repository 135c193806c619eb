package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*24*time.Hour, cfg.ConversationTTL)
	assert.Empty(t, cfg.Tokens)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadServerTokens(t *testing.T) {
	t.Setenv("AUTH_TOKENS", "abc=alice, def=bob")
	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"abc": "alice", "def": "bob"}, cfg.Tokens)

	t.Setenv("AUTH_TOKENS", "abc")
	_, err = LoadServer()
	assert.ErrorContains(t, err, "token=user")
}

func TestLoadServerValidation(t *testing.T) {
	t.Setenv("CONVERSATION_TTL", "0s")
	_, err := LoadServer()
	assert.ErrorContains(t, err, "CONVERSATION_TTL")
}

func TestServerIsDevelopment(t *testing.T) {
	cfg := &ServerConfig{FrontendURL: "https://schedule.example.org"}
	assert.False(t, cfg.IsDevelopment())
	cfg.FrontendURL = "http://localhost:5173"
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadClientFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: wss://chat.example.org/ws/chat
token: from-file
locale: de
streaming: false
reveal_interval: 10ms
transcript:
  enabled: true
  dir: /tmp/transcripts
`), 0o600))

	t.Setenv("CHAT_TOKEN", "from-env")

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.org/ws/chat", cfg.ServerURL)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, "de", cfg.Locale)
	assert.Equal(t, "en", cfg.Language)
	assert.False(t, cfg.Streaming)
	assert.Equal(t, 10*time.Millisecond, cfg.RevealInterval)
	assert.True(t, cfg.Transcript.Enabled)
	assert.Equal(t, 256, cfg.Transcript.QueueSize)
}

func TestLoadClientRejectsHTTPServerURL(t *testing.T) {
	t.Setenv("CHAT_SERVER_URL", "http://localhost:8080/ws/chat")
	_, err := LoadClient("")
	assert.ErrorContains(t, err, "ws://")
}

func TestLoadClientMissingFile(t *testing.T) {
	_, err := LoadClient(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("X_BOOL", "maybe")
	t.Setenv("X_INT", "ten")
	t.Setenv("X_DUR", "soon")
	assert.True(t, getEnvBool("X_BOOL", true))
	assert.Equal(t, 7, getEnvInt("X_INT", 7))
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}
