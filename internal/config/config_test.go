package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAPIKey() string {
	return "0123456789abcdef0123456789abcdef"
}

func TestConfig_Defaults(t *testing.T) {
	for _, key := range []string{"API_KEY", "LOG_LEVEL", "HEARTBEAT_INTERVAL", "HEARTBEAT_TIMEOUT", "LISTEN_ADDR", "EDGE_ADMIN_URL", "GATEWAY_URL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.ChunkInactivityTimeout)
	assert.Equal(t, 16<<20, cfg.MaxFrameSize)
	assert.Equal(t, 64<<10, cfg.ChunkSize)
	assert.Equal(t, ":8480", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:2019", cfg.EdgeAdminURL)
	assert.False(t, cfg.TunnelTakeover)
}

func TestConfig_SecretFileSupport(t *testing.T) {
	t.Run("API key loaded from _FILE variant", func(t *testing.T) {
		tmpDir := t.TempDir()
		secretFile := filepath.Join(tmpDir, "api_key")
		require.NoError(t, os.WriteFile(secretFile, []byte(testAPIKey()+"\n"), 0o600))

		t.Setenv("API_KEY", "")
		os.Unsetenv("API_KEY")
		t.Setenv("API_KEY_FILE", secretFile)

		cfg := Load()
		assert.Equal(t, testAPIKey(), cfg.APIKey)
	})

	t.Run("_FILE takes precedence over direct env var", func(t *testing.T) {
		tmpDir := t.TempDir()
		secretFile := filepath.Join(tmpDir, "api_key")
		require.NoError(t, os.WriteFile(secretFile, []byte(testAPIKey()), 0o600))

		t.Setenv("API_KEY", "direct-value-should-be-ignored!!!")
		t.Setenv("API_KEY_FILE", secretFile)

		cfg := Load()
		assert.Equal(t, testAPIKey(), cfg.APIKey)
	})

	t.Run("Falls back to direct env when _FILE is unreadable", func(t *testing.T) {
		t.Setenv("API_KEY", testAPIKey())
		t.Setenv("API_KEY_FILE", "/nonexistent/path/to/secret")

		cfg := Load()
		assert.Equal(t, testAPIKey(), cfg.APIKey)
	})
}

func TestConfig_ValidateGateway(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := &Config{APIKey: testAPIKey(), EdgeAdminURL: "http://localhost:2019"}
		assert.NoError(t, cfg.ValidateGateway())
	})

	t.Run("missing api key", func(t *testing.T) {
		cfg := &Config{EdgeAdminURL: "http://localhost:2019"}
		assert.Error(t, cfg.ValidateGateway())
	})

	t.Run("short api key", func(t *testing.T) {
		cfg := &Config{APIKey: "too-short", EdgeAdminURL: "http://localhost:2019"}
		assert.Error(t, cfg.ValidateGateway())
	})
}

func TestConfig_ValidateAgent(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := &Config{APIKey: testAPIKey(), GatewayURL: "wss://gw.example.test/tunnel/connect"}
		assert.NoError(t, cfg.ValidateAgent())
	})

	t.Run("missing gateway url", func(t *testing.T) {
		cfg := &Config{APIKey: testAPIKey()}
		assert.Error(t, cfg.ValidateAgent())
	})

	t.Run("gateway url must be websocket scheme", func(t *testing.T) {
		cfg := &Config{APIKey: testAPIKey(), GatewayURL: "https://gw.example.test"}
		assert.Error(t, cfg.ValidateAgent())
	})
}

func TestConfig_DurationAndLevelParsing(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("HEARTBEAT_TIMEOUT", "garbage")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout) // falls back on parse error
	assert.Equal(t, "debug", cfg.LogLevel)
}
