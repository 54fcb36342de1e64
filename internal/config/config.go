package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinAPIKeyLength is the minimum accepted pre-shared key size in bytes.
const MinAPIKeyLength = 32

// Config carries the runtime settings for both processes. Gateway-only and
// agent-only fields are validated by the respective Validate method so a
// single env file can configure either side.
type Config struct {
	// Shared.
	APIKey            string
	LogLevel          string
	LogJSON           bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxFrameSize      int
	ChunkSize         int

	// Gateway.
	ListenAddr             string
	EdgeAdminURL           string
	EdgeServerName         string
	UpstreamAddr           string
	RequestTimeout         time.Duration
	ChunkInactivityTimeout time.Duration
	TunnelTakeover         bool
	ReconcileProbeInterval time.Duration

	// Agent.
	GatewayURL          string
	MappingsFile        string
	UpstreamCallTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults. Call
// godotenv.Load beforehand if an env file should participate.
func Load() *Config {
	cfg := &Config{
		APIKey:            getSecretEnv("API_KEY", ""),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogJSON:           getBoolEnv("LOG_JSON", false),
		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getDurationEnv("HEARTBEAT_TIMEOUT", 90*time.Second),
		MaxFrameSize:      getIntEnv("MAX_FRAME_SIZE", 16<<20),
		ChunkSize:         getIntEnv("CHUNK_SIZE", 64<<10),

		ListenAddr:             getEnv("LISTEN_ADDR", ":8480"),
		EdgeAdminURL:           strings.TrimRight(getEnv("EDGE_ADMIN_URL", "http://localhost:2019"), "/"),
		EdgeServerName:         getEnv("EDGE_SERVER_NAME", "srv0"),
		UpstreamAddr:           getEnv("UPSTREAM_ADDR", "localhost:8480"),
		RequestTimeout:         getDurationEnv("REQUEST_TIMEOUT", 120*time.Second),
		ChunkInactivityTimeout: getDurationEnv("CHUNK_INACTIVITY_TIMEOUT", 30*time.Second),
		TunnelTakeover:         getBoolEnv("TUNNEL_TAKEOVER", false),
		ReconcileProbeInterval: getDurationEnv("RECONCILE_PROBE_INTERVAL", time.Minute),

		GatewayURL:          getEnv("GATEWAY_URL", ""),
		MappingsFile:        getEnv("MAPPINGS_FILE", "mappings.yaml"),
		UpstreamCallTimeout: getDurationEnv("UPSTREAM_CALL_TIMEOUT", 5*time.Minute),
	}

	return cfg
}

// ValidateGateway checks the fields the gateway process requires.
func (c *Config) ValidateGateway() error {
	if err := c.validateAPIKey(); err != nil {
		return err
	}
	if c.EdgeAdminURL == "" {
		return fmt.Errorf("EDGE_ADMIN_URL is required")
	}
	return nil
}

// ValidateAgent checks the fields the agent process requires.
func (c *Config) ValidateAgent() error {
	if err := c.validateAPIKey(); err != nil {
		return err
	}
	if strings.TrimSpace(c.GatewayURL) == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}
	if !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("GATEWAY_URL must be a ws:// or wss:// URL")
	}
	return nil
}

func (c *Config) validateAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if len(c.APIKey) < MinAPIKeyLength {
		return fmt.Errorf("API_KEY must be at least %d bytes", MinAPIKeyLength)
	}
	return nil
}

// SlogLevel maps the configured level string onto slog levels.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getSecretEnv resolves KEY__FILE, then KEY_FILE (Docker secrets convention),
// then the plain KEY variable. File contents are trimmed of whitespace.
func getSecretEnv(key, fallback string) string {
	for _, suffix := range []string{"__FILE", "_FILE"} {
		path, ok := os.LookupEnv(key + suffix)
		if !ok || path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Failed to read secret file", "env", key+suffix, "path", path, "error", err)
			continue
		}
		return strings.TrimSpace(string(data))
	}

	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}

	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getIntEnv(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
