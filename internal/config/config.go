// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	LogLevel    string
	SessionsDir string // root for session-<userID> credential folders and chat caches
	StateFile   string // global userID -> snapshot state file
	APIKey      string // optional bearer token for the control surface; empty disables auth
	Gateway     GatewayConfig
	Backend     BackendConfig
	Lifecycle   LifecycleConfig
	Archive     ArchiveConfig
}

// GatewayConfig points at the protocol gateway that speaks the actual
// WhatsApp wire protocol on our behalf.
type GatewayConfig struct {
	URL         string
	DialTimeout time.Duration
}

// BackendConfig points at the analytics backend receiving webhooks.
type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

// LifecycleConfig tunes the connection state machine.
type LifecycleConfig struct {
	InitAttempts         int
	InitRetryDelay       time.Duration
	InitAttemptTimeout   time.Duration
	WipeOnFinalRetry     bool
	ReconnectDelay       time.Duration
	ReconnectRetryDelay  time.Duration
	SweepInterval        time.Duration
	ChatsWaitTimeout     time.Duration
	RestartDelay         time.Duration
	ActiveUsersAttempts  int
	ActiveUsersRetryBase time.Duration
}

// ArchiveConfig controls the local message archive.
type ArchiveConfig struct {
	DBPath    string
	Retention time.Duration // messages older than this are pruned; 0 disables
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "3000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SessionsDir: getEnv("SESSIONS_DIR", "./data/sessions"),
		StateFile:   getEnv("STATE_FILE", "./data/state.json"),
		APIKey:      getEnv("BRIDGE_API_KEY", ""),
		Gateway: GatewayConfig{
			URL:         getEnv("GATEWAY_URL", "ws://localhost:3001/session"),
			DialTimeout: getEnvDuration("GATEWAY_DIAL_TIMEOUT", 15*time.Second),
		},
		Backend: BackendConfig{
			BaseURL: getEnv("BACKEND_URL", "http://localhost:8000"),
			Timeout: getEnvDuration("BACKEND_TIMEOUT", 30*time.Second),
		},
		Lifecycle: LifecycleConfig{
			InitAttempts:         getEnvInt("INIT_ATTEMPTS", 2),
			InitRetryDelay:       getEnvDuration("INIT_RETRY_DELAY", 1500*time.Millisecond),
			InitAttemptTimeout:   getEnvDuration("INIT_ATTEMPT_TIMEOUT", 45*time.Second),
			WipeOnFinalRetry:     getEnvBool("WIPE_CREDS_ON_FINAL_RETRY", false),
			ReconnectDelay:       getEnvDuration("RECONNECT_DELAY", 30*time.Second),
			ReconnectRetryDelay:  getEnvDuration("RECONNECT_RETRY_DELAY", 120*time.Second),
			SweepInterval:        getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			ChatsWaitTimeout:     getEnvDuration("CHATS_WAIT_TIMEOUT", 60*time.Second),
			RestartDelay:         getEnvDuration("RESTART_DELAY", 1200*time.Millisecond),
			ActiveUsersAttempts:  getEnvInt("ACTIVE_USERS_ATTEMPTS", 5),
			ActiveUsersRetryBase: getEnvDuration("ACTIVE_USERS_RETRY_BASE", 2*time.Second),
		},
		Archive: ArchiveConfig{
			DBPath:    getEnv("ARCHIVE_DB_PATH", "./data/messages.db"),
			Retention: getEnvDuration("ARCHIVE_RETENTION", 7*24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("SESSIONS_DIR cannot be empty")
	}
	if c.StateFile == "" {
		return fmt.Errorf("STATE_FILE cannot be empty")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("GATEWAY_URL cannot be empty")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.Archive.DBPath == "" {
		return fmt.Errorf("ARCHIVE_DB_PATH cannot be empty")
	}
	if c.Lifecycle.InitAttempts <= 0 {
		return fmt.Errorf("INIT_ATTEMPTS must be > 0")
	}
	if c.Lifecycle.InitAttemptTimeout <= 0 {
		return fmt.Errorf("INIT_ATTEMPT_TIMEOUT must be > 0")
	}
	if c.Lifecycle.ActiveUsersAttempts <= 0 {
		return fmt.Errorf("ACTIVE_USERS_ATTEMPTS must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
