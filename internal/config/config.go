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
	FrontendURL string
	DBPath      string
	UploadDir   string

	// AgentAPIURL is the agent backend base URL for records and ingestion.
	AgentAPIURL string
	// AgentSocketURL is the agent runtime WebSocket endpoint.
	AgentSocketURL string

	AvatarSize     int
	MaxUploadBytes int64
	WizardTTL      time.Duration

	SocketDialTimeout time.Duration
	RelayQueueSize    int
	HTTPTimeout       time.Duration

	Retry RetryConfig
}

// RetryConfig controls retries on SQLite lock conflicts.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/atlas.db"),
		UploadDir:         getEnv("UPLOAD_DIR", "./data/uploads"),
		AgentAPIURL:       strings.TrimRight(getEnv("AGENT_API_URL", "http://localhost:8000"), "/"),
		AgentSocketURL:    getEnv("AGENT_SOCKET_URL", "ws://localhost:8000/ws"),
		AvatarSize:        getEnvInt("AVATAR_SIZE", 128),
		MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_BYTES", 20<<20)),
		WizardTTL:         getEnvDuration("WIZARD_TTL", 24*time.Hour),
		SocketDialTimeout: getEnvDuration("SOCKET_DIAL_TIMEOUT", 10*time.Second),
		RelayQueueSize:    getEnvInt("RELAY_QUEUE_SIZE", 256),
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		Retry: RetryConfig{
			MaxRetries: getEnvInt("DB_MAX_RETRIES", 3),
			BaseDelay:  getEnvDuration("DB_RETRY_BASE_DELAY", 100*time.Millisecond),
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR cannot be empty")
	}
	if c.AgentAPIURL == "" {
		return fmt.Errorf("AGENT_API_URL cannot be empty")
	}
	if !strings.HasPrefix(c.AgentSocketURL, "ws://") && !strings.HasPrefix(c.AgentSocketURL, "wss://") {
		return fmt.Errorf("AGENT_SOCKET_URL must be a ws:// or wss:// URL")
	}
	if c.AvatarSize <= 0 {
		return fmt.Errorf("AVATAR_SIZE must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.WizardTTL <= 0 {
		return fmt.Errorf("WIZARD_TTL must be > 0")
	}
	if c.RelayQueueSize <= 0 {
		return fmt.Errorf("RELAY_QUEUE_SIZE must be > 0")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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
