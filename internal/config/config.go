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
	AuthSecret  string
	Assistant   AssistantConfig
	Lifecycle   LifecycleConfig
	Transcript  TranscriptConfig
}

// AssistantConfig configures the conversational agent backend. An empty
// APIKey disables the assistant; the chat endpoint stays up and reports
// run failures.
type AssistantConfig struct {
	APIKey       string
	Model        string
	Instructions string
}

// LifecycleConfig holds the session lifecycle timings.
type LifecycleConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	GraceWindow   time.Duration
}

// TranscriptConfig controls ndjson conversation transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/medchart.db"),
		AuthSecret:  getEnv("AUTH_SECRET", ""),
		Assistant: AssistantConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			Model:        getEnv("ASSISTANT_MODEL", "gpt-4o-mini"),
			Instructions: getEnv("ASSISTANT_INSTRUCTIONS", ""),
		},
		Lifecycle: LifecycleConfig{
			IdleTimeout:   time.Duration(getEnvInt("SESSION_IDLE_TIMEOUT_MINUTES", 30)) * time.Minute,
			SweepInterval: time.Duration(getEnvInt("SESSION_SWEEP_INTERVAL_MINUTES", 10)) * time.Minute,
			GraceWindow:   time.Duration(getEnvInt("DISCONNECT_GRACE_SECONDS", 60)) * time.Second,
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
			QueueSize: queueSize,
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
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET cannot be empty")
	}
	if c.Lifecycle.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT_MINUTES must be > 0")
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL_MINUTES must be > 0")
	}
	if c.Lifecycle.GraceWindow <= 0 {
		return fmt.Errorf("DISCONNECT_GRACE_SECONDS must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
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
