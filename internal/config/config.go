// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	APIBase     string
	WSBase      string
	Reconnect   bool
	MaxBackoff  time.Duration
	DBPath      string
	LogLevel    slog.Level
	LogFile     string
	SnapshotTTL time.Duration
	DevServer   DevServerConfig
}

// DevServerConfig configures the reference backend.
type DevServerConfig struct {
	Port           string
	AllowedOrigins []string
	// LogFormat is "json" or "pretty" (colored console output).
	LogFormat string
	// TurnLimit caps turns per user per minute; 0 disables it.
	TurnLimit int
}

// Load reads configuration from environment variables, then applies the
// YAML file named by PRDPILOT_CONFIG if set.
func Load() (*Config, error) {
	cfg := &Config{
		APIBase:     getEnv("PRDPILOT_API_BASE", "http://localhost:8000/api/v1"),
		WSBase:      getEnv("PRDPILOT_WS_BASE", "ws://localhost:8000"),
		Reconnect:   getEnvBool("PRDPILOT_RECONNECT", true),
		MaxBackoff:  getEnvDuration("PRDPILOT_MAX_BACKOFF", 15*time.Second),
		DBPath:      getEnv("PRDPILOT_DB_PATH", "./data/prdpilot.db"),
		LogLevel:    parseLevel(getEnv("PRDPILOT_LOG_LEVEL", "info")),
		LogFile:     getEnv("PRDPILOT_LOG_FILE", "./data/prdpilot.log"),
		SnapshotTTL: getEnvDuration("PRDPILOT_SNAPSHOT_TTL", 7*24*time.Hour),
		DevServer: DevServerConfig{
			Port:           getEnv("DEVSERVER_PORT", "8000"),
			AllowedOrigins: splitList(getEnv("DEVSERVER_ALLOWED_ORIGINS", "")),
			LogFormat:      strings.ToLower(getEnv("DEVSERVER_LOG_FORMAT", "json")),
			TurnLimit:      getEnvInt("DEVSERVER_TURN_LIMIT", 0),
		},
	}

	if path := getEnv("PRDPILOT_CONFIG", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := validateURL("PRDPILOT_API_BASE", c.APIBase, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("PRDPILOT_WS_BASE", c.WSBase, "ws", "wss"); err != nil {
		return err
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("PRDPILOT_MAX_BACKOFF must be > 0")
	}
	if c.DBPath == "" {
		return fmt.Errorf("PRDPILOT_DB_PATH cannot be empty")
	}
	if c.SnapshotTTL <= 0 {
		return fmt.Errorf("PRDPILOT_SNAPSHOT_TTL must be > 0")
	}
	if c.DevServer.Port == "" {
		return fmt.Errorf("DEVSERVER_PORT cannot be empty")
	}
	if c.DevServer.TurnLimit < 0 {
		return fmt.Errorf("DEVSERVER_TURN_LIMIT must be >= 0")
	}
	if f := c.DevServer.LogFormat; f != "json" && f != "pretty" {
		return fmt.Errorf("DEVSERVER_LOG_FORMAT must be json or pretty, got %q", f)
	}
	return nil
}

// IsDevelopment returns true if the API points at a local backend.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.APIBase, "localhost") ||
		strings.Contains(c.APIBase, "127.0.0.1")
}

func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL", key, strings.Join(schemes, "/"))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
	return parseBool(value, fallback)
}

func parseBool(value string, fallback bool) bool {
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

// getEnvDuration accepts Go duration strings or a plain number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n := getEnvInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
