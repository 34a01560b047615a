// Package config loads gateway configuration from GANTRY_* environment
// variables, with an optional YAML pricing override file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Config is the umbrella configuration object resolved at startup and
// immutable thereafter.
type Config struct {
	// HTTP
	Port            int
	ShutdownTimeout time.Duration

	// Store
	DBPath string

	// Worker pool
	PoolSize        int
	DefaultDeadline time.Duration
	CLIPath         string
	CLIConfigPath   string
	WorkspacesDir   string
	TaskRetention   time.Duration

	// Direct path
	AnthropicAPIKey string
	DirectBaseURL   string

	// Registry
	AgentsDir string
	SkillsDir string

	// Policy / admin
	AdminToken string

	// Background maintenance
	RateWindowRetention time.Duration
	AuditRetentionDays  int

	// Pricing override file (YAML), empty means built-in table
	PricingFile string

	LogLevel slog.Level
}

// cliBinaryName is the CLI autodetected from PATH when GANTRY_CLI_PATH is
// unset.
const cliBinaryName = "claude"

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

// Load resolves the full configuration from the environment. The CLI
// binary path is autodetected from PATH when not set; a missing binary is
// not fatal here because the direct path can still serve.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:          getEnv("GANTRY_DB_PATH", "gantry.db"),
		CLIPath:         os.Getenv("GANTRY_CLI_PATH"),
		CLIConfigPath:   os.Getenv("GANTRY_CLI_CONFIG"),
		WorkspacesDir:   getEnv("GANTRY_WORKSPACES_DIR", "workspaces"),
		AnthropicAPIKey: getEnv("GANTRY_ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY")),
		DirectBaseURL:   os.Getenv("GANTRY_DIRECT_BASE_URL"),
		AgentsDir:       getEnv("GANTRY_AGENTS_DIR", "registry/agents"),
		SkillsDir:       getEnv("GANTRY_SKILLS_DIR", "registry/skills"),
		AdminToken:      os.Getenv("GANTRY_ADMIN_TOKEN"),
		PricingFile:     os.Getenv("GANTRY_PRICING_FILE"),
		LogLevel:        parseLogLevel(getEnv("GANTRY_LOG_LEVEL", "info")),
	}

	var err error
	if cfg.Port, err = getEnvInt("GANTRY_PORT", 8085); err != nil {
		return nil, err
	}
	if cfg.PoolSize, err = getEnvInt("GANTRY_POOL_SIZE", 4); err != nil {
		return nil, err
	}
	if cfg.AuditRetentionDays, err = getEnvInt("GANTRY_AUDIT_RETENTION_DAYS", 90); err != nil {
		return nil, err
	}
	if cfg.DefaultDeadline, err = getEnvDuration("GANTRY_DEFAULT_DEADLINE", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("GANTRY_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.TaskRetention, err = getEnvDuration("GANTRY_TASK_RETENTION", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RateWindowRetention, err = getEnvDuration("GANTRY_RATE_WINDOW_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}

	if cfg.CLIPath == "" {
		if path, err := exec.LookPath(cliBinaryName); err == nil {
			cfg.CLIPath = path
		}
	}

	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
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
