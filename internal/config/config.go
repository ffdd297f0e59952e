package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port         int
	DevMode      bool
	LogLevel     string
	DatabasePath string

	// Evaluation cycle
	EvaluationSchedule string        // cron spec for the scheduled regime evaluation
	FreshnessWindow    time.Duration // max age of an indicator reading before it is stale
	SandboxTimeout     time.Duration // wall-clock limit for custom scoring code
	SmoothingWindow    int           // SMA window over reading history; 0 disables smoothing

	// S3 snapshot backups (optional)
	BackupEnabled         bool
	BackupBucket          string
	BackupEndpoint        string
	BackupSchedule        string
	BackupAccessKeyID     string
	BackupSecretAccessKey string
	BackupRetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnvAsInt("PORT", 8001),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DatabasePath: getEnv("DATABASE_PATH", "./data/regime.db"),

		EvaluationSchedule: getEnv("EVALUATION_SCHEDULE", "0 */15 * * * *"),
		FreshnessWindow:    getEnvAsDuration("FRESHNESS_WINDOW", 72*time.Hour),
		SandboxTimeout:     getEnvAsDuration("SANDBOX_TIMEOUT", 5*time.Second),
		SmoothingWindow:    getEnvAsInt("SMOOTHING_WINDOW", 0),

		BackupEnabled:         getEnvAsBool("BACKUP_ENABLED", false),
		BackupBucket:          getEnv("BACKUP_BUCKET", ""),
		BackupEndpoint:        getEnv("BACKUP_ENDPOINT", ""),
		BackupSchedule:        getEnv("BACKUP_SCHEDULE", "0 0 3 * * *"),
		BackupAccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
		BackupSecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
		BackupRetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.FreshnessWindow <= 0 {
		return fmt.Errorf("FRESHNESS_WINDOW must be positive")
	}
	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be positive")
	}
	if c.BackupEnabled && c.BackupBucket == "" {
		return fmt.Errorf("BACKUP_BUCKET is required when BACKUP_ENABLED=true")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
