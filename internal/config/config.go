package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Storage
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailtriage.db"`
	AccountsPath string `env:"ACCOUNTS_PATH" envDefault:"./accounts.yaml"`

	// Scheduling. A zero RunInterval means a single run (external cron).
	RunInterval time.Duration `env:"RUN_INTERVAL" envDefault:"0"`

	// Network
	DialTimeout      time.Duration `env:"DIAL_TIMEOUT" envDefault:"30s"`
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" envDefault:"30s"`

	// Connection pool
	PoolMaxIdle int           `env:"POOL_MAX_IDLE" envDefault:"3"`
	PoolIdleTTL time.Duration `env:"POOL_IDLE_TTL" envDefault:"5m"`

	// Circuit breaker
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"60s"`

	// Job queue
	MaxJobRetries   int           `env:"MAX_JOB_RETRIES" envDefault:"3"`
	ProcessingGrace time.Duration `env:"PROCESSING_GRACE" envDefault:"10m"`
	FetchBatchLimit int           `env:"FETCH_BATCH_LIMIT" envDefault:"50"`

	// Concurrency: how many accounts may be in flight at once,
	// independent of how many accounts are configured.
	MaxConcurrentAccounts int `env:"MAX_CONCURRENT_ACCOUNTS" envDefault:"4"`

	// Escalation notifications (optional)
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// NotifierEnabled returns true if escalation notifications are configured
func (c *Config) NotifierEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.PoolMaxIdle < 1 {
		return nil, fmt.Errorf("POOL_MAX_IDLE must be at least 1, got %d", cfg.PoolMaxIdle)
	}
	if cfg.BreakerFailureThreshold < 1 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", cfg.BreakerFailureThreshold)
	}
	if cfg.MaxConcurrentAccounts < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_ACCOUNTS must be at least 1, got %d", cfg.MaxConcurrentAccounts)
	}

	return cfg, nil
}
