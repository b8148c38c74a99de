// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	LogLevel            string `env:"LOG_LEVEL" envDefault:"info"`
	DatabasePath        string `env:"DATABASE_PATH" envDefault:"gutenberg.db"`
	DownloadDir         string `env:"DOWNLOAD_DIR" envDefault:"downloads"`
	MirrorsFile         string `env:"MIRRORS_FILE"`
	QueueStateFile      string `env:"QUEUE_STATE_FILE" envDefault:"queue_state.json"`
	WorkerCount         int    `env:"WORKER_COUNT" envDefault:"3"`
	MaxRetries          int    `env:"MAX_RETRIES" envDefault:"3"`
	ResolveConcurrency  int    `env:"RESOLVE_CONCURRENCY" envDefault:"5"`
	RequestTimeoutSecs  int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30"`
	UserAgent           string `env:"USER_AGENT" envDefault:"gutenberg-fetcher/1.0"`
	MirrorsEnabled      bool   `env:"MIRRORS_ENABLED" envDefault:"true"`
	IncompleteThreshold int64  `env:"INCOMPLETE_THRESHOLD_BYTES" envDefault:"10240"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if cfg.MirrorsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		cfg.MirrorsFile = filepath.Join(home, ".gutenberg-fetcher", "mirrors.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevel := strings.ToLower(c.LogLevel)
	isValidLevel := false
	for _, level := range validLogLevels {
		if logLevel == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("invalid log level %q, must be one of: %v", c.LogLevel, validLogLevels)
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got: %d", c.WorkerCount)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative, got: %d", c.MaxRetries)
	}

	if c.ResolveConcurrency < 1 {
		return fmt.Errorf("RESOLVE_CONCURRENCY must be at least 1, got: %d", c.ResolveConcurrency)
	}

	if c.IncompleteThreshold < 0 {
		return fmt.Errorf("INCOMPLETE_THRESHOLD_BYTES cannot be negative, got: %d", c.IncompleteThreshold)
	}

	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR cannot be empty")
	}

	// Check the download dir is a directory when it already exists
	cleanPath := filepath.Clean(c.DownloadDir)
	if info, err := os.Stat(cleanPath); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("DOWNLOAD_DIR must be a directory, got file: %s", cleanPath)
		}
	}
	c.DownloadDir = cleanPath

	return nil
}
