// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, enables distributed rate limiting)
	UploadDir   string // Directory for uploaded detection inputs

	// Detection backend
	DetectEndpoint string        // HTTP inference endpoint (optional, uses stub detector if not set)
	DetectTimeout  time.Duration // Max processing duration per detection call

	// Gateway defaults
	DefaultRateLimit int           // Calls per minute when a service doesn't set one
	RateLimitWindow  time.Duration // Sliding window size for gateway rate limiting
	MaxUploadSize    int64         // Default max upload size in bytes
	CallbackTimeout  time.Duration // Timeout for result callbacks to caller-supplied URLs

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (optional, tracing disabled if not set)
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultUploadDir     = "data/uploads"
	DefaultDetectTimeout = 60 * time.Second
	DefaultRateWindow    = time.Minute
	DefaultCallLimit     = 100
	DefaultMaxUpload     = 10 << 20 // 10 MiB
	DefaultCallbackWait  = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:         os.Getenv("REDIS_URL"),    // Optional
		UploadDir:        getEnv("UPLOAD_DIR", DefaultUploadDir),
		DetectEndpoint:   os.Getenv("DETECT_ENDPOINT"),
		DetectTimeout:    getEnvDuration("DETECT_TIMEOUT", DefaultDetectTimeout),
		DefaultRateLimit: int(getEnvInt64("DEFAULT_RATE_LIMIT", DefaultCallLimit)),
		RateLimitWindow:  getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateWindow),
		MaxUploadSize:    getEnvInt64("MAX_UPLOAD_SIZE", DefaultMaxUpload),
		CallbackTimeout:  getEnvDuration("CALLBACK_TIMEOUT", DefaultCallbackWait),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.DetectTimeout <= 0 {
		return fmt.Errorf("DETECT_TIMEOUT must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.DefaultRateLimit <= 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT must be positive")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
