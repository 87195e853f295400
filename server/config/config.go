package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted in STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all configuration for the server.
type Config struct {
	Port        string
	Env         string
	StoreDriver string
	DatabaseURL string
	RedisURL    string

	// Attachments
	BlobURL        string
	PublicBaseURL  string
	MaxUploadBytes int64

	// Message lifecycle
	EditWindow time.Duration

	// Rate limiting
	RateLimitEvents int
	RateLimitWindow time.Duration

	AllowedOrigins []string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		StoreDriver:   getEnv("STORE_DRIVER", StoreMemory),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		BlobURL:       getEnv("BLOB_URL", "file://./uploads"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
	}

	var err error
	if cfg.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.EditWindow, err = getDuration("EDIT_WINDOW", 10*time.Minute); err != nil {
		return nil, err
	}
	events, err := getInt64("RATE_LIMIT_EVENTS", 30)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitEvents = int(events)
	if cfg.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", 10*time.Second); err != nil {
		return nil, err
	}

	// Comma-separated list; empty means same-origin only
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations that cannot be caught per variable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.DatabaseURL == "" {
			if c.StoreDriver == StorePostgres || c.Env == "production" {
				return fmt.Errorf("DATABASE_URL is required for store driver %q", c.StoreDriver)
			}
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.EditWindow <= 0 {
		return fmt.Errorf("EDIT_WINDOW must be positive")
	}
	if c.RateLimitWindow < time.Millisecond {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1ms")
	}
	if c.RateLimitEvents < 1 {
		return fmt.Errorf("RATE_LIMIT_EVENTS must be at least 1")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// SQLiteDSN returns the DSN for the embedded store, defaulting to a file in
// the working directory.
func (c *Config) SQLiteDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return "talkspace.db"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
