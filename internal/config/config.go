// Package config defines the relay server's runtime settings: defaults,
// environment overrides and sanitization.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/hybridchat/internal/store"
)

// RateLimit bounds inbound envelopes per connection: Burst envelopes, fully
// refilled every RefillInterval.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration.
type Config struct {
	Port                string        `env:"SERVER_PORT"`
	AllowedOriginsValue string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize      int64         `env:"MAX_MESSAGE_SIZE"`
	RateLimitBurst      int           `env:"RATE_LIMIT_BURST"`
	RateLimitRefill     time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
	SendBufferSize      int           `env:"SEND_BUFFER_SIZE"`
	StoreDriver         string        `env:"STORE_DRIVER"`
	SQLitePath          string        `env:"SQLITE_PATH"`
	BadgerPath          string        `env:"BADGER_PATH"`
	UploadDir           string        `env:"UPLOAD_DIR"`
	MaxUploadSize       int64         `env:"MAX_UPLOAD_SIZE"`
	FileCacheSize       int           `env:"FILE_CACHE_SIZE"`
	HistoryDefaultLimit int           `env:"HISTORY_DEFAULT_LIMIT"`
	HistoryMaxLimit     int           `env:"HISTORY_MAX_LIMIT"`
	PersistTimeout      time.Duration `env:"PERSIST_TIMEOUT"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT"`
	LogLevel            string        `env:"LOG_LEVEL"`

	// AllowedOrigins is derived from AllowedOriginsValue by Sanitize.
	AllowedOrigins []string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:                ":8080",
		AllowedOriginsValue: "http://localhost:8080",
		MaxMessageSize:      8192,
		RateLimitBurst:      10,
		RateLimitRefill:     time.Second,
		SendBufferSize:      256,
		StoreDriver:         store.DriverSQLite,
		SQLitePath:          "data/relay.db",
		BadgerPath:          "data/badger",
		UploadDir:           "data/uploads",
		MaxUploadSize:       10 << 20,
		FileCacheSize:       256,
		HistoryDefaultLimit: 50,
		HistoryMaxLimit:     200,
		PersistTimeout:      5 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		LogLevel:            "INFO",
	}
}

// Load reads an optional .env file, applies environment overrides on top of
// the defaults and sanitizes the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg.Sanitize()
}

// Sanitize replaces out-of-range values with defaults and rejects values
// that cannot be repaired.
func (c Config) Sanitize() (Config, error) {
	d := Default()

	if c.Port == "" {
		c.Port = d.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = d.RateLimitBurst
	}
	if c.RateLimitRefill <= 0 {
		c.RateLimitRefill = d.RateLimitRefill
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = d.MaxUploadSize
	}
	if c.FileCacheSize <= 0 {
		c.FileCacheSize = d.FileCacheSize
	}
	if c.HistoryMaxLimit <= 0 {
		c.HistoryMaxLimit = d.HistoryMaxLimit
	}
	if c.HistoryDefaultLimit <= 0 || c.HistoryDefaultLimit > c.HistoryMaxLimit {
		c.HistoryDefaultLimit = min(d.HistoryDefaultLimit, c.HistoryMaxLimit)
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.UploadDir == "" {
		c.UploadDir = d.UploadDir
	}

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case "":
		c.StoreDriver = store.DriverSQLite
	case store.DriverSQLite, store.DriverBadger:
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.SQLitePath == "" {
		c.SQLitePath = d.SQLitePath
	}
	if c.BadgerPath == "" {
		c.BadgerPath = d.BadgerPath
	}

	c.AllowedOrigins = ParseOrigins(c.AllowedOriginsValue)
	return c, nil
}

// StorePath returns the path used by the selected driver.
func (c Config) StorePath() string {
	if c.StoreDriver == store.DriverBadger {
		return c.BadgerPath
	}
	return c.SQLitePath
}

// RateLimit returns the per-connection limiter settings.
func (c Config) RateLimit() RateLimit {
	return RateLimit{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

// ParseOrigins splits a comma separated origin list.
func ParseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
