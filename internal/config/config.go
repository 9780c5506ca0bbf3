// Package config loads the hub's process-level settings from the environment,
// applying defaults and validation before any component is constructed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	defaultDeviceAddr        = ":8765"
	defaultAPIAddr           = ":5000"
	defaultNoradFile         = "norad_ids.json"
	defaultBroadcastInterval = 60 * time.Second
	defaultAuthTimeout       = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxMessageSize    = 4096
	defaultRateLimitBurst    = 5
	defaultRateLimitInterval = time.Second

	minSessionSecretLength = 32
)

// RateLimitConfig defines the parameters for per-connection telemetry rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" default:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_INTERVAL" default:"1s"`
}

// Config holds the hub configuration.
type Config struct {
	DeviceAddr string `env:"DEVICE_ADDR" default:":8765"`
	APIAddr    string `env:"API_ADDR" default:":5000"`
	NoradFile  string `env:"NORAD_FILE" default:"norad_ids.json"`

	AccessCode        string `env:"ACCESS_CODE"`
	DashboardPassword string `env:"DASHBOARD_PASSWORD"`
	SessionSecret     string `env:"SESSION_SECRET"`

	AllowedOriginsRaw string   `env:"ALLOWED_ORIGINS" default:"http://localhost:5000"`
	AllowedOrigins    []string

	BroadcastInterval time.Duration `env:"BROADCAST_INTERVAL" default:"60s"`
	AuthTimeout       time.Duration `env:"AUTH_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE" default:"4096"`
	RateLimit         RateLimitConfig

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	LogFile   string `env:"LOG_FILE"`
}

// Default returns a Config populated with default values. ACCESS_CODE has no
// default and must still be set before the config validates.
func Default() *Config {
	cfg := &Config{
		DeviceAddr:        defaultDeviceAddr,
		APIAddr:           defaultAPIAddr,
		NoradFile:         defaultNoradFile,
		AllowedOrigins:    []string{"http://localhost:5000"},
		BroadcastInterval: defaultBroadcastInterval,
		AuthTimeout:       defaultAuthTimeout,
		WriteTimeout:      defaultWriteTimeout,
		ShutdownTimeout:   defaultShutdownTimeout,
		MaxMessageSize:    defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateLimitBurst,
			RefillInterval: defaultRateLimitInterval,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.AllowedOriginsRaw = strings.Join(cfg.AllowedOrigins, ",")
	return cfg
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	sanitize(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// sanitize replaces empty or non-positive settings with defaults.
func sanitize(cfg *Config) {
	if cfg.DeviceAddr == "" {
		cfg.DeviceAddr = defaultDeviceAddr
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = defaultAPIAddr
	}
	if cfg.NoradFile == "" {
		cfg.NoradFile = defaultNoradFile
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = defaultBroadcastInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateLimitBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRateLimitInterval
	}
	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOriginsRaw)
}

// Validate checks the settings that have no usable default.
func Validate(cfg *Config) error {
	if cfg.AccessCode == "" {
		return errors.New("ACCESS_CODE is required")
	}
	if cfg.DashboardPassword != "" && len(cfg.SessionSecret) < minSessionSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters when DASHBOARD_PASSWORD is set", minSessionSecretLength)
	}
	return nil
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
