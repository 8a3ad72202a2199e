package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/tuichat/internal/config"
)

// Overflow policies for subscribers whose buffer is full.
const (
	OverflowDisconnect = "disconnect"
	OverflowDropOldest = "drop-oldest"
)

// Config holds the server configuration settings.
type Config struct {
	Addr           string   `env:"TUICHAT_LISTEN"`
	Path           string   `env:"TUICHAT_WS_PATH"`
	AllowedOrigins []string `env:"TUICHAT_ALLOWED_ORIGINS" envSeparator:","`

	// RejectDuplicateAddr refuses a second concurrent session from the
	// same host.
	RejectDuplicateAddr bool `env:"TUICHAT_REJECT_DUPLICATE_ADDR"`

	HeartbeatInterval time.Duration `env:"TUICHAT_HEARTBEAT"`
	WriteTimeout      time.Duration `env:"TUICHAT_WRITE_TIMEOUT"`

	SubscriberBuffer int    `env:"TUICHAT_SUBSCRIBER_BUFFER"`
	OverflowPolicy   string `env:"TUICHAT_OVERFLOW_POLICY"`

	LogLevel  string `env:"TUICHAT_LOG_LEVEL"`
	LogFormat string `env:"TUICHAT_LOG_FORMAT"`
}

func defaultConfig() Config {
	return Config{
		Addr:              ":13331",
		Path:              "/ws",
		HeartbeatInterval: time.Second,
		WriteTimeout:      10 * time.Second,
		SubscriberBuffer:  256,
		OverflowPolicy:    OverflowDisconnect,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig starts from the defaults and applies .env and environment
// variables. The result is sanitized.
func LoadConfig() (*Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

// Validate reports settings that cannot be repaired with a default.
func (c Config) Validate() error {
	switch c.OverflowPolicy {
	case "", OverflowDisconnect, OverflowDropOldest:
	default:
		return fmt.Errorf("unknown overflow policy %q (want %q or %q)",
			c.OverflowPolicy, OverflowDisconnect, OverflowDropOldest)
	}
	return nil
}

func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}

	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaults.SubscriberBuffer
	}

	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = defaults.OverflowPolicy
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}
