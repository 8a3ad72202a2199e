package client

import (
	"strings"
	"time"

	"github.com/Tyrowin/tuichat/internal/config"
	"github.com/Tyrowin/tuichat/internal/protocol"
)

// Config holds the client configuration settings.
type Config struct {
	URL    string `env:"TUICHAT_SERVER_URL"`
	Origin string `env:"TUICHAT_ORIGIN"`

	// HeartbeatInterval paces KeepAlive packets and self-identity
	// retries.
	HeartbeatInterval time.Duration `env:"TUICHAT_HEARTBEAT"`
	WriteTimeout      time.Duration `env:"TUICHAT_WRITE_TIMEOUT"`

	// QueueSize is the number of outbound packets buffered by Enqueue.
	QueueSize int `env:"TUICHAT_QUEUE_SIZE"`

	LogLevel  string `env:"TUICHAT_LOG_LEVEL"`
	LogFormat string `env:"TUICHAT_LOG_FORMAT"`

	// Fingerprint is announced in the handshake.
	Fingerprint protocol.Fingerprint
}

func defaultConfig() Config {
	return Config{
		URL:               "ws://localhost:13331/ws",
		HeartbeatInterval: time.Second,
		WriteTimeout:      10 * time.Second,
		QueueSize:         64,
		LogLevel:          "warn",
		LogFormat:         "console",
		Fingerprint:       protocol.Current,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig starts from the defaults and applies .env and environment
// variables.
func LoadConfig() (*Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}

	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Fingerprint == (protocol.Fingerprint{}) {
		cfg.Fingerprint = defaults.Fingerprint
	}
	return cfg
}
