package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the client.
type Config struct {
	// ServerURL is the REST API base, e.g. https://api.example.com.
	ServerURL string `env:"PLEXUS_SERVER_URL"`

	// SocketURL is the push-event websocket endpoint. Derived from
	// ServerURL when empty.
	SocketURL string `env:"PLEXUS_SOCKET_URL"`

	// Token is the session token. Falls back to the persisted state
	// when empty; the daemon exits when neither exists.
	Token string `env:"PLEXUS_TOKEN"`

	// UserID is the current user's id, exempt from presence
	// fetch/evict and used to address progress topics.
	UserID string `env:"PLEXUS_USER_ID"`

	// DeviceName this client identifies as. Defaults to the hostname.
	DeviceName string `env:"PLEXUS_DEVICE_NAME"`

	// OutboxDir, when set, is watched for files to upload as
	// attachments to OutboxTarget.
	OutboxDir    string `env:"PLEXUS_OUTBOX_DIR"`
	OutboxTarget string `env:"PLEXUS_OUTBOX_TARGET"`
	OutboxIsRoom bool   `env:"PLEXUS_OUTBOX_IS_ROOM" envDefault:"false"`

	// ReconnectMin/Max bound the reconnect backoff schedule.
	ReconnectMin time.Duration `env:"PLEXUS_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax time.Duration `env:"PLEXUS_RECONNECT_MAX" envDefault:"60s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "plexus"
		}
		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.SocketURL == "" {
		ws, err := deriveSocketURL(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("deriving socket url: %w", err)
		}
		cfg.SocketURL = ws
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("PLEXUS_SERVER_URL is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("PLEXUS_USER_ID is required")
	}

	if c.OutboxDir != "" && c.OutboxTarget == "" {
		return fmt.Errorf("PLEXUS_OUTBOX_TARGET is required when PLEXUS_OUTBOX_DIR is set")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect bounds must satisfy 0 < min <= max")
	}

	return nil
}

// deriveSocketURL maps the REST base to the websocket endpoint:
// https://host -> wss://host/api/ws.
func deriveSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/ws"

	return u.String(), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
