package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	Klip         KlipConfig         `yaml:"klip" envconfig:"KLIP"`
	Handshake    HandshakeConfig    `yaml:"handshake" envconfig:"HANDSHAKE"`
	SessionStore SessionStoreConfig `yaml:"session_store" envconfig:"SESSION_STORE"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Cleanup      CleanupConfig      `yaml:"cleanup" envconfig:"CLEANUP"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string   `yaml:"host" envconfig:"HOST"`
	Port           int      `yaml:"port" envconfig:"PORT"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// KlipConfig points at the credential-issuing backend.
type KlipConfig struct {
	// BaseURL serves /auth/klip, /auth/klip_login, /auth/klip_result and
	// /trip-api/auth/getCookie.
	BaseURL string `yaml:"base_url" envconfig:"BASE_URL"`
	// CardBaseURL is the card API prefix; transfers go to {CardBaseURL}/nft/transfer/{insuranceId}.
	CardBaseURL string `yaml:"card_base_url" envconfig:"CARD_BASE_URL"`
	// TimeoutSeconds bounds the short calls (issue, transfer, token exchange).
	// The confirmation wait is bounded by HandshakeConfig.ConfirmTimeout instead.
	TimeoutSeconds int `yaml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
}

// HandshakeConfig holds the handshake timing parameters.
type HandshakeConfig struct {
	RefreshInterval     time.Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL"`
	MaxRefreshCount     int           `yaml:"max_refresh_count" envconfig:"MAX_REFRESH_COUNT"`
	RequestTTL          time.Duration `yaml:"request_ttl" envconfig:"REQUEST_TTL"`
	PopupGrace          time.Duration `yaml:"popup_grace" envconfig:"POPUP_GRACE"`
	PopupPollInterval   time.Duration `yaml:"popup_poll_interval" envconfig:"POPUP_POLL_INTERVAL"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout" envconfig:"CONFIRM_TIMEOUT"`
	AcceptTokenCallback bool          `yaml:"accept_token_callback" envconfig:"ACCEPT_TOKEN_CALLBACK"`
}

// SessionStoreConfig contains session store configuration
type SessionStoreConfig struct {
	// Type is the session store type: "memory" or "redis"
	Type string `yaml:"type" envconfig:"TYPE"`
	// Redis contains Redis-specific configuration
	Redis RedisConfig `yaml:"redis" envconfig:"REDIS"`
	// DefaultTTLHours is the lifetime of an established session
	DefaultTTLHours int `yaml:"default_ttl_hours" envconfig:"DEFAULT_TTL_HOURS"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Address   string `yaml:"address" envconfig:"ADDRESS"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	DB        int    `yaml:"db" envconfig:"DB"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// RateLimitConfig limits how often a client may start handshakes.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" envconfig:"ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE"`
	Burst             int  `yaml:"burst" envconfig:"BURST"`
}

// CleanupConfig controls the reaper for finished or abandoned handshakes.
type CleanupConfig struct {
	Enabled          bool `yaml:"enabled" envconfig:"ENABLED"`
	IntervalSeconds  int  `yaml:"interval_seconds" envconfig:"INTERVAL_SECONDS"`
	RetentionSeconds int  `yaml:"retention_seconds" envconfig:"RETENTION_SECONDS"`
}

// SetDefaults fills in zero values
func (c *CleanupConfig) SetDefaults() {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 60
	}
	if c.RetentionSeconds <= 0 {
		c.RetentionSeconds = 900
	}
}

// SetDefaults fills in zero values
func (c *RateLimitConfig) SetDefaults() {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("HANDSHAKE", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a Config with the timings observed in the
// production client.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Klip: KlipConfig{
			BaseURL:        "http://localhost:3000",
			CardBaseURL:    "http://localhost:3000/card-api/v1",
			TimeoutSeconds: 10,
		},
		Handshake: DefaultHandshakeConfig(),
		SessionStore: SessionStoreConfig{
			Type:            "memory",
			DefaultTTLHours: 24,
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "handshake:session:",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 20,
			Burst:             5,
		},
		Cleanup: CleanupConfig{
			Enabled:          true,
			IntervalSeconds:  60,
			RetentionSeconds: 900,
		},
	}
}

// DefaultHandshakeConfig returns the handshake timings.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		RefreshInterval:     60 * time.Second,
		MaxRefreshCount:     10,
		RequestTTL:          5 * time.Minute,
		PopupGrace:          5 * time.Second,
		PopupPollInterval:   time.Second,
		ConfirmTimeout:      40 * time.Second,
		AcceptTokenCallback: true,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Klip.BaseURL == "" {
		return fmt.Errorf("klip base_url is required")
	}

	if c.SessionStore.Type != "memory" && c.SessionStore.Type != "redis" {
		return fmt.Errorf("invalid session store type: %s (must be memory or redis)", c.SessionStore.Type)
	}

	if c.SessionStore.Type == "redis" && c.SessionStore.Redis.Address == "" {
		return fmt.Errorf("redis address is required when using redis session store")
	}

	return c.Handshake.Validate()
}

// Validate checks the timing invariants the orchestrator relies on.
func (h *HandshakeConfig) Validate() error {
	if h.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if h.MaxRefreshCount < 1 {
		return fmt.Errorf("max_refresh_count must be at least 1")
	}
	if h.RequestTTL <= 0 {
		return fmt.Errorf("request_ttl must be positive")
	}
	if h.RequestTTL <= h.RefreshInterval {
		return fmt.Errorf("request_ttl (%s) must exceed refresh_interval (%s)", h.RequestTTL, h.RefreshInterval)
	}
	if h.PopupPollInterval <= 0 {
		return fmt.Errorf("popup_poll_interval must be positive")
	}
	if h.PopupGrace < 0 {
		return fmt.Errorf("popup_grace must not be negative")
	}
	if h.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm_timeout must be positive")
	}
	return nil
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTTPTimeout returns the timeout for short backend calls.
func (c *KlipConfig) HTTPTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DefaultTTL returns the session lifetime.
func (c *SessionStoreConfig) DefaultTTL() time.Duration {
	if c.DefaultTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.DefaultTTLHours) * time.Hour
}
