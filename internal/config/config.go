// Package config handles configuration loading and validation for the
// realtime server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SigningSecretEnv names the environment variable the token-signing secret is
// read from when the config file leaves it empty.
const SigningSecretEnv = "REALTIME_SIGNING_SECRET"

// Config holds the server configuration.
type Config struct {
	Server      ServerConfig               `yaml:"server"`
	Log         LogConfig                  `yaml:"log"`
	Auth        AuthConfig                 `yaml:"auth"`
	Connections ConnectionsConfig          `yaml:"connections"`
	RateLimits  map[string]RateLimitPolicy `yaml:"rate_limits"`
	// RateLimitIdleTTL drops limiter entries that have seen no traffic for this long.
	RateLimitIdleTTL Duration        `yaml:"rate_limit_idle_ttl"`
	Queue            QueueConfig     `yaml:"queue"`
	Workspace        WorkspaceConfig `yaml:"workspace"`
	Snapshot         SnapshotConfig  `yaml:"snapshot"`
	Users            []UserConfig    `yaml:"users"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// AuthConfig configures sessions, tokens and password hashing.
type AuthConfig struct {
	SessionTTL    Duration `yaml:"session_ttl"`
	TokenTTL      Duration `yaml:"token_ttl"`
	SigningSecret string   `yaml:"signing_secret"`
	Issuer        string   `yaml:"issuer"`
	BcryptCost    int      `yaml:"bcrypt_cost"`
}

type ConnectionsConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// RateLimitPolicy is the per-traffic-class limit as written in the config file.
type RateLimitPolicy struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
	Burst         int `yaml:"burst"`
}

type QueueConfig struct {
	Capacity          int      `yaml:"capacity"`
	HistorySize       int      `yaml:"history_size"`
	Retention         Duration `yaml:"retention"`
	ProcessInterval   Duration `yaml:"process_interval"`
	DefaultMaxRetries int      `yaml:"default_max_retries"`
	DefaultRetryDelay Duration `yaml:"default_retry_delay"`
}

type WorkspaceConfig struct {
	ActivityLimit int    `yaml:"activity_limit"`
	DefaultName   string `yaml:"default_name"`
}

// SnapshotConfig enables periodic export of workspace state to SQLite.
// An empty Path disables snapshots.
type SnapshotConfig struct {
	Path     string   `yaml:"path"`
	Interval Duration `yaml:"interval"`
}

// UserConfig bootstraps a user at startup. Intended for development.
type UserConfig struct {
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Roles       []string `yaml:"roles"`
	Permissions []string `yaml:"permissions"`
}

// Duration is a time.Duration written as a Go duration string ("8h", "250ms").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns a Config with defaults for everything except the
// signing secret, which must always be supplied.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info"},
		Auth: AuthConfig{
			SessionTTL: Duration(8 * time.Hour),
			TokenTTL:   Duration(24 * time.Hour),
			Issuer:     "realtime",
			BcryptCost: 12,
		},
		Connections: ConnectionsConfig{
			IdleTimeout:   Duration(5 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		RateLimits:       map[string]RateLimitPolicy{},
		RateLimitIdleTTL: Duration(2 * time.Hour),
		Queue: QueueConfig{
			Capacity:          10000,
			HistorySize:       1000,
			Retention:         Duration(24 * time.Hour),
			ProcessInterval:   Duration(100 * time.Millisecond),
			DefaultMaxRetries: 3,
			DefaultRetryDelay: Duration(5 * time.Second),
		},
		Workspace: WorkspaceConfig{
			ActivityLimit: 1000,
			DefaultName:   "Default Workspace",
		},
		Snapshot: SnapshotConfig{Interval: Duration(5 * time.Minute)},
	}
}

// Load reads configuration from configPath. A missing or empty path yields
// the defaults. The signing secret falls back to SigningSecretEnv.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if cfg.Auth.SigningSecret == "" {
		cfg.Auth.SigningSecret = os.Getenv(SigningSecretEnv)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = defaults.Auth.SessionTTL
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = defaults.Auth.TokenTTL
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = defaults.Auth.Issuer
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = defaults.Auth.BcryptCost
	}
	if c.Connections.IdleTimeout == 0 {
		c.Connections.IdleTimeout = defaults.Connections.IdleTimeout
	}
	if c.Connections.SweepInterval == 0 {
		c.Connections.SweepInterval = defaults.Connections.SweepInterval
	}
	if c.RateLimits == nil {
		c.RateLimits = map[string]RateLimitPolicy{}
	}
	if c.RateLimitIdleTTL == 0 {
		c.RateLimitIdleTTL = defaults.RateLimitIdleTTL
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = defaults.Queue.Capacity
	}
	if c.Queue.HistorySize == 0 {
		c.Queue.HistorySize = defaults.Queue.HistorySize
	}
	if c.Queue.Retention == 0 {
		c.Queue.Retention = defaults.Queue.Retention
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = defaults.Queue.ProcessInterval
	}
	if c.Queue.DefaultRetryDelay == 0 {
		c.Queue.DefaultRetryDelay = defaults.Queue.DefaultRetryDelay
	}
	if c.Workspace.ActivityLimit == 0 {
		c.Workspace.ActivityLimit = defaults.Workspace.ActivityLimit
	}
	if c.Workspace.DefaultName == "" {
		c.Workspace.DefaultName = defaults.Workspace.DefaultName
	}
	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = defaults.Snapshot.Interval
	}
}

// SnapshotEnabled reports whether a snapshot path is configured.
func (c *Config) SnapshotEnabled() bool {
	return c.Snapshot.Path != ""
}
