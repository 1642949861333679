package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
)

// Validate checks that the configuration is usable. All problems are
// reported together as criterio field errors.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if c.Server.Addr == "" {
		errs = errs.Append("server.addr", errors.New("cannot be empty"))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = errs.Append("log.level", fmt.Errorf("unknown level %q", c.Log.Level))
	}

	if c.Auth.SigningSecret == "" {
		errs = errs.Append("auth.signing_secret", fmt.Errorf("is required (set %s)", SigningSecretEnv))
	}
	if c.Auth.SessionTTL <= 0 {
		errs = errs.Append("auth.session_ttl", errors.New("must be positive"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = errs.Append("auth.token_ttl", errors.New("must be positive"))
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = errs.Append("auth.bcrypt_cost", fmt.Errorf("must be between 4 and 31, got %d", c.Auth.BcryptCost))
	}

	if c.Connections.IdleTimeout <= 0 {
		errs = errs.Append("connections.idle_timeout", errors.New("must be positive"))
	}
	if c.Connections.SweepInterval <= 0 {
		errs = errs.Append("connections.sweep_interval", errors.New("must be positive"))
	}

	classes := make([]string, 0, len(c.RateLimits))
	for class := range c.RateLimits {
		classes = append(classes, class)
	}
	slices.Sort(classes)
	for _, class := range classes {
		p := c.RateLimits[class]
		field := fmt.Sprintf("rate_limits.%s", class)
		if p.Requests < 1 {
			errs = errs.Append(field+".requests", errors.New("must be at least 1"))
		}
		if p.WindowSeconds < 1 {
			errs = errs.Append(field+".window_seconds", errors.New("must be at least 1"))
		}
		if p.Burst < 0 {
			errs = errs.Append(field+".burst", errors.New("cannot be negative"))
		}
	}

	if c.Queue.Capacity < 1 {
		errs = errs.Append("queue.capacity", errors.New("must be at least 1"))
	}
	if c.Queue.HistorySize < 1 {
		errs = errs.Append("queue.history_size", errors.New("must be at least 1"))
	}
	if c.Queue.DefaultMaxRetries < 0 {
		errs = errs.Append("queue.default_max_retries", errors.New("cannot be negative"))
	}
	if c.Queue.ProcessInterval <= 0 {
		errs = errs.Append("queue.process_interval", errors.New("must be positive"))
	}

	if c.Workspace.ActivityLimit < 1 {
		errs = errs.Append("workspace.activity_limit", errors.New("must be at least 1"))
	}

	if c.SnapshotEnabled() && c.Snapshot.Interval <= 0 {
		errs = errs.Append("snapshot.interval", errors.New("must be positive when snapshot.path is set"))
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		field := fmt.Sprintf("users[%d]", i)
		if u.Username == "" {
			errs = errs.Append(field+".username", errors.New("cannot be empty"))
			continue
		}
		if seen[u.Username] {
			errs = errs.Append(field+".username", fmt.Errorf("duplicate username %q", u.Username))
			continue
		}
		seen[u.Username] = true
		if u.Password == "" {
			errs = errs.Append(field+".password", errors.New("cannot be empty"))
		}
	}

	return errs.ToError()
}
