// Package ratelimit provides an in-process sliding window rate limiter with a
// burst allowance, keyed by traffic class and identifier.
package ratelimit

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/realtime/internal/model"
)

// Built-in traffic classes.
const (
	ClassConnection      = "connection"
	ClassMessage         = "message"
	ClassWorkspaceUpdate = "workspace_update"
	ClassAuth            = "auth"
	ClassAPI             = "api"
)

// DefaultIdleTTL is how long an untouched entry is kept before cleanup.
const DefaultIdleTTL = 2 * time.Hour

// Policy defines the limits for a traffic class.
type Policy struct {
	// Requests is the maximum number of requests allowed in the window
	Requests int `json:"requests" yaml:"requests"`

	// WindowSeconds is the length of the sliding window
	WindowSeconds int `json:"windowSeconds" yaml:"window_seconds"`

	// Burst is the extra quota usable once Requests is exhausted, before blocking
	Burst int `json:"burst" yaml:"burst"`
}

// Window returns the policy window as a duration.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.Requests <= 0 {
		return fmt.Errorf("%w: requests must be positive", model.ErrInvalidArgument)
	}
	if p.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window must be positive", model.ErrInvalidArgument)
	}
	if p.Burst < 0 {
		return fmt.Errorf("%w: burst must not be negative", model.ErrInvalidArgument)
	}
	return nil
}

// DefaultPolicies returns the built-in policies per traffic class.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassConnection:      {Requests: 10, WindowSeconds: 60, Burst: 5},
		ClassMessage:         {Requests: 120, WindowSeconds: 60, Burst: 20},
		ClassWorkspaceUpdate: {Requests: 30, WindowSeconds: 60, Burst: 5},
		ClassAuth:            {Requests: 5, WindowSeconds: 300, Burst: 2},
		ClassAPI:             {Requests: 1000, WindowSeconds: 3600, Burst: 50},
	}
}

// Status describes the state of one identifier within a traffic class.
type Status struct {
	Class        string     `json:"class"`
	Identifier   string     `json:"identifier"`
	Used         int        `json:"used"`
	Limit        int        `json:"limit"`
	BurstUsed    int        `json:"burstUsed"`
	BurstLimit   int        `json:"burstLimit"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	ResetTime    *time.Time `json:"resetTime,omitempty"`
}

// Stats is a snapshot of limiter-wide counters.
type Stats struct {
	Classes        []string `json:"classes"`
	TrackedEntries int      `json:"trackedEntries"`
	BlockedEntries int      `json:"blockedEntries"`
	Allowed        int64    `json:"allowed"`
	Denied         int64    `json:"denied"`
}

// entry is the per (class, identifier) sliding window state.
type entry struct {
	timestamps   []time.Time
	lastRequest  time.Time
	burstUsed    int
	blockedUntil time.Time
}

type key struct {
	class      string
	identifier string
}

// Limiter enforces per-class policies. Check never blocks or sleeps; denial
// is the only form of backpressure.
type Limiter struct {
	log      zerolog.Logger
	now      func() time.Time
	idleTTL  time.Duration
	policies map[string]Policy
	entries  map[key]*entry
	allowed  int64
	denied   int64
	mu       sync.Mutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithIdleTTL sets how long idle entries survive cleanup.
func WithIdleTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

// WithPolicies installs policies in addition to the defaults.
func WithPolicies(policies map[string]Policy) Option {
	return func(l *Limiter) {
		maps.Copy(l.policies, policies)
	}
}

// NewLimiter creates a limiter seeded with DefaultPolicies.
func NewLimiter(log zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		log:      log,
		now:      time.Now,
		idleTTL:  DefaultIdleTTL,
		policies: DefaultPolicies(),
		entries:  make(map[key]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure installs or replaces the policy for a traffic class.
func (l *Limiter) Configure(class string, policy Policy) error {
	if class == "" {
		return fmt.Errorf("%w: traffic class is required", model.ErrInvalidArgument)
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[class] = policy
	return nil
}

// Policy returns the policy for class.
func (l *Limiter) Policy(class string) (Policy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.policies[class]
	return p, ok
}

// Check records a request for identifier in class and reports whether it is allowed.
// Requests in a class without a policy are always allowed.
//
// The algorithm:
//  1. Deny while a block window is active
//  2. Drop timestamps older than the window
//  3. Below Requests: record and allow, resetting the burst counter
//  4. Below Burst (and Requests+Burst overall): record and allow as burst
//  5. Otherwise deny and block for one window
func (l *Limiter) Check(identifier, class string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	policy, ok := l.policies[class]
	if !ok {
		return true
	}

	now := l.now()
	k := key{class: class, identifier: identifier}
	e, ok := l.entries[k]
	if !ok {
		e = &entry{}
		l.entries[k] = e
	}
	e.lastRequest = now

	if now.Before(e.blockedUntil) {
		l.denied++
		return false
	}

	e.prune(now, policy.Window())

	if len(e.timestamps) < policy.Requests {
		e.timestamps = append(e.timestamps, now)
		e.burstUsed = 0
		l.allowed++
		return true
	}

	if e.burstUsed < policy.Burst && len(e.timestamps) < policy.Requests+policy.Burst {
		e.timestamps = append(e.timestamps, now)
		e.burstUsed++
		l.allowed++
		return true
	}

	e.blockedUntil = now.Add(policy.Window())
	l.denied++
	l.log.Warn().
		Str("class", class).
		Str("identifier", identifier).
		Time("blocked_until", e.blockedUntil).
		Msg("rate limit exceeded")
	return false
}

// Allow is Check returning a *model.RateLimitError on denial.
func (l *Limiter) Allow(identifier, class string) error {
	if l.Check(identifier, class) {
		return nil
	}

	err := &model.RateLimitError{Class: class, Identifier: identifier}
	if st := l.Status(identifier, class); st.BlockedUntil != nil {
		err.BlockedUntil = *st.BlockedUntil
	}
	return err
}

// Status reports the current usage for identifier in class without recording a request.
func (l *Limiter) Status(identifier, class string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{Class: class, Identifier: identifier}
	policy, ok := l.policies[class]
	if !ok {
		return st
	}
	st.Limit = policy.Requests
	st.BurstLimit = policy.Burst

	e, ok := l.entries[key{class: class, identifier: identifier}]
	if !ok {
		return st
	}

	now := l.now()
	e.prune(now, policy.Window())

	st.Used = min(len(e.timestamps), policy.Requests)
	st.BurstUsed = e.burstUsed
	if now.Before(e.blockedUntil) {
		blocked := e.blockedUntil
		st.BlockedUntil = &blocked
	}
	if len(e.timestamps) > 0 {
		reset := e.timestamps[0].Add(policy.Window())
		st.ResetTime = &reset
	}
	return st
}

// Reset forgets all state for identifier in class.
func (l *Limiter) Reset(identifier, class string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key{class: class, identifier: identifier})
}

// IsBlocked reports whether identifier is inside a block window for class.
func (l *Limiter) IsBlocked(identifier, class string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key{class: class, identifier: identifier}]
	if !ok {
		return false
	}
	return l.now().Before(e.blockedUntil)
}

// CleanupExpired drops entries idle longer than the idle TTL, and entries whose
// block has expired and which have no requests left in their window.
// It returns the number of entries removed.
func (l *Limiter) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, e := range l.entries {
		if now.Sub(e.lastRequest) > l.idleTTL {
			delete(l.entries, k)
			removed++
			continue
		}

		policy, ok := l.policies[k.class]
		if !ok {
			delete(l.entries, k)
			removed++
			continue
		}

		e.prune(now, policy.Window())
		if !e.blockedUntil.IsZero() && !now.Before(e.blockedUntil) && len(e.timestamps) == 0 {
			delete(l.entries, k)
			removed++
		}
	}

	if removed > 0 {
		l.log.Debug().Int("removed", removed).Msg("rate limit entries cleaned up")
	}
	return removed
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := Stats{
		Classes:        slices.Sorted(maps.Keys(l.policies)),
		TrackedEntries: len(l.entries),
		Allowed:        l.allowed,
		Denied:         l.denied,
	}
	for _, e := range l.entries {
		if now.Before(e.blockedUntil) {
			st.BlockedEntries++
		}
	}
	return st
}

// prune drops timestamps that fell out of the window ending at now.
func (e *entry) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.timestamps) && !e.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.timestamps = slices.Delete(e.timestamps, 0, i)
	}
}
