// Package core wires the connection registry, message queue, rate limiter,
// auth manager and workspace manager into one service and runs their
// background loops.
package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/remote-agent-terminal/realtime/internal/auth"
	"github.com/remote-agent-terminal/realtime/internal/config"
	"github.com/remote-agent-terminal/realtime/internal/db"
	"github.com/remote-agent-terminal/realtime/internal/model"
	"github.com/remote-agent-terminal/realtime/internal/queue"
	"github.com/remote-agent-terminal/realtime/internal/ratelimit"
	"github.com/remote-agent-terminal/realtime/internal/repository"
	"github.com/remote-agent-terminal/realtime/internal/workspace"
	"github.com/remote-agent-terminal/realtime/internal/ws"
)

// ErrSnapshotsDisabled is returned by Snapshot when no snapshot store is configured.
var ErrSnapshotsDisabled = errors.New("snapshots are disabled")

// Service owns the five realtime components. Construct it with New, start
// the background loops with Run and tear it down with Close.
type Service struct {
	Auth       *auth.Manager
	Limiter    *ratelimit.Limiter
	Workspaces *workspace.Manager
	Queue      *queue.Queue
	Registry   *ws.Registry
	WebSocket  *ws.Handler

	cfg       *config.Config
	log       zerolog.Logger
	now       func() time.Time
	snapshots *repository.SnapshotRepository
	database  *sql.DB
	snapGroup singleflight.Group
}

// Option configures a Service.
type Option func(*options)

type options struct {
	now       func() time.Time
	snapshots *repository.SnapshotRepository
}

// WithClock replaces the time source of the service and every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithSnapshotRepository uses repo for snapshots instead of opening
// cfg.Snapshot.Path.
func WithSnapshotRepository(repo *repository.SnapshotRepository) Option {
	return func(o *options) {
		o.snapshots = repo
	}
}

// New builds every component from cfg, creates the default workspace,
// registers the bootstrap users and the built-in queue handlers.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Service, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	signer, err := auth.NewJWTSigner(cfg.Auth.SigningSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithSignerClock(o.now),
	)
	if err != nil {
		return nil, fmt.Errorf("create token signer: %w", err)
	}

	s := &Service{
		cfg: cfg,
		log: log.With().Str("component", "core").Logger(),
		now: o.now,
	}

	s.Auth = auth.NewManager(signer, component(log, "auth"), auth.Config{
		SessionTTL: cfg.Auth.SessionTTL.D(),
		TokenTTL:   cfg.Auth.TokenTTL.D(),
		BcryptCost: cfg.Auth.BcryptCost,
	}, auth.WithClock(o.now))

	s.Limiter = ratelimit.NewLimiter(component(log, "ratelimit"),
		ratelimit.WithClock(o.now),
		ratelimit.WithIdleTTL(cfg.RateLimitIdleTTL.D()),
	)
	for class, p := range cfg.RateLimits {
		policy := ratelimit.Policy{Requests: p.Requests, WindowSeconds: p.WindowSeconds, Burst: p.Burst}
		if err := s.Limiter.Configure(class, policy); err != nil {
			return nil, fmt.Errorf("rate limit %q: %w", class, err)
		}
	}

	s.Workspaces = workspace.NewManager(component(log, "workspace"), workspace.Config{
		ActivityLimit: cfg.Workspace.ActivityLimit,
	}, workspace.WithClock(o.now))

	s.Queue = queue.New(component(log, "queue"), queue.Config{
		Capacity:          cfg.Queue.Capacity,
		HistorySize:       cfg.Queue.HistorySize,
		Retention:         cfg.Queue.Retention.D(),
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		DefaultRetryDelay: cfg.Queue.DefaultRetryDelay.D(),
	}, queue.WithClock(o.now))

	s.Registry = ws.NewRegistry(component(log, "registry"),
		ws.WithClock(o.now),
		ws.WithIdleTimeout(cfg.Connections.IdleTimeout.D()),
	)

	s.WebSocket = ws.NewHandler(s.Registry, s.Auth, s.Limiter, s.Workspaces, s.Queue, component(log, "ws"))
	if origins := cfg.Server.AllowedOrigins; len(origins) > 0 {
		s.WebSocket.SetCheckOrigin(func(r *http.Request) bool {
			return slices.Contains(origins, r.Header.Get("Origin"))
		})
	}

	if err := s.registerHandlers(); err != nil {
		return nil, err
	}
	s.Workspaces.OnActivity(s.fanOutActivity)

	if _, err := s.Workspaces.EnsureDefault(cfg.Workspace.DefaultName); err != nil {
		return nil, fmt.Errorf("create default workspace: %w", err)
	}

	if err := s.bootstrapUsers(cfg.Users); err != nil {
		return nil, err
	}

	switch {
	case o.snapshots != nil:
		s.snapshots = o.snapshots
	case cfg.SnapshotEnabled():
		database, err := db.Open(cfg.Snapshot.Path)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		s.database = database
		s.snapshots = repository.NewSnapshotRepository(database)
	}

	return s, nil
}

func component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// bootstrapUsers registers configured users and adds them to the default workspace.
func (s *Service) bootstrapUsers(users []config.UserConfig) error {
	for _, u := range users {
		user, err := s.Auth.RegisterUser(u.Username, u.Password, u.Roles, u.Permissions...)
		if err != nil {
			return fmt.Errorf("register user %q: %w", u.Username, err)
		}
		if err := s.Workspaces.Join(workspace.DefaultID, user.ID); err != nil {
			return fmt.Errorf("add user %q to default workspace: %w", u.Username, err)
		}
		s.log.Info().Str("username", u.Username).Strs("roles", u.Roles).Msg("bootstrap user registered")
	}
	return nil
}

// fanOutActivity pushes every workspace activity to that workspace's
// connections. Connections whose user left, or whose workspace was deleted,
// get the activity and are then detached from the workspace.
func (s *Service) fanOutActivity(act model.WorkspaceActivity) {
	data, err := ws.Encode(ws.EnvelopeTypeWorkspaceActivity, act)
	if err != nil {
		s.log.Error().Err(err).Str("activity_id", act.ID).Msg("failed to encode activity")
	} else {
		s.Registry.BroadcastToWorkspace(act.WorkspaceID, data)
	}

	switch act.Type {
	case model.ActivityUserLeft:
		s.Registry.DetachWorkspace(act.WorkspaceID, act.ActorID)
	case model.ActivityWorkspaceDeleted:
		s.Registry.DetachWorkspace(act.WorkspaceID, "")
	}
}

// Run processes the queue and runs periodic sweeps and snapshots until ctx is
// done. It returns nil on cancellation.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Queue.Run(ctx, s.cfg.Queue.ProcessInterval.D())
	})

	g.Go(func() error {
		return s.every(ctx, s.cfg.Connections.SweepInterval.D(), func() {
			s.Sweep()
		})
	})

	if s.snapshots != nil {
		g.Go(func() error {
			return s.every(ctx, s.cfg.Snapshot.Interval.D(), func() {
				if _, err := s.Snapshot(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.log.Error().Err(err).Msg("snapshot failed")
				}
			})
		})
	}

	s.log.Info().Bool("snapshots", s.snapshots != nil).Msg("background loops started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	StaleConnections int `json:"staleConnections"`
	RateLimitEntries int `json:"rateLimitEntries"`
	ExpiredSessions  int `json:"expiredSessions"`
	ExpiredTokens    int `json:"expiredTokens"`
	OldMessages      int `json:"oldMessages"`
}

// Sweep runs every component's cleanup once.
func (s *Service) Sweep() SweepResult {
	res := SweepResult{
		StaleConnections: s.Registry.CleanupStale(),
		RateLimitEntries: s.Limiter.CleanupExpired(),
		ExpiredSessions:  s.Auth.CleanupExpiredSessions(),
		ExpiredTokens:    s.Auth.CleanupExpiredTokens(),
		OldMessages:      s.Queue.CleanupOldMessages(),
	}

	if res != (SweepResult{}) {
		s.log.Info().
			Int("stale_connections", res.StaleConnections).
			Int("rate_limit_entries", res.RateLimitEntries).
			Int("expired_sessions", res.ExpiredSessions).
			Int("expired_tokens", res.ExpiredTokens).
			Int("old_messages", res.OldMessages).
			Msg("sweep completed")
	}
	return res
}

// Snapshot exports workspaces, activity and dead letters to the snapshot
// store. Concurrent calls share one export.
func (s *Service) Snapshot(ctx context.Context) (*repository.SnapshotInfo, error) {
	if s.snapshots == nil {
		return nil, ErrSnapshotsDisabled
	}

	v, err, _ := s.snapGroup.Do("snapshot", func() (any, error) {
		now := s.now()
		info, err := s.snapshots.Save(ctx, repository.Snapshot{
			TakenAt:     now,
			Workspaces:  s.Workspaces.List(),
			Activity:    s.Workspaces.Activity("", 0),
			DeadLetters: s.Queue.Failed(0),
		})
		if err != nil {
			return nil, err
		}

		pruned, err := s.snapshots.PruneDeadLetters(ctx, now.Add(-s.cfg.Queue.Retention.D()))
		if err != nil {
			return nil, err
		}

		s.log.Debug().
			Int64("snapshot_id", info.ID).
			Int("workspaces", info.Workspaces).
			Int("activities", info.Activities).
			Int("dead_letters", info.DeadLetters).
			Int64("pruned", pruned).
			Msg("snapshot saved")
		return info, nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return v.(*repository.SnapshotInfo), nil
}

// Stats aggregates every component's statistics.
type Stats struct {
	Connections ws.Stats        `json:"connections"`
	RateLimits  ratelimit.Stats `json:"rateLimits"`
	Auth        auth.Stats      `json:"auth"`
	Workspaces  workspace.Stats `json:"workspaces"`
	Queue       queue.Status    `json:"queue"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Connections: s.Registry.Stats(),
		RateLimits:  s.Limiter.Stats(),
		Auth:        s.Auth.Stats(),
		Workspaces:  s.Workspaces.Statistics(),
		Queue:       s.Queue.QueueStatus(),
	}
}

// Close disconnects every connection and closes the snapshot store if New
// opened it.
func (s *Service) Close() error {
	n := s.Registry.DisconnectAll()
	s.log.Info().Int("connections", n).Msg("connections closed")

	if s.database != nil {
		if err := s.database.Close(); err != nil {
			return fmt.Errorf("close snapshot store: %w", err)
		}
	}
	return nil
}
