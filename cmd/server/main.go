package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/remote-agent-terminal/realtime/api/handlers"
	"github.com/remote-agent-terminal/realtime/internal/config"
	"github.com/remote-agent-terminal/realtime/internal/core"
	"github.com/remote-agent-terminal/realtime/internal/logger"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

const shutdownTimeout = 30 * time.Second

type flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	Addr       string
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:    "realtime-server",
		Usage:   "Real-time collaboration server: websocket fan-out, message queue and workspaces",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to YAML config file",
				Sources:     cli.EnvVars("REALTIME_CONFIG"),
				Value:       "config.yaml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error), overrides the config file",
				Sources:     cli.EnvVars("REALTIME_LOG_LEVEL"),
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional), overrides the config file",
				Sources:     cli.EnvVars("REALTIME_LOG_FILE"),
				Destination: &f.LogFile,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address, overrides the config file",
				Sources:     cli.EnvVars("REALTIME_ADDR"),
				Destination: &f.Addr,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return serve(ctx, f)
		},
		Commands: []*cli.Command{
			{
				Name:  "check-config",
				Usage: "load and validate the config file, then exit",
				Action: func(_ context.Context, _ *cli.Command) error {
					if _, err := loadConfig(f); err != nil {
						return err
					}
					fmt.Println("config ok")
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.Addr != "" {
		cfg.Server.Addr = f.Addr
	}
	return cfg, nil
}

func serve(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	closer, err := logger.Setup(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer closer.Close()

	svc, err := core.New(cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.NewRouter(svc, logger.Component("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(runCtx) }()

	listenErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	stopCore := func(ctx context.Context) error {
		stopRun()
		select {
		case err := <-runDone:
			if err != nil {
				log.Error().Err(err).Msg("background loops stopped with error")
			}
		case <-ctx.Done():
		}
		return svc.Close()
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
			"realtime-core": stopCore,
		},
	)

	select {
	case err := <-listenErr:
		log.Error().Err(err).Msg("http server failed")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := stopCore(ctx); cerr != nil {
			log.Error().Err(cerr).Msg("close service")
		}
		return fmt.Errorf("http server: %w", err)

	case exitCode := <-wait:
		log.Info().Int("exit_code", exitCode).Msg("shutdown complete")
		if exitCode != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", exitCode)
		}
		return nil
	}
}
