package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/remote-agent-terminal/realtime/internal/ws"
)

type flags struct {
	Server   string
	Token    string
	Username string
	Password string
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:  "realtimectl",
		Usage: "Developer client for the realtime websocket endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "server",
				Aliases:     []string{"s"},
				Usage:       "server base URL",
				Sources:     cli.EnvVars("REALTIME_SERVER"),
				Value:       "http://localhost:8080",
				Destination: &f.Server,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "access token (skips login)",
				Sources:     cli.EnvVars("REALTIME_TOKEN"),
				Destination: &f.Token,
			},
			&cli.StringFlag{
				Name:        "username",
				Aliases:     []string{"u"},
				Usage:       "username to log in with",
				Sources:     cli.EnvVars("REALTIME_USERNAME"),
				Destination: &f.Username,
			},
			&cli.StringFlag{
				Name:        "password",
				Usage:       "password to log in with",
				Sources:     cli.EnvVars("REALTIME_PASSWORD"),
				Destination: &f.Password,
			},
		},
		Commands: []*cli.Command{
			listenCmd(f),
			sendCmd(f),
			replCmd(f),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func listenCmd(f *flags) *cli.Command {
	var (
		topics     []string
		workspaces []string
	)
	return &cli.Command{
		Name:  "listen",
		Usage: "subscribe to topics and workspaces and print every envelope",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "topic", Aliases: []string{"t"}, Usage: "topic to subscribe to (repeatable)", Destination: &topics},
			&cli.StringSliceFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "workspace to join (repeatable)", Destination: &workspaces},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			c, err := connect(ctx, f)
			if err != nil {
				return err
			}
			defer c.Close()

			for _, t := range topics {
				if err := c.Send(ws.FrameTypeSubscribe, map[string]string{"topic": t}); err != nil {
					return err
				}
			}
			for _, w := range workspaces {
				if err := c.Send(ws.FrameTypeJoinWorkspace, map[string]string{"workspace_id": w}); err != nil {
					return err
				}
			}

			out := newPrinter(os.Stdout)
			return c.Listen(ctx, func(env envelope) bool {
				out.Print(env)
				return true
			})
		},
	}
}

func sendCmd(f *flags) *cli.Command {
	var (
		typ     string
		data    string
		timeout time.Duration
	)
	return &cli.Command{
		Name:      "send",
		Usage:     "send one frame and wait for its ack or error",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Usage: "frame type", Required: true, Destination: &typ},
			&cli.StringFlag{Name: "data", Usage: "frame data as a JSON object", Value: "{}", Destination: &data},
			&cli.DurationFlag{Name: "timeout", Usage: "how long to wait for a reply", Value: 5 * time.Second, Destination: &timeout},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}

			c, err := connect(ctx, f)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Send(typ, json.RawMessage(data)); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			out := newPrinter(os.Stdout)
			var replyErr error
			err = c.Listen(ctx, func(env envelope) bool {
				out.Print(env)
				switch env.Type {
				case ws.EnvelopeTypeError:
					replyErr = fmt.Errorf("server rejected frame: %s", string(env.Data))
					return false
				case ws.EnvelopeTypeAck, ws.FrameTypePong, ws.EnvelopeTypeSubscribed,
					ws.EnvelopeTypeUnsubscribed, ws.EnvelopeTypeWorkspaceJoined, ws.EnvelopeTypeWorkspaceLeft:
					return false
				}
				return true
			})
			if replyErr != nil {
				return replyErr
			}
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("no reply within %s", timeout)
			}
			return err
		},
	}
}

func replCmd(f *flags) *cli.Command {
	return &cli.Command{
		Name:  "repl",
		Usage: "read frames from stdin as `<type> [json]` lines and print envelopes as they arrive",
		Action: func(ctx context.Context, _ *cli.Command) error {
			c, err := connect(ctx, f)
			if err != nil {
				return err
			}
			defer c.Close()
			return runREPL(ctx, c, os.Stdin, os.Stdout)
		},
	}
}
