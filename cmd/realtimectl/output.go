package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// printer writes envelopes indented on a terminal and as JSON lines otherwise.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	pretty bool
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w}
	if f, ok := w.(*os.File); ok {
		p.pretty = term.IsTerminal(int(f.Fd()))
	}
	return p
}

func (p *printer) Print(env envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.pretty {
		line, err := json.Marshal(env)
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(line))
		return
	}

	fmt.Fprintf(p.w, "[%s] %s\n", env.Timestamp.Local().Format(time.TimeOnly), env.Type)
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, env.Data, "  ", "  "); err != nil {
		fmt.Fprintf(p.w, "  %s\n", env.Data)
		return
	}
	fmt.Fprintf(p.w, "  %s\n", buf.String())
}

// parseLine splits a REPL line into a frame type and its JSON data. A bare
// word with no data sends an empty object.
func parseLine(line string) (string, json.RawMessage, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, errors.New("empty line")
	}

	typ, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return typ, json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(rest)) {
		return "", nil, fmt.Errorf("data for %q is not valid JSON", typ)
	}
	return typ, json.RawMessage(rest), nil
}

type sender interface {
	Send(typ string, data any) error
	Listen(ctx context.Context, fn func(envelope) bool) error
}

// runREPL sends one frame per input line while envelopes print concurrently.
// It returns when input ends, the connection drops or ctx is cancelled.
func runREPL(ctx context.Context, c sender, in io.Reader, out io.Writer) error {
	p := newPrinter(out)
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- c.Listen(ctx, func(env envelope) bool {
			p.Print(env)
			return true
		})
		cancel()
	}()

	if interactive {
		fmt.Fprintln(out, "type frames as: <type> [json], e.g. subscribe {\"topic\":\"builds\"}. Ctrl+D to quit.")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return <-listenErr
		case line, ok := <-lines:
			if !ok {
				cancel()
				return <-listenErr
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			typ, data, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			if err := c.Send(typ, data); err != nil {
				cancel()
				<-listenErr
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}
