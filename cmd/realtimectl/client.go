package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/realtime/internal/ws"
)

// envelope is a server message as received on the wire.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
}

// connect resolves a token, dials /ws and waits for the connected envelope.
func connect(ctx context.Context, f *flags) (*client, error) {
	token := f.Token
	if token == "" {
		if f.Username == "" {
			return nil, errors.New("either --token or --username/--password is required")
		}
		var err error
		token, err = login(ctx, f.Server, f.Username, f.Password)
		if err != nil {
			return nil, err
		}
	}

	wsURL, err := websocketURL(f.Server, token)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s", f.Server, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", f.Server, err)
	}

	c := &client{conn: conn}
	var first envelope
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if first.Type != ws.EnvelopeTypeConnected {
		conn.Close()
		return nil, fmt.Errorf("unexpected greeting %q", first.Type)
	}
	return c, nil
}

// websocketURL maps an http(s) base URL onto its /ws endpoint.
func websocketURL(server, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func login(ctx context.Context, server, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: %s", resp.Status)
	}

	var out struct {
		AccessToken struct {
			Token string `json:"token"`
		} `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	return out.AccessToken.Token, nil
}

// Send writes one frame.
func (c *client) Send(typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(ws.Frame{Type: typ, Data: raw})
}

// Listen reads envelopes until fn returns false, the context ends or the
// connection closes. A context cancellation is not an error.
func (c *client) Listen(ctx context.Context, fn func(envelope) bool) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if !fn(env) {
			return nil
		}
	}
}

// Close sends a close frame and closes the connection.
func (c *client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
