package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

const sendBufferSize = 256

var (
	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrSendBufferFull is returned when a slow client falls behind; the client is closed.
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Transport is the registry's view of a live connection.
type Transport interface {
	Send(data []byte) error
	Close() error
	IsOpen() bool
}

// Client is a websocket connection. Outbound frames are buffered and written
// by the handler's write pump.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient wraps conn. conn may be nil in tests that only use the send buffer.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// Send queues data for the write pump.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.closeLocked()
		return ErrSendBufferFull
	}
}

// Close stops the client. The write pump sends a close frame and drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsOpen reports whether the client still accepts frames.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Conn returns the underlying websocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the outbound buffer.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}
