package hub

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/pulseboard/socket/src/types"
)

// ErrClientClosed is returned by Send after the client has been closed.
var ErrClientClosed = errors.New("client closed")

// Client wraps a single live WebSocket connection owned by one user.
// The manager holds every client for its lifetime; nothing else closes it.
type Client struct {
	ID     string
	UserID string
	conn   types.Conn

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client wrapper for an already-accepted connection.
func NewClient(userID string, conn types.Conn) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
	}
}

// Send writes one message to the socket. Writes are serialized so that
// concurrent broadcasts and direct replies never interleave frames.
func (c *Client) Send(msg types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.conn.WriteJSON(msg)
}

// ReadMessage blocks until the next inbound frame arrives. The returned
// bytes are the raw payload; the caller decodes them and decides what to
// do with malformed input.
func (c *Client) ReadMessage() ([]byte, error) {
	return c.conn.ReadMessage()
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// CloseWithCode sends a close frame with the given status code, then closes.
func (c *Client) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.CloseWithCode(code, reason)
}
