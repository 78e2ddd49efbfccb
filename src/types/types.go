package types

import "time"

// MessageType discriminates the wire-level message envelope.
type MessageType string

// Outbound message types.
const (
	TypeDashboardUpdate       MessageType = "dashboard_update"
	TypeFreshMetrics          MessageType = "fresh_metrics"
	TypeCacheInvalidate       MessageType = "cache_invalidate"
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"
	TypeInitialMetrics        MessageType = "initial_metrics"
	TypeMetricsUpdate         MessageType = "metrics_update"
	TypeRefreshInitiated      MessageType = "refresh_initiated"
	TypeConnectionEstablished MessageType = "connection_established"
)

// Inbound client message types on the dashboard channel.
const (
	TypeRefresh    MessageType = "refresh"
	TypeGetMetrics MessageType = "get_metrics"
)

// Message is the wire envelope for every dashboard frame, inbound or
// outbound. Timestamp is stamped by the connection manager if the caller
// leaves it zero; callers never set it themselves.
type Message struct {
	Type      MessageType    `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
}

// ActionTriggered reports whether this message type is emitted in direct
// response to a user action. These types carry data.action / data.entity_type
// and get the relaxed dedup window.
func (t MessageType) ActionTriggered() bool {
	return t == TypeDashboardUpdate || t == TypeFreshMetrics
}

// Replayable reports whether a message of this type may be cached as the
// user's last message and re-sent on reconnect. Cache invalidations and
// generic dashboard pushes would replay as stale state, so they are excluded.
func (t MessageType) Replayable() bool {
	return t != TypeCacheInvalidate && t != TypeDashboardUpdate
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	// ReadMessage returns the raw payload of the next inbound frame.
	// Decoding is left to the caller so that malformed JSON can be
	// ignored without tearing down the connection.
	ReadMessage() ([]byte, error)
	Close() error
	// CloseWithCode sends a close frame with the given status code before
	// closing the underlying socket.
	CloseWithCode(code int, reason string) error
}

// Close codes on the dashboard channel.
const (
	CloseUnauthorized  = 4001 // missing or invalid auth token
	CloseInternalError = 4002 // unrecoverable error while handling a message
)
