package server

import (
	"time"

	"github.com/fasthttp/websocket"
)

const closeWriteTimeout = time.Second

// wsConn adapts fasthttp/websocket.Conn to the types.Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error { return w.conn.WriteJSON(v) }

// ReadMessage returns the payload of the next data frame, skipping
// control frames.
func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, payload, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

func (w *wsConn) Close() error { return w.conn.Close() }

// CloseWithCode sends a close frame carrying the status code, then closes
// the socket. The write is best-effort; the peer may already be gone.
func (w *wsConn) CloseWithCode(code int, reason string) error {
	frame := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeWriteTimeout))
	return w.conn.Close()
}
