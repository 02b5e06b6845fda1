package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// WebSocketConn adapts a gorilla websocket to Conn. Writes are serialized; Close and
// Ping may be called concurrently with Send.
type WebSocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*WebSocketConn)(nil)

// NewWebSocketConn wraps ws. A non-positive writeTimeout uses DefaultWriteTimeout.
func NewWebSocketConn(ws *websocket.Conn, writeTimeout time.Duration) *WebSocketConn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocketConn{ws: ws, writeTimeout: writeTimeout}
}

// Send writes one envelope as a text frame.
func (c *WebSocketConn) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", env.Kind, err)
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", env.Kind, err)
	}
	return nil
}

// Receive blocks for the next frame and decodes it.
func (c *WebSocketConn) Receive() (Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	return Decode(data)
}

// Ping sends a websocket ping control frame.
func (c *WebSocketConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// KeepAlive arms read deadlines so a peer that stops answering pings is detected after pongWait.
func (c *WebSocketConn) KeepAlive(pongWait time.Duration) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// AnswerPings replies to peer pings and extends the read deadline by idle on each one. It is
// the counterpart of KeepAlive for the side that does not send pings.
func (c *WebSocketConn) AnswerPings(idle time.Duration) {
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})
}

// SetReadDeadline bounds the next Receive.
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close sends a close frame and releases the socket. Safe to call more than once.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// IsExpectedClose reports whether err is a normal end of a websocket session.
func IsExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
