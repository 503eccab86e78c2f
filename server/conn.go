package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn adapts a WebSocket connection to session.Peer.
// gorilla/websocket allows one concurrent writer; writeMu enforces it.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{ws: ws, writeTimeout: writeTimeout}
}

// SendStatus writes one text status frame.
func (c *conn) SendStatus(ctx context.Context, msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// close sends a close frame with code and reason, then closes the socket.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
