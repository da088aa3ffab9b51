package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deskrelay/internal/protocol"
)

var errConnClosed = errors.New("connection closed")

// conn is the session.Transport for one desktop socket. Writes are
// serialised; reads belong to the handler's read loop.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	// Last permission_request written on this socket. Devices reply to it
	// with permission_granted, which may or may not echo its commandId.
	permissionID   string
	permissionTask string

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Send writes v as one JSON text message. A failed write closes the socket.
func (c *conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if req, ok := v.(protocol.PermissionRequest); ok {
		c.permissionID = req.CommandID
		c.permissionTask = req.Task
		if c.permissionTask == "" {
			c.permissionTask = req.Reason
		}
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed = true
		c.shutdown()
		return err
	}
	return nil
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once and from any goroutine.
func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	c.shutdown()
	return nil
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) Done() <-chan struct{} {
	return c.done
}

// takePermission returns the outstanding permission request id and its task,
// and clears both. A later unsolicited grant starts a session with no task.
func (c *conn) takePermission() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, task := c.permissionID, c.permissionTask
	c.permissionID, c.permissionTask = "", ""
	return id, task
}
