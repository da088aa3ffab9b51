package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskrelay/internal/protocol"
)

type Status string

const (
	StatusReady              Status = "ready"
	StatusOK                 Status = "ok"
	StatusNotConnected       Status = "not_connected"
	StatusNotAuthenticated   Status = "not_authenticated"
	StatusAwaitingPermission Status = "awaiting_permission"
	StatusPermissionDenied   Status = "permission_denied"
	StatusTimeout            Status = "timeout"
	StatusInvalidRequest     Status = "invalid_request"
	StatusFailed             Status = "failed"
	StatusRelayUnavailable   Status = "relay_unavailable"
)

// Result is what every desktop action reports back to the caller: a short
// machine status plus a message meant for a human.
type Result struct {
	Status    Status          `json:"status"`
	Message   string          `json:"message"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (r Result) OK() bool {
	return r.Status == StatusOK || r.Status == StatusReady
}

const (
	msgNotConnected     = "Desktop app is not running or not connected to the relay."
	msgNotAuthenticated = "Desktop app is connected but has not signed in yet."
	msgAwaiting         = "Waiting for you to click Allow in the desktop app."
	msgNoPermission     = "Desktop control has not been granted. Call use_desktop first and click Allow in the desktop app."
	msgDenied           = "Desktop control was denied in the desktop app."
	msgTimeout          = "The desktop app did not answer in time."
	msgDisconnected     = "The desktop app disconnected while the command was running."
)

// deviceReply is the desktop's own message, relayed verbatim as the data of
// a successful control response.
type deviceReply struct {
	Type    protocol.MessageType `json:"type"`
	Success *bool                `json:"success"`
	Data    json.RawMessage      `json:"data"`
	Payload json.RawMessage      `json:"payload"`
	Error   json.RawMessage      `json:"error"`
	Message string               `json:"message"`
}

func (r deviceReply) failed() bool {
	if r.Type == protocol.TypePermissionDenied {
		return true
	}
	if r.Success != nil {
		return !*r.Success
	}
	return len(r.Error) > 0 && string(r.Error) != "null"
}

func (r deviceReply) body() json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Payload
}

func (r deviceReply) errorText() string {
	if len(r.Error) > 0 {
		var text string
		if err := json.Unmarshal(r.Error, &text); err == nil {
			return text
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(r.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
		return string(r.Error)
	}
	return r.Message
}

// UseDesktop asks the user for desktop control. When a session already has
// it, the session is reused and no new prompt is shown.
func (c *Client) UseDesktop(ctx context.Context, task string) Result {
	sessions, err := c.sessions(ctx)
	if err != nil {
		return c.failure(err)
	}
	if sess, ok := firstWith(sessions, func(s protocol.SessionInfo) bool { return s.HasPermission }); ok {
		c.pin(sess.ID)
		return Result{Status: StatusReady, Message: "Desktop control is active.", SessionID: sess.ID}
	}
	if len(sessions) == 0 {
		return Result{Status: StatusNotConnected, Message: msgNotConnected}
	}
	if _, ok := firstWith(sessions, func(s protocol.SessionInfo) bool { return s.IsAuthenticated }); !ok {
		return Result{Status: StatusNotAuthenticated, Message: msgNotAuthenticated}
	}

	data := map[string]string{"task": task, "reason": task}
	resp, err := c.call(ctx, "", protocol.ActionPermissionRequest, data, c.cfg.PermissionTimeout)
	if err != nil {
		if errors.Is(err, protocol.ErrTimeout) {
			return Result{Status: StatusAwaitingPermission, Message: msgAwaiting}
		}
		return c.failure(err)
	}
	reply := decodeReply(resp.Data)
	if reply.failed() {
		return Result{Status: StatusPermissionDenied, Message: msgDenied, SessionID: resp.SessionID}
	}
	c.pin(resp.SessionID)
	return Result{Status: StatusReady, Message: "Desktop control granted.", SessionID: resp.SessionID}
}

func (c *Client) SeeScreen(ctx context.Context) Result {
	return c.command(ctx, protocol.ActionScreenshot, nil, c.cfg.ScreenshotTimeout, "Screenshot captured.")
}

func (c *Client) Click(ctx context.Context, x int, y int, button string) Result {
	if x < 0 || y < 0 {
		return Result{Status: StatusInvalidRequest, Message: "Click coordinates must not be negative."}
	}
	if button == "" {
		button = "left"
	}
	data := map[string]any{"x": x, "y": y, "button": button}
	return c.command(ctx, protocol.ActionClick, data, c.cfg.InteractiveTimeout,
		fmt.Sprintf("Clicked %s at (%d, %d).", button, x, y))
}

func (c *Client) Type(ctx context.Context, text string) Result {
	if text == "" {
		return Result{Status: StatusInvalidRequest, Message: "Nothing to type."}
	}
	return c.command(ctx, protocol.ActionType, map[string]string{"text": text}, c.cfg.InteractiveTimeout,
		fmt.Sprintf("Typed %d characters.", len([]rune(text))))
}

func (c *Client) Keys(ctx context.Context, combo string) Result {
	combo = strings.TrimSpace(combo)
	if combo == "" {
		return Result{Status: StatusInvalidRequest, Message: "No key combination given."}
	}
	return c.command(ctx, protocol.ActionKeypress, map[string]string{"keys": combo}, c.cfg.InteractiveTimeout,
		"Pressed "+combo+".")
}

// Status reports the device's own status when control is granted, and
// otherwise describes how far the connection has got.
func (c *Client) Status(ctx context.Context) Result {
	sessions, err := c.sessions(ctx)
	if err != nil {
		return c.failure(err)
	}
	if len(sessions) == 0 {
		return Result{Status: StatusNotConnected, Message: msgNotConnected}
	}
	if _, ok := firstWith(sessions, func(s protocol.SessionInfo) bool { return s.HasPermission }); ok {
		return c.command(ctx, protocol.ActionStatus, nil, c.cfg.InteractiveTimeout, "Desktop control is active.")
	}
	list, _ := json.Marshal(sessions)
	if _, ok := firstWith(sessions, func(s protocol.SessionInfo) bool { return s.IsAuthenticated }); ok {
		return Result{Status: StatusAwaitingPermission, Message: "Desktop app is connected; control has not been granted.", Data: list}
	}
	return Result{Status: StatusNotAuthenticated, Message: msgNotAuthenticated, Data: list}
}

func (c *Client) Release(ctx context.Context, message string) Result {
	var data map[string]string
	if message != "" {
		data = map[string]string{"message": message}
	}
	result := c.command(ctx, protocol.ActionReleaseControl, data, c.cfg.InteractiveTimeout, "Desktop control released.")
	if result.OK() {
		c.pin("")
	}
	return result
}

func (c *Client) command(ctx context.Context, action protocol.Action, data any, timeout time.Duration, okMessage string) Result {
	sessionID := c.SessionID()
	resp, err := c.call(ctx, sessionID, action, data, timeout)
	if err != nil {
		if sessionID != "" && errors.Is(err, protocol.ErrNotConnected) {
			c.pin("")
		}
		return c.failure(err)
	}
	reply := decodeReply(resp.Data)
	if reply.failed() {
		message := reply.errorText()
		if message == "" {
			message = "The desktop app reported a failure."
		}
		return Result{Status: StatusFailed, Message: message, SessionID: resp.SessionID, Data: reply.body()}
	}
	return Result{Status: StatusOK, Message: okMessage, SessionID: resp.SessionID, Data: reply.body()}
}

func (c *Client) sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	resp, err := c.call(ctx, "", protocol.ActionListSessions, nil, c.cfg.InteractiveTimeout)
	if err != nil {
		return nil, err
	}
	var list protocol.SessionList
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		return nil, fmt.Errorf("%w: malformed session list: %w", ErrRelayUnavailable, err)
	}
	return list.Sessions, nil
}

func (c *Client) pin(sessionID string) {
	c.mu.Lock()
	c.pinned = sessionID
	c.mu.Unlock()
}

// failure turns an error into the Result a caller sees. Each relay error
// code keeps its own status.
func (c *Client) failure(err error) Result {
	if errors.Is(err, ErrRelayUnavailable) {
		message := "Cannot reach the desktop relay."
		if errors.Is(err, ErrUnauthorized) {
			message = "The desktop relay rejected the control token."
		}
		c.log.Warn().Err(err).Msg("relay unavailable")
		return Result{Status: StatusRelayUnavailable, Message: message}
	}
	switch protocol.CodeOf(err) {
	case protocol.CodeNotConnected:
		return Result{Status: StatusNotConnected, Message: msgNotConnected}
	case protocol.CodeNotAuthenticated:
		return Result{Status: StatusNotAuthenticated, Message: msgNotAuthenticated}
	case protocol.CodeNoPermission:
		return Result{Status: StatusAwaitingPermission, Message: msgNoPermission}
	case protocol.CodeTimeout:
		return Result{Status: StatusTimeout, Message: msgTimeout}
	case protocol.CodeInvalidRequest:
		return Result{Status: StatusInvalidRequest, Message: err.Error()}
	case protocol.CodeTransport:
		return Result{Status: StatusNotConnected, Message: msgDisconnected}
	default:
		return Result{Status: StatusFailed, Message: err.Error()}
	}
}

func decodeReply(raw json.RawMessage) deviceReply {
	var reply deviceReply
	_ = json.Unmarshal(raw, &reply)
	return reply
}

func firstWith(sessions []protocol.SessionInfo, pred func(protocol.SessionInfo) bool) (protocol.SessionInfo, bool) {
	for _, s := range sessions {
		if pred(s) {
			return s, true
		}
	}
	return protocol.SessionInfo{}, false
}
