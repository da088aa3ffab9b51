package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"deskrelay/internal/auth"
	"deskrelay/internal/correlator"
	"deskrelay/internal/events"
	"deskrelay/internal/protocol"
	"deskrelay/internal/session"
)

type harness struct {
	registry   *session.Registry
	correlator *correlator.Correlator
	bus        *events.Bus
	handler    *Handler
	server     *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zerolog.Nop()
	registry := session.NewRegistry()
	corr := correlator.New(registry, logger)
	bus := events.NewBus(logger)
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	handler := NewHandler(cfg, Dependencies{
		Registry:   registry,
		Correlator: corr,
		Validator:  auth.NewValidator(nil, auth.DefaultMinTokenLength),
		Bus:        bus,
		Logger:     logger,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.CloseAll()
		srv.Close()
	})
	return &harness{registry: registry, correlator: corr, bus: bus, handler: handler, server: srv}
}

type device struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(t *testing.T) *device {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &device{t: t, ws: ws}
}

func (d *device) send(v any) {
	d.t.Helper()
	require.NoError(d.t, d.ws.WriteJSON(v))
}

// read returns the next non-heartbeat message.
func (d *device) read() map[string]any {
	d.t.Helper()
	for {
		require.NoError(d.t, d.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg map[string]any
		require.NoError(d.t, d.ws.ReadJSON(&msg))
		if msg["type"] == string(protocol.TypeHeartbeat) {
			continue
		}
		return msg
	}
}

func (d *device) authenticate() string {
	d.t.Helper()
	d.send(map[string]any{"type": "auth", "token": "abc1234567", "clientType": "desktop", "platform": "darwin", "version": "1.2.0"})
	msg := d.read()
	require.Equal(d.t, string(protocol.TypeAuthSuccess), msg["type"])
	return msg["sessionId"].(string)
}

// grant answers a permission_request dispatched in the background.
func (h *harness) grant(t *testing.T, d *device, sessionID string) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := h.correlator.Dispatch(context.Background(), sessionID, protocol.ActionPermissionRequest, json.RawMessage(`{"task":"tidy inbox"}`), 3*time.Second)
		done <- err
	}()
	req := d.read()
	require.Equal(t, string(protocol.TypePermissionRequest), req["type"])
	d.send(map[string]any{"type": "permission_granted", "watchLive": true})
	start := d.read()
	require.Equal(t, string(protocol.TypeSessionStart), start["type"])
	require.NoError(t, <-done)
}

type dispatchResult struct {
	resp *correlator.Response
	err  error
}

func (h *harness) dispatchAsync(sessionID string, action protocol.Action, payload string, timeout time.Duration) <-chan dispatchResult {
	out := make(chan dispatchResult, 1)
	go func() {
		var raw json.RawMessage
		if payload != "" {
			raw = json.RawMessage(payload)
		}
		resp, err := h.correlator.Dispatch(context.Background(), sessionID, action, raw, timeout)
		out <- dispatchResult{resp: resp, err: err}
	}()
	return out
}

// Authenticated without permission: a screenshot is refused before anything
// reaches the device.
func TestScenarioA_NoPermission(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)

	sessionID := d.authenticate()
	snap, err := h.registry.Get(sessionID)
	require.NoError(t, err)
	assert.True(t, snap.Snapshot().Authenticated)
	assert.Equal(t, "darwin", snap.Snapshot().Platform)

	_, err = h.correlator.Dispatch(context.Background(), sessionID, protocol.ActionScreenshot, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNoPermission)
}

func TestScenarioB_GrantThenCommand(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)
	sessionID := d.authenticate()

	pending := h.dispatchAsync(sessionID, protocol.ActionPermissionRequest, `{"task":"tidy inbox"}`, 3*time.Second)
	req := d.read()
	assert.Equal(t, string(protocol.TypePermissionRequest), req["type"])
	assert.Equal(t, sessionID, req["sessionId"])
	assert.Equal(t, "tidy inbox", req["reason"])

	d.send(map[string]any{"type": "permission_granted", "watchLive": true})
	start := d.read()
	assert.Equal(t, string(protocol.TypeSessionStart), start["type"])
	assert.Equal(t, "tidy inbox", start["task"])

	granted := <-pending
	require.NoError(t, granted.err)
	assert.True(t, granted.resp.Success)
	assert.Equal(t, protocol.TypePermissionGranted, granted.resp.Type)

	click := h.dispatchAsync(sessionID, protocol.ActionClick, `{"x":100,"y":200}`, 3*time.Second)
	cmd := d.read()
	require.Equal(t, string(protocol.TypeCommand), cmd["type"])
	assert.Equal(t, "click", cmd["action"])
	assert.Equal(t, map[string]any{"x": float64(100), "y": float64(200)}, cmd["data"])
	d.send(map[string]any{"type": "response", "commandId": cmd["commandId"], "success": true, "data": map[string]any{"clicked": true}})

	res := <-click
	require.NoError(t, res.err)
	assert.True(t, res.resp.Success)
	assert.JSONEq(t, `{"clicked":true}`, string(res.resp.Data))
}

// The device never answers: the call times out and the late reply is dropped.
func TestScenarioC_TimeoutThenLateReply(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)
	sessionID := d.authenticate()
	h.grant(t, d, sessionID)

	res := h.dispatchAsync(sessionID, protocol.ActionStatus, "", 100*time.Millisecond)
	cmd := d.read()
	out := <-res
	assert.ErrorIs(t, out.err, protocol.ErrTimeout)

	d.send(map[string]any{"type": "response", "commandId": cmd["commandId"], "success": true})
	// The socket and session survive the stray reply.
	next := h.dispatchAsync(sessionID, protocol.ActionStatus, "", 3*time.Second)
	cmd = d.read()
	d.send(map[string]any{"type": "response", "commandId": cmd["commandId"], "success": true})
	assert.NoError(t, (<-next).err)
	assert.Equal(t, 0, h.correlator.Pending())
}

// Two desktops, one permitted: default dispatch reaches the permitted one and
// an explicit dispatch to the other is refused before sending.
func TestScenarioD_DefaultSessionIsPermittedOne(t *testing.T) {
	h := newHarness(t, Config{})
	idle := h.dial(t)
	idleID := idle.authenticate()
	active := h.dial(t)
	activeID := active.authenticate()
	h.grant(t, active, activeID)

	permitted := h.registry.List(session.HasPermission)
	require.Len(t, permitted, 1)
	assert.Equal(t, activeID, permitted[0].ID)

	res := h.dispatchAsync("", protocol.ActionScreenshot, "", 3*time.Second)
	cmd := active.read()
	active.send(map[string]any{"type": "response", "commandId": cmd["commandId"], "success": true})
	out := <-res
	require.NoError(t, out.err)
	assert.Equal(t, activeID, out.resp.SessionID)

	_, err := h.correlator.Dispatch(context.Background(), idleID, protocol.ActionScreenshot, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNoPermission)

	// Nothing reached the idle desktop.
	require.NoError(t, idle.ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = idle.ws.ReadMessage()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestInvalidAuthKeepsConnection(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)

	d.send(map[string]any{"type": "auth", "token": "short"})
	failed := d.read()
	assert.Equal(t, string(protocol.TypeAuthFailed), failed["type"])
	assert.Equal(t, auth.ErrInvalidToken.Error(), failed["reason"])

	d.send(map[string]any{"type": "auth"})
	failed = d.read()
	assert.Equal(t, auth.ErrMissingToken.Error(), failed["reason"])

	assert.Equal(t, 1, h.registry.Len())
	d.authenticate()
}

func TestAuthAttemptsRateLimited(t *testing.T) {
	h := newHarness(t, Config{AuthRate: rate.Every(time.Hour), AuthBurst: 2})
	d := h.dial(t)

	for i := 0; i < 2; i++ {
		d.send(map[string]any{"type": "auth", "token": "bad"})
		assert.Equal(t, auth.ErrInvalidToken.Error(), d.read()["reason"])
	}
	d.send(map[string]any{"type": "auth", "token": "abc1234567"})
	msg := d.read()
	assert.Equal(t, string(protocol.TypeAuthFailed), msg["type"])
	assert.Equal(t, "rate_limited", msg["reason"])
}

func TestPermissionBeforeAuthIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)
	d.send(map[string]any{"type": "permission_granted"})
	sessionID := d.authenticate()

	sess, err := h.registry.Get(sessionID)
	require.NoError(t, err)
	assert.False(t, sess.Snapshot().HasPermission)
}

func TestMalformedJSONIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)
	require.NoError(t, d.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	d.authenticate()
}

func TestPermissionRevokedBlocksNextDispatch(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)
	sessionID := d.authenticate()
	h.grant(t, d, sessionID)

	inFlight := h.dispatchAsync(sessionID, protocol.ActionType, `{"text":"hello"}`, 3*time.Second)
	cmd := d.read()

	d.send(map[string]any{"type": "permission_revoked", "reason": "user clicked stop"})
	require.Eventually(t, func() bool {
		sess, err := h.registry.Get(sessionID)
		return err == nil && !sess.Snapshot().HasPermission
	}, time.Second, 5*time.Millisecond)

	_, err := h.correlator.Dispatch(context.Background(), sessionID, protocol.ActionType, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNoPermission)

	d.send(map[string]any{"type": "response", "commandId": cmd["commandId"], "success": true})
	assert.NoError(t, (<-inFlight).err)
}

func TestFramesStoredOnlyWithPermission(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)
	sessionID := d.authenticate()
	sess, err := h.registry.Get(sessionID)
	require.NoError(t, err)

	big := make([]byte, 4096)
	big[0] = 0x89
	require.NoError(t, d.ws.WriteMessage(websocket.BinaryMessage, big))

	h.grant(t, d, sessionID)
	assert.False(t, sess.Snapshot().HasFrame, "frame sent before permission must be dropped")

	require.NoError(t, d.ws.WriteMessage(websocket.BinaryMessage, []byte("tiny")))
	require.NoError(t, d.ws.WriteMessage(websocket.BinaryMessage, big))
	require.Eventually(t, func() bool { return sess.Snapshot().HasFrame }, time.Second, 5*time.Millisecond)
	frame, _ := sess.Frame()
	assert.Len(t, frame, 4096)
}

func TestDisconnectFailsInFlightAndRemovesSession(t *testing.T) {
	h := newHarness(t, Config{})
	closed := h.bus.Subscribe(8)
	defer h.bus.Unsubscribe(closed)

	d := h.dial(t)
	sessionID := d.authenticate()
	h.grant(t, d, sessionID)

	res := h.dispatchAsync(sessionID, protocol.ActionScreenshot, "", 5*time.Second)
	d.read()
	require.NoError(t, d.ws.Close())

	out := <-res
	assert.ErrorIs(t, out.err, protocol.ErrTransport)
	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, err := h.correlator.Dispatch(context.Background(), sessionID, protocol.ActionStatus, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)

	var seen []string
	timeout := time.After(time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != events.SessionClosed {
		select {
		case ev := <-closed:
			seen = append(seen, ev.Type)
		case <-timeout:
			t.Fatalf("no session-closed event, saw %v", seen)
		}
	}
	assert.Equal(t, events.SessionConnected, seen[0])
}

func TestHeartbeatSent(t *testing.T) {
	h := newHarness(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	d := h.dial(t)

	require.NoError(t, d.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, d.ws.ReadJSON(&msg))
	assert.Equal(t, string(protocol.TypeHeartbeat), msg["type"])
	assert.NotZero(t, msg["timestamp"])

	d.send(map[string]any{"type": "heartbeat_response"})
	d.authenticate()
}

// A grant after a revoke was not prompted by a request, so its session_start
// carries no task.
func TestRegrantAfterRevokeHasNoStaleTask(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)
	sessionID := d.authenticate()
	h.grant(t, d, sessionID)

	d.send(map[string]any{"type": "permission_revoked", "reason": "paused"})
	require.Eventually(t, func() bool {
		sess, err := h.registry.Get(sessionID)
		return err == nil && !sess.Snapshot().HasPermission
	}, 2*time.Second, 5*time.Millisecond)

	d.send(map[string]any{"type": "permission_granted"})
	start := d.read()
	require.Equal(t, string(protocol.TypeSessionStart), start["type"])
	assert.Equal(t, "", start["task"])
}

func TestAbruptDisconnectClosesTransportBeforeRemoval(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.dial(t)
	sessionID := d.authenticate()
	sess, err := h.registry.Get(sessionID)
	require.NoError(t, err)
	transport := sess.Transport()

	// No close frame: drop the TCP connection.
	require.NoError(t, d.ws.UnderlyingConn().Close())
	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, 2*time.Second, time.Millisecond)

	// A dispatch that found the session just before removal must not be able
	// to write to it.
	assert.ErrorIs(t, transport.Send(protocol.Heartbeat{Type: protocol.TypeHeartbeat}), errConnClosed)
}
