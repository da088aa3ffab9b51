package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskrelay/internal/protocol"
	"deskrelay/internal/session"
)

// recordingTransport captures outbound frames and optionally answers them.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []any
	sendErr error
	onSend  func(v any)
}

func (t *recordingTransport) Send(v any) error {
	t.mu.Lock()
	t.sent = append(t.sent, v)
	onSend, err := t.onSend, t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if onSend != nil {
		go onSend(v)
	}
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) Sent() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]any(nil), t.sent...)
}

func newFixture(t *testing.T) (*Correlator, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry()
	return New(registry, zerolog.Nop()), registry
}

func permitted(r *session.Registry, tr session.Transport) *session.Session {
	sess := r.Register(tr)
	sess.Authenticate(session.Identity{UserID: "u-1"})
	sess.SetPermission(true, false)
	return sess
}

func commandID(v any) string {
	switch m := v.(type) {
	case protocol.Command:
		return m.CommandID
	case protocol.PermissionRequest:
		return m.CommandID
	}
	return ""
}

func TestDispatch_Success(t *testing.T) {
	c, r := newFixture(t)
	tr := &recordingTransport{}
	sess := permitted(r, tr)
	tr.onSend = func(v any) {
		id := commandID(v)
		c.Resolve(sess.ID(), id, json.RawMessage(`{"type":"response","commandId":"`+id+`","success":true,"data":{"x":1}}`))
	}

	resp, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionStatus, nil, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"x":1}`, string(resp.Data))
	assert.Equal(t, sess.ID(), resp.SessionID)
	assert.Equal(t, 0, c.Pending())

	sent := tr.Sent()
	require.Len(t, sent, 1)
	cmd, ok := sent[0].(protocol.Command)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeCommand, cmd.Type)
	assert.Equal(t, protocol.ActionStatus, cmd.Action)
	assert.Len(t, cmd.CommandID, 32)
}

func TestDispatch_RejectedBeforeSend(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*session.Session)
		action protocol.Action
		want   error
	}{
		{
			name:   "unauthenticated",
			setup:  func(*session.Session) {},
			action: protocol.ActionClick,
			want:   protocol.ErrNotAuthenticated,
		},
		{
			name:   "authenticated without permission",
			setup:  func(s *session.Session) { s.Authenticate(session.Identity{}) },
			action: protocol.ActionClick,
			want:   protocol.ErrNoPermission,
		},
		{
			name:   "permission request before auth",
			setup:  func(*session.Session) {},
			action: protocol.ActionPermissionRequest,
			want:   protocol.ErrNotAuthenticated,
		},
		{
			name:   "list_sessions is local",
			setup:  func(s *session.Session) { s.Authenticate(session.Identity{}); s.SetPermission(true, false) },
			action: protocol.ActionListSessions,
			want:   protocol.ErrInvalidRequest,
		},
		{
			name:   "unknown action",
			setup:  func(s *session.Session) { s.Authenticate(session.Identity{}); s.SetPermission(true, false) },
			action: protocol.Action("format_disk"),
			want:   protocol.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, r := newFixture(t)
			tr := &recordingTransport{}
			sess := r.Register(tr)
			tt.setup(sess)

			_, err := c.Dispatch(context.Background(), sess.ID(), tt.action, nil, time.Second)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, tr.Sent(), "nothing may be sent on a rejected dispatch")
			assert.Equal(t, 0, c.Pending())
		})
	}
}

func TestDispatch_UnknownSession(t *testing.T) {
	c, _ := newFixture(t)
	_, err := c.Dispatch(context.Background(), "missing", protocol.ActionStatus, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
}

func TestDispatch_DefaultSessionErrors(t *testing.T) {
	c, r := newFixture(t)

	_, err := c.Dispatch(context.Background(), "", protocol.ActionStatus, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)

	sess := r.Register(&recordingTransport{})
	_, err = c.Dispatch(context.Background(), "", protocol.ActionStatus, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNotAuthenticated)

	sess.Authenticate(session.Identity{})
	_, err = c.Dispatch(context.Background(), "", protocol.ActionStatus, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNoPermission)
}

func TestDispatch_Timeout(t *testing.T) {
	c, r := newFixture(t)
	tr := &recordingTransport{}
	sess := permitted(r, tr)

	start := time.Now()
	_, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionScreenshot, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, c.Pending())

	// The reply arrives after the deadline and is discarded.
	id := commandID(tr.Sent()[0])
	assert.False(t, c.Resolve(sess.ID(), id, json.RawMessage(`{"commandId":"`+id+`"}`)))
}

func TestDispatch_ContextCancelled(t *testing.T) {
	c, r := newFixture(t)
	sess := permitted(r, &recordingTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Dispatch(ctx, sess.ID(), protocol.ActionStatus, nil, time.Minute)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatch_SendFailure(t *testing.T) {
	c, r := newFixture(t)
	sess := permitted(r, &recordingTransport{sendErr: errors.New("broken pipe")})

	_, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionStatus, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrTransport)
	assert.ErrorContains(t, err, "broken pipe")
	assert.Equal(t, 0, c.Pending())
}

func TestDispatch_SessionClosedFailsInFlight(t *testing.T) {
	c, r := newFixture(t)
	tr := &recordingTransport{}
	sess := permitted(r, tr)
	tr.onSend = func(any) {
		c.SessionClosed(sess.ID())
	}

	_, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionStatus, nil, time.Minute)
	assert.ErrorIs(t, err, protocol.ErrTransport)
}

func TestClose_FailsEveryPendingCall(t *testing.T) {
	c, r := newFixture(t)
	tr := &recordingTransport{}
	sess := permitted(r, tr)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionStatus, nil, time.Minute)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, c.Close())
	assert.ErrorIs(t, <-errs, protocol.ErrTransport)
	assert.Zero(t, c.Pending())
}

// A permission revoke while a command is in flight lets that command finish
// but blocks the next one.
func TestDispatch_RevokeWhileInFlight(t *testing.T) {
	c, r := newFixture(t)
	tr := &recordingTransport{}
	sess := permitted(r, tr)

	release := make(chan struct{})
	tr.onSend = func(v any) {
		<-release
		id := commandID(v)
		c.Resolve(sess.ID(), id, json.RawMessage(`{"commandId":"`+id+`","success":true}`))
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionClick, json.RawMessage(`{"x":1,"y":2}`), 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	sess.SetPermission(false, false)

	_, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionClick, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrNoPermission)

	close(release)
	assert.NoError(t, <-done)
}

func TestDispatch_PermissionRequestFrame(t *testing.T) {
	c, r := newFixture(t)
	tr := &recordingTransport{}
	sess := r.Register(tr)
	sess.Authenticate(session.Identity{})
	tr.onSend = func(v any) {
		id := commandID(v)
		c.Resolve(sess.ID(), id, json.RawMessage(`{"type":"permission_denied","commandId":"`+id+`"}`))
	}

	resp, err := c.Dispatch(context.Background(), "", protocol.ActionPermissionRequest, json.RawMessage(`{"task":"file the report"}`), time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "permission denied", resp.Error)

	req, ok := tr.Sent()[0].(protocol.PermissionRequest)
	require.True(t, ok)
	assert.Equal(t, sess.ID(), req.SessionID)
	assert.Equal(t, "file the report", req.Reason)
	assert.Equal(t, "file the report", req.Task)
}

func TestResolve_WrongSessionIgnored(t *testing.T) {
	c, r := newFixture(t)
	tr := &recordingTransport{}
	sess := permitted(r, tr)
	other := permitted(r, &recordingTransport{})

	tr.onSend = func(v any) {
		id := commandID(v)
		assert.False(t, c.Resolve(other.ID(), id, json.RawMessage(`{"commandId":"`+id+`"}`)))
		assert.True(t, c.Resolve(sess.ID(), id, json.RawMessage(`{"commandId":"`+id+`","success":true}`)))
	}
	_, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionStatus, nil, time.Second)
	require.NoError(t, err)
}

func TestDispatch_ConcurrentOutOfOrder(t *testing.T) {
	c, r := newFixture(t)
	tr := &recordingTransport{}
	sess := permitted(r, tr)
	tr.onSend = func(v any) {
		cmd := v.(protocol.Command)
		// Later commands reply sooner.
		var n int
		_ = json.Unmarshal(cmd.Data, &n)
		time.Sleep(time.Duration(20-n) * time.Millisecond)
		c.Resolve(sess.ID(), cmd.CommandID, json.RawMessage(`{"commandId":"`+cmd.CommandID+`","data":`+string(cmd.Data)+`}`))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, _ := json.Marshal(i)
			resp, err := c.Dispatch(context.Background(), sess.ID(), protocol.ActionType, payload, 2*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, string(payload), string(resp.Data))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.Pending())
}
