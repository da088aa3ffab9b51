package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"deskrelay/internal/protocol"
)

var ErrDuplicateID = errors.New("correlation id already pending")

// Call is one outstanding request awaiting its correlated response. It is
// completed exactly once, by whichever of response, failure or deadline
// reaches the table first.
type Call struct {
	ID        string
	SessionID string
	Action    protocol.Action
	CreatedAt time.Time
	Deadline  time.Time

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func NewCall(id string, sessionID string, action protocol.Action, timeout time.Duration) *Call {
	now := time.Now()
	return &Call{
		ID:        id,
		SessionID: sessionID,
		Action:    action,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		done:      make(chan struct{}),
	}
}

func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result is only meaningful once Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.result, c.err
}

func (c *Call) complete(result json.RawMessage, err error) bool {
	completed := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
		completed = true
	})
	return completed
}

// Table holds pending calls keyed by correlation id. Removing an entry and
// completing its call happen together, so a late duplicate finds nothing.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Call
}

func NewTable() *Table {
	return &Table{pending: make(map[string]*Call)}
}

func (t *Table) Register(call *Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[call.ID]; exists {
		return ErrDuplicateID
	}
	t.pending[call.ID] = call
	return nil
}

// Resolve completes the call id with result. It returns false when no such
// call is pending (already resolved, timed out or never registered).
func (t *Table) Resolve(id string, result json.RawMessage) bool {
	call := t.take(id, "")
	if call == nil {
		return false
	}
	return call.complete(result, nil)
}

// ResolveFrom is Resolve restricted to calls sent to sessionID, so one
// desktop cannot answer a command addressed to another.
func (t *Table) ResolveFrom(sessionID string, id string, result json.RawMessage) bool {
	call := t.take(id, sessionID)
	if call == nil {
		return false
	}
	return call.complete(result, nil)
}

func (t *Table) Fail(id string, err error) bool {
	call := t.take(id, "")
	if call == nil {
		return false
	}
	return call.complete(nil, err)
}

// FailSession fails every call pending against sessionID.
func (t *Table) FailSession(sessionID string, err error) int {
	t.mu.Lock()
	var calls []*Call
	for id, call := range t.pending {
		if call.SessionID == sessionID {
			calls = append(calls, call)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()
	for _, call := range calls {
		call.complete(nil, err)
	}
	return len(calls)
}

func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	calls := make([]*Call, 0, len(t.pending))
	for id, call := range t.pending {
		calls = append(calls, call)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	for _, call := range calls {
		call.complete(nil, err)
	}
	return len(calls)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) take(id string, sessionID string) *Call {
	if id == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.pending[id]
	if !ok {
		return nil
	}
	if sessionID != "" && call.SessionID != sessionID {
		return nil
	}
	delete(t.pending, id)
	return call
}

// Wait blocks until call completes, timeout elapses or ctx is done. On every
// path the call is gone from the table when Wait returns.
func (t *Table) Wait(ctx context.Context, call *Call, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-call.done:
	case <-timer.C:
		t.Fail(call.ID, protocol.NewError(protocol.CodeTimeout,
			fmt.Sprintf("%s %s: no response within %s", call.Action, call.ID, timeout), nil))
	case <-ctx.Done():
		t.Fail(call.ID, protocol.NewError(protocol.CodeTimeout,
			fmt.Sprintf("%s %s: wait abandoned", call.Action, call.ID), ctx.Err()))
	}
	// If Fail lost a race with Resolve, the response wins.
	<-call.done
	return call.result, call.err
}
