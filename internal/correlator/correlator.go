// Package correlator turns the fire-and-forget device socket into a
// request/response channel: every command gets a fresh id, is registered
// before it is sent, and is resolved exactly once.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"deskrelay/internal/ids"
	"deskrelay/internal/protocol"
	"deskrelay/internal/session"
)

const (
	DefaultTimeout = 30 * time.Second

	defaultPermissionReason = "The agent is requesting control of this desktop"
)

// Response is a device reply matched to the command that produced it.
type Response struct {
	CommandID string
	SessionID string
	Action    protocol.Action
	Type      protocol.MessageType
	Success   bool
	Data      json.RawMessage
	Error     string
	Raw       json.RawMessage
}

type Correlator struct {
	registry *session.Registry
	table    *Table
	log      zerolog.Logger
}

func New(registry *session.Registry, logger zerolog.Logger) *Correlator {
	return &Correlator{
		registry: registry,
		table:    NewTable(),
		log:      logger.With().Str("component", "correlator").Logger(),
	}
}

// Resolve hands a device message carrying commandID to the caller waiting on
// it. Only the session the command was sent to may resolve it.
func (c *Correlator) Resolve(sessionID string, commandID string, raw json.RawMessage) bool {
	ok := c.table.ResolveFrom(sessionID, commandID, raw)
	if !ok {
		c.log.Debug().Str("session_id", sessionID).Str("command_id", commandID).Msg("no pending call for response")
	}
	return ok
}

// SessionClosed fails every call still waiting on sessionID.
func (c *Correlator) SessionClosed(sessionID string) int {
	n := c.table.FailSession(sessionID, protocol.NewError(protocol.CodeTransport,
		fmt.Sprintf("session %s closed", sessionID), nil))
	if n > 0 {
		c.log.Info().Str("session_id", sessionID).Int("failed", n).Msg("failed in-flight commands on close")
	}
	return n
}

func (c *Correlator) Pending() int {
	return c.table.Len()
}

// Close fails every pending call. Used on shutdown.
func (c *Correlator) Close() int {
	n := c.table.FailAll(protocol.NewError(protocol.CodeTransport, "relay shutting down", nil))
	if n > 0 {
		c.log.Info().Int("failed", n).Msg("failed in-flight commands on shutdown")
	}
	return n
}

// Dispatch sends action to a desktop session and waits for its correlated
// response. An empty sessionID selects the default session. Permission is
// checked before anything touches the transport.
func (c *Correlator) Dispatch(ctx context.Context, sessionID string, action protocol.Action, payload json.RawMessage, timeout time.Duration) (*Response, error) {
	if !action.Valid() || action == protocol.ActionListSessions {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, fmt.Sprintf("action %q cannot be dispatched to a desktop", action), nil)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	sess, err := c.target(sessionID, action)
	if err != nil {
		return nil, err
	}
	snap := sess.Snapshot()
	if !snap.Authenticated {
		return nil, protocol.NewError(protocol.CodeNotAuthenticated, fmt.Sprintf("session %s is not authenticated", snap.ID), nil)
	}
	if action != protocol.ActionPermissionRequest && !snap.HasPermission {
		return nil, protocol.NewError(protocol.CodeNoPermission, fmt.Sprintf("session %s has not granted control", snap.ID), nil)
	}

	frame, err := buildFrame(action, sess.ID(), payload)
	if err != nil {
		return nil, err
	}
	call := NewCall(frame.commandID, sess.ID(), action, timeout)
	if err := c.table.Register(call); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "register command", err)
	}

	log := c.log.With().Str("session_id", sess.ID()).Str("command_id", call.ID).Str("action", string(action)).Logger()
	log.Debug().Dur("timeout", timeout).Msg("dispatching command")

	if err := sess.Transport().Send(frame.body); err != nil {
		c.table.Fail(call.ID, protocol.NewError(protocol.CodeTransport, "send command", err))
	}

	raw, err := c.table.Wait(ctx, call, timeout)
	if err != nil {
		log.Warn().Err(err).Msg("command failed")
		return nil, err
	}
	resp, err := parseResponse(raw)
	if err != nil {
		return nil, err
	}
	resp.CommandID = call.ID
	resp.SessionID = sess.ID()
	resp.Action = action
	log.Debug().Bool("success", resp.Success).Msg("command resolved")
	return resp, nil
}

func (c *Correlator) target(sessionID string, action protocol.Action) (*session.Session, error) {
	if sessionID != "" {
		sess, err := c.registry.Get(sessionID)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeNotConnected, fmt.Sprintf("session %s is not connected", sessionID), err)
		}
		return sess, nil
	}

	var (
		snap session.Snapshot
		ok   bool
	)
	if action == protocol.ActionPermissionRequest {
		snap, ok = session.PickAuthenticated(c.registry)
	} else {
		snap, ok = session.PickDefault(c.registry)
	}
	if !ok {
		switch {
		case len(c.registry.List(session.IsAuthenticated)) > 0:
			return nil, protocol.NewError(protocol.CodeNoPermission, "no desktop session has granted control", nil)
		case c.registry.Len() > 0:
			return nil, protocol.NewError(protocol.CodeNotAuthenticated, "no desktop session is authenticated", nil)
		default:
			return nil, protocol.NewError(protocol.CodeNotConnected, "no desktop session is connected", nil)
		}
	}
	sess, err := c.registry.Get(snap.ID)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeNotConnected, fmt.Sprintf("session %s disconnected", snap.ID), err)
	}
	return sess, nil
}

type outbound struct {
	commandID string
	body      any
}

type permissionPayload struct {
	Reason string `json:"reason"`
	Task   string `json:"task"`
}

func buildFrame(action protocol.Action, sessionID string, payload json.RawMessage) (outbound, error) {
	id := ids.NewCommandID()
	if action != protocol.ActionPermissionRequest {
		return outbound{commandID: id, body: protocol.Command{
			Type:      protocol.TypeCommand,
			CommandID: id,
			Action:    action,
			Data:      payload,
			Timestamp: protocol.NowMillis(),
		}}, nil
	}

	var p permissionPayload
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &p); err != nil {
			return outbound{}, protocol.NewError(protocol.CodeInvalidRequest, "permission_request payload", err)
		}
	}
	if p.Reason == "" {
		p.Reason = p.Task
	}
	if p.Reason == "" {
		p.Reason = defaultPermissionReason
	}
	return outbound{commandID: id, body: protocol.PermissionRequest{
		Type:      protocol.TypePermissionRequest,
		CommandID: id,
		SessionID: sessionID,
		Reason:    p.Reason,
		Task:      p.Task,
		Timestamp: protocol.NowMillis(),
	}}, nil
}

func parseResponse(raw json.RawMessage) (*Response, error) {
	var body protocol.DeviceResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, protocol.NewError(protocol.CodeTransport, "malformed device response", err)
	}
	resp := &Response{
		Type:  body.Type,
		Data:  body.Data,
		Error: body.Error,
		Raw:   raw,
	}
	switch {
	case body.Type == protocol.TypePermissionDenied:
		resp.Success = false
		if resp.Error == "" {
			resp.Error = "permission denied"
		}
	case body.Success != nil:
		resp.Success = *body.Success
	default:
		resp.Success = body.Error == ""
	}
	return resp, nil
}
