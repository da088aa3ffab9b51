package protocol

import (
	"encoding/json"
	"time"
)

type MessageType string

// Device -> relay.
const (
	TypeAuth              MessageType = "auth"
	TypePermissionGranted MessageType = "permission_granted"
	TypePermissionDenied  MessageType = "permission_denied"
	TypePermissionRevoked MessageType = "permission_revoked"
	TypeHeartbeatResponse MessageType = "heartbeat_response"
	TypeResponse          MessageType = "response"
)

// Relay -> device.
const (
	TypeAuthSuccess       MessageType = "auth_success"
	TypeAuthFailed        MessageType = "auth_failed"
	TypePermissionRequest MessageType = "permission_request"
	TypeSessionStart      MessageType = "session_start"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeCommand           MessageType = "command"
)

type Action string

const (
	ActionScreenshot        Action = "screenshot"
	ActionClick             Action = "click"
	ActionType              Action = "type"
	ActionKeypress          Action = "keypress"
	ActionStatus            Action = "status"
	ActionReleaseControl    Action = "release_control"
	ActionPermissionRequest Action = "permission_request"
	ActionListSessions      Action = "list_sessions"
)

var knownActions = map[Action]struct{}{
	ActionScreenshot:        {},
	ActionClick:             {},
	ActionType:              {},
	ActionKeypress:          {},
	ActionStatus:            {},
	ActionReleaseControl:    {},
	ActionPermissionRequest: {},
	ActionListSessions:      {},
}

// Valid reports whether a is part of the closed action set.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// DeviceActions are the actions advertised to a desktop client in auth_success.
func DeviceActions() []string {
	return []string{
		string(ActionScreenshot),
		string(ActionClick),
		string(ActionType),
		string(ActionKeypress),
		string(ActionStatus),
		string(ActionReleaseControl),
	}
}

// Envelope is the loose shape of every JSON message on the device socket.
// Devices use either type or action as the discriminator and either data or
// payload for the body, so both spellings are accepted.
type Envelope struct {
	Type      MessageType     `json:"type,omitempty"`
	Action    string          `json:"action,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	Token      string `json:"token,omitempty"`
	ClientType string `json:"clientType,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Version    string `json:"version,omitempty"`
	UserID     string `json:"userId,omitempty"`
	WatchLive  bool   `json:"watchLive,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Type == "" && env.Action != "" {
		env.Type = MessageType(env.Action)
	}
	return &env, nil
}

// Body returns data, falling back to payload.
func (e *Envelope) Body() json.RawMessage {
	if len(e.Data) > 0 {
		return e.Data
	}
	return e.Payload
}

type AuthSuccess struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"sessionId"`
	AgentName   string      `json:"agentName"`
	Permissions []string    `json:"permissions"`
	Timestamp   int64       `json:"timestamp"`
}

type AuthFailed struct {
	Type      MessageType `json:"type"`
	Reason    string      `json:"reason"`
	Timestamp int64       `json:"timestamp"`
}

type PermissionRequest struct {
	Type      MessageType `json:"type"`
	CommandID string      `json:"commandId"`
	SessionID string      `json:"sessionId"`
	Reason    string      `json:"reason"`
	Task      string      `json:"task,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type SessionStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Task      string      `json:"task"`
	Timestamp int64       `json:"timestamp"`
}

type Heartbeat struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

type Command struct {
	Type      MessageType     `json:"type"`
	CommandID string          `json:"commandId"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// DeviceResponse is the body a desktop client sends back for a command.
type DeviceResponse struct {
	Type      MessageType     `json:"type,omitempty"`
	CommandID string          `json:"commandId"`
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}
