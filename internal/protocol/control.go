package protocol

import "encoding/json"

// ControlRequest is sent by callers on the /api/control socket.
type ControlRequest struct {
	Type      MessageType     `json:"type"`
	CommandID string          `json:"commandId"`
	SessionID string          `json:"sessionId,omitempty"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// ControlResponse answers exactly one ControlRequest, matched by CommandID.
type ControlResponse struct {
	Type      MessageType     `json:"type"`
	CommandID string          `json:"commandId"`
	OK        bool            `json:"ok"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// SessionInfo is the public view of a session used by list_sessions and
// GET /api/sessions.
type SessionInfo struct {
	ID              string `json:"id"`
	UserID          string `json:"userId,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	HasPermission   bool   `json:"hasPermission"`
	ConnectedAt     int64  `json:"connectedAt"`
	LastActivity    int64  `json:"lastActivity"`
	HasFrame        bool   `json:"hasFrame"`
	ClientType      string `json:"clientType,omitempty"`
	Platform        string `json:"platform,omitempty"`
}

type SessionList struct {
	OK       bool          `json:"ok"`
	Sessions []SessionInfo `json:"sessions"`
}
