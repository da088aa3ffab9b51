package session

import (
	"sync"
	"time"
)

// Transport is the outbound half of a desktop connection.
type Transport interface {
	Send(v any) error
	Close() error
}

// Identity is what a successful auth handshake establishes.
type Identity struct {
	UserID     string
	ClientType string
	Platform   string
	Version    string
}

// Session is one live desktop connection. Only the handler that owns the
// transport calls the mutating methods; everyone else reads Snapshot.
type Session struct {
	id          string
	transport   Transport
	connectedAt time.Time

	mu            sync.RWMutex
	identity      Identity
	authenticated bool
	permitted     bool
	watchLive     bool
	lastFrame     []byte
	lastFrameAt   time.Time
	lastActivity  time.Time
}

// Snapshot is an immutable copy of a session's state at one instant.
type Snapshot struct {
	ID            string
	UserID        string
	ClientType    string
	Platform      string
	Version       string
	Authenticated bool
	HasPermission bool
	WatchLive     bool
	HasFrame      bool
	ConnectedAt   time.Time
	LastActivity  time.Time
	LastFrameAt   time.Time
}

func newSession(id string, transport Transport, now time.Time) *Session {
	return &Session{
		id:           id,
		transport:    transport,
		connectedAt:  now,
		lastActivity: now,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Transport() Transport {
	return s.transport
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:            s.id,
		UserID:        s.identity.UserID,
		ClientType:    s.identity.ClientType,
		Platform:      s.identity.Platform,
		Version:       s.identity.Version,
		Authenticated: s.authenticated,
		HasPermission: s.permitted,
		WatchLive:     s.watchLive,
		HasFrame:      len(s.lastFrame) > 0,
		ConnectedAt:   s.connectedAt,
		LastActivity:  s.lastActivity,
		LastFrameAt:   s.lastFrameAt,
	}
}

// Frame returns the most recent screen frame. The returned slice is never
// written to again; a newer frame replaces the reference instead.
func (s *Session) Frame() ([]byte, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFrame, s.lastFrameAt
}

// Authenticate marks the session authenticated. It is never unset; a
// repeated call only refreshes the identity.
func (s *Session) Authenticate(identity Identity) {
	s.mu.Lock()
	s.identity = identity
	s.authenticated = true
	s.mu.Unlock()
}

// SetPermission toggles control consent and reports the previous value.
func (s *Session) SetPermission(granted bool, watchLive bool) bool {
	s.mu.Lock()
	previous := s.permitted
	s.permitted = granted
	if granted {
		s.watchLive = watchLive
	} else {
		s.watchLive = false
	}
	s.mu.Unlock()
	return previous
}

// SetFrame stores frame as the latest screen capture. The caller hands over
// ownership of frame.
func (s *Session) SetFrame(frame []byte, at time.Time) {
	s.mu.Lock()
	s.lastFrame = frame
	s.lastFrameAt = at
	s.mu.Unlock()
}

func (s *Session) Touch(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastActivity) {
		s.lastActivity = at
	}
	s.mu.Unlock()
}
