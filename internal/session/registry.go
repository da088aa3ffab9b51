// Package session holds the authoritative in-memory table of live desktop
// connections. State lives only as long as the process.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"deskrelay/internal/ids"
)

var ErrNotFound = errors.New("session not found")

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register creates a session for a freshly connected transport.
func (r *Registry) Register(transport Transport) *Session {
	sess := newSession(ids.NewSessionID(), transport, r.now())
	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	return sess
}

func (r *Registry) Get(id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Remove drops id from the table. It reports whether the session existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns snapshots of every session matching pred (all sessions when
// pred is nil), oldest connection first.
func (r *Registry) List(pred func(Snapshot) bool) []Snapshot {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		all = append(all, sess)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, sess := range all {
		snap := sess.Snapshot()
		if pred != nil && !pred(snap) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) IDs() []string {
	snaps := r.List(nil)
	out := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.ID)
	}
	return out
}

func HasPermission(s Snapshot) bool {
	return s.Authenticated && s.HasPermission
}

func IsAuthenticated(s Snapshot) bool {
	return s.Authenticated
}
