// Package events fans session lifecycle changes out to in-process
// subscribers such as the SSE stream.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

const (
	SessionConnected     = "session-connected"
	SessionAuthenticated = "session-authenticated"
	PermissionChanged    = "permission-changed"
	SessionClosed        = "session-closed"
	ConnectionChanged    = "connection-changed"
)

type Event struct {
	Type      string
	SessionID string
	Data      map[string]any
}

// Bus is a non-blocking broadcaster. A subscriber whose buffer is full misses
// the event rather than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	log  zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		log:  logger.With().Str("component", "events").Logger(),
	}
}

func (b *Bus) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers event to every subscriber with room for it and returns how
// many received it.
func (b *Bus) Publish(event Event) int {
	delivered, dropped := 0, 0
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	b.mu.RUnlock()
	if dropped > 0 {
		b.log.Debug().Str("event", event.Type).Int("delivered", delivered).Int("dropped", dropped).Msg("slow subscribers missed event")
	}
	return delivered
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
