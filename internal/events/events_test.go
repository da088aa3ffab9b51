package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishAndUnsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch1 := bus.Subscribe(4)
	ch2 := bus.Subscribe(4)

	assert.Equal(t, 2, bus.Publish(Event{Type: SessionConnected, SessionID: "s1"}))
	assert.Equal(t, SessionConnected, (<-ch1).Type)
	assert.Equal(t, "s1", (<-ch2).SessionID)

	bus.Unsubscribe(ch1)
	bus.Unsubscribe(ch1)
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, bus.Subscribers())
	bus.Unsubscribe(ch2)

	assert.Equal(t, 0, bus.Publish(Event{Type: SessionClosed}))
}

func TestBus_FullBufferDrops(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch := bus.Subscribe(1)
	defer bus.Unsubscribe(ch)

	assert.Equal(t, 1, bus.Publish(Event{Type: "fill"}))
	assert.Equal(t, 0, bus.Publish(Event{Type: "overflow"}))
}

func TestHandleEvents_FiltersBySession(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		HandleEvents(w, r, bus)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?sessionId=s2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(Event{Type: SessionConnected, SessionID: "s1"})
	bus.Publish(Event{Type: PermissionChanged, SessionID: "s2", Data: map[string]any{"hasPermission": true}})

	reader := bufio.NewReader(resp.Body)
	var events, data []string
	for len(data) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		case strings.HasPrefix(line, "data: "):
			data = append(data, line)
		}
	}
	assert.Contains(t, data[1], `"sessionId":"s2"`)
	assert.Contains(t, data[1], `"hasPermission":true`)
	assert.Equal(t, []string{ConnectionChanged, PermissionChanged}, events)
}
