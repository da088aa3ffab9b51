package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"deskrelay/internal/ids"
)

const keepAliveInterval = 15 * time.Second

// HandleEvents streams bus events as server-sent events until the client
// goes away. A sessionId query parameter restricts the stream to one session.
func HandleEvents(w http.ResponseWriter, req *http.Request, bus *Bus) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := bus.Subscribe(32)
	defer bus.Unsubscribe(events)

	writeEvent(w, flusher, Event{
		Type: ConnectionChanged,
		Data: map[string]any{
			"status":         "connected",
			"subscriptionId": ids.NewToken(16),
		},
	})

	filter := req.URL.Query().Get("sessionId")
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && event.SessionID != filter {
				continue
			}
			writeEvent(w, flusher, event)
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event Event) {
	data := make(map[string]any, len(event.Data)+1)
	for k, v := range event.Data {
		data[k] = v
	}
	if event.SessionID != "" {
		data["sessionId"] = event.SessionID
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
