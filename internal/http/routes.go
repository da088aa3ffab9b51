// Package httpserver is the bridge's HTTP surface: the desktop socket, the
// authenticated control API and the health probe.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"deskrelay/internal/correlator"
	"deskrelay/internal/events"
	"deskrelay/internal/protocol"
	"deskrelay/internal/session"
)

type Dependencies struct {
	Registry       *session.Registry
	Correlator     *correlator.Correlator
	Bus            *events.Bus
	DeviceHandler  http.Handler
	ControlToken   string
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

type routes struct {
	deps Dependencies
	log  zerolog.Logger
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = correlator.DefaultTimeout
	}
	rt := &routes{deps: deps, log: deps.Logger.With().Str("component", "http").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(rt.log))

	r.Get("/health", rt.health)
	r.Head("/health", rt.health)
	if deps.DeviceHandler != nil {
		r.Handle("/desktop", deps.DeviceHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(ControlAuth(deps.ControlToken))
		r.Get("/sessions", rt.listSessions)
		r.Get("/sessions/{id}/frame", rt.frame)
		r.Post("/command", rt.command)
		r.Get("/events", rt.events)
		r.Get("/control", newControlHandler(deps, rt.log).ServeHTTP)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "not_found"})
	})
	return r
}

func (rt *routes) health(w http.ResponseWriter, req *http.Request) {
	ids := rt.deps.Registry.IDs()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"sessions":   len(ids),
		"sessionIds": ids,
	})
}

func (rt *routes) listSessions(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, sessionList(rt.deps.Registry))
}

type commandRequest struct {
	SessionID string          `json:"sessionId"`
	Action    protocol.Action `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Data      json.RawMessage `json:"data"`
}

func (rt *routes) command(w http.ResponseWriter, req *http.Request) {
	var body commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, protocol.NewError(protocol.CodeInvalidRequest, "invalid JSON body", err))
		return
	}
	if body.Action == "" {
		writeError(w, protocol.NewError(protocol.CodeInvalidRequest, "action is required", nil))
		return
	}
	if body.Action == protocol.ActionListSessions {
		writeJSON(w, http.StatusOK, sessionList(rt.deps.Registry))
		return
	}
	payload := body.Payload
	if len(payload) == 0 {
		payload = body.Data
	}

	resp, err := rt.deps.Correlator.Dispatch(req.Context(), body.SessionID, body.Action, payload, rt.deps.CommandTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, resp.Raw)
}

func (rt *routes) frame(w http.ResponseWriter, req *http.Request) {
	sess, err := rt.deps.Registry.Get(chi.URLParam(req, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, protocol.NewError(protocol.CodeNotConnected, "session not found", err))
			return
		}
		writeError(w, err)
		return
	}
	frame, at := sess.Frame()
	if len(frame) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no_frame", Message: "no frame received yet"})
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(frame))
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("X-Frame-Timestamp", strconv.FormatInt(at.UnixMilli(), 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

func (rt *routes) events(w http.ResponseWriter, req *http.Request) {
	if rt.deps.Bus == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "events disabled"})
		return
	}
	events.HandleEvents(w, req, rt.deps.Bus)
}

func sessionList(registry *session.Registry) protocol.SessionList {
	snaps := registry.List(nil)
	out := protocol.SessionList{OK: true, Sessions: make([]protocol.SessionInfo, 0, len(snaps))}
	for _, snap := range snaps {
		out.Sessions = append(out.Sessions, protocol.SessionInfo{
			ID:              snap.ID,
			UserID:          snap.UserID,
			IsAuthenticated: snap.Authenticated,
			HasPermission:   snap.HasPermission,
			ConnectedAt:     snap.ConnectedAt.UnixMilli(),
			LastActivity:    snap.LastActivity.UnixMilli(),
			HasFrame:        snap.HasFrame,
			ClientType:      snap.ClientType,
			Platform:        snap.Platform,
		})
	}
	return out
}
