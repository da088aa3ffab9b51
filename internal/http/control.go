package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"deskrelay/internal/protocol"
)

const (
	controlMaxInFlight   = 64
	controlMaxTimeout    = 5 * time.Minute
	controlWriteTimeout  = 10 * time.Second
	controlMaxMessageLen = 1 << 20
)

// controlHandler serves /api/control: a persistent socket carrying
// correlated command requests from the agent side. Each request runs in its
// own goroutine so a slow command never blocks the ones behind it.
type controlHandler struct {
	deps     Dependencies
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func newControlHandler(deps Dependencies, logger zerolog.Logger) *controlHandler {
	return &controlHandler{
		deps: deps,
		log:  logger.With().Str("component", "control").Logger(),
		upgrader: websocket.Upgrader{
			// The bearer token already gates this route.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type controlConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *controlConn) reply(resp protocol.ControlResponse) error {
	resp.Type = protocol.TypeResponse
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	return c.ws.WriteJSON(resp)
}

func (h *controlHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("control upgrade failed")
		return
	}
	log := h.log.With().Str("remote_addr", req.RemoteAddr).Logger()
	log.Info().Msg("control client connected")

	ctx, cancel := context.WithCancel(context.Background())
	conn := &controlConn{ws: ws}
	workers := pool.New().WithMaxGoroutines(controlMaxInFlight)
	defer func() {
		cancel()
		workers.Wait()
		_ = ws.Close()
		log.Info().Msg("control client disconnected")
	}()

	ws.SetReadLimit(controlMaxMessageLen)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("control read failed")
			}
			return
		}

		var request protocol.ControlRequest
		if err := json.Unmarshal(data, &request); err != nil {
			_ = conn.reply(protocol.ControlResponse{
				Error: protocol.Body(protocol.NewError(protocol.CodeInvalidRequest, "malformed request", err)),
			})
			continue
		}
		workers.Go(func() {
			resp := h.handle(ctx, request)
			if err := conn.reply(resp); err != nil {
				log.Debug().Err(err).Str("command_id", request.CommandID).Msg("control reply dropped")
			}
		})
	}
}

func (h *controlHandler) handle(ctx context.Context, request protocol.ControlRequest) protocol.ControlResponse {
	resp := protocol.ControlResponse{CommandID: request.CommandID, SessionID: request.SessionID}

	if request.Type != "" && request.Type != protocol.TypeCommand {
		resp.Error = protocol.Body(protocol.NewError(protocol.CodeInvalidRequest, "unsupported request type "+string(request.Type), nil))
		return resp
	}
	if request.CommandID == "" {
		resp.Error = protocol.Body(protocol.NewError(protocol.CodeInvalidRequest, "commandId is required", nil))
		return resp
	}

	if request.Action == protocol.ActionListSessions {
		data, err := json.Marshal(sessionList(h.deps.Registry))
		if err != nil {
			resp.Error = protocol.Body(err)
			return resp
		}
		resp.OK = true
		resp.Data = data
		return resp
	}

	timeout := h.deps.CommandTimeout
	if request.TimeoutMs > 0 {
		timeout = time.Duration(request.TimeoutMs) * time.Millisecond
		if timeout > controlMaxTimeout {
			timeout = controlMaxTimeout
		}
	}

	result, err := h.deps.Correlator.Dispatch(ctx, request.SessionID, request.Action, request.Data, timeout)
	if err != nil {
		resp.Error = protocol.Body(err)
		return resp
	}
	resp.OK = true
	resp.SessionID = result.SessionID
	resp.Data = result.Raw
	return resp
}
