// Package relay serves the /desktop WebSocket that desktop clients connect
// to. Each connection runs its own auth and permission state machine and
// feeds command responses back to the correlator.
package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"deskrelay/internal/auth"
	"deskrelay/internal/correlator"
	"deskrelay/internal/events"
	"deskrelay/internal/protocol"
	"deskrelay/internal/session"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultFrameThreshold    = 1000
	DefaultMaxMessageBytes   = 16 << 20
	DefaultAgentName         = "Desktop Agent"

	defaultWriteTimeout = 10 * time.Second

	authFailedRateLimited = "rate_limited"
)

type Config struct {
	AgentName         string
	HeartbeatInterval time.Duration
	FrameThreshold    int
	MaxMessageBytes   int64
	WriteTimeout      time.Duration
	// Auth attempts allowed per connection: AuthRate per second with bursts
	// of AuthBurst.
	AuthRate  rate.Limit
	AuthBurst int
}

func (c Config) withDefaults() Config {
	if c.AgentName == "" {
		c.AgentName = DefaultAgentName
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.FrameThreshold <= 0 {
		c.FrameThreshold = DefaultFrameThreshold
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.AuthRate <= 0 {
		c.AuthRate = rate.Every(time.Second)
	}
	if c.AuthBurst <= 0 {
		c.AuthBurst = 5
	}
	return c
}

type Dependencies struct {
	Registry   *session.Registry
	Correlator *correlator.Correlator
	Validator  auth.Validator
	Bus        *events.Bus
	Logger     zerolog.Logger
}

type Handler struct {
	cfg      Config
	deps     Dependencies
	log      zerolog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewHandler(cfg Config, deps Dependencies) *Handler {
	return &Handler{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			// Desktop clients are native apps and send no meaningful Origin.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		now: time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", req.RemoteAddr).Msg("desktop upgrade failed")
		return
	}
	h.serve(ws, req.RemoteAddr)
}

// CloseAll closes every live desktop socket. Hijacked connections are not
// covered by http.Server.Shutdown.
func (h *Handler) CloseAll() {
	for _, id := range h.deps.Registry.IDs() {
		if sess, err := h.deps.Registry.Get(id); err == nil {
			_ = sess.Transport().Close()
		}
	}
}

func (h *Handler) serve(ws *websocket.Conn, remoteAddr string) {
	c := newConn(ws, h.cfg.WriteTimeout)
	sess := h.deps.Registry.Register(c)
	log := h.log.With().Str("session_id", sess.ID()).Str("remote_addr", remoteAddr).Logger()
	log.Info().Msg("desktop connected")
	h.publish(events.SessionConnected, sess.ID(), nil)

	var wg conc.WaitGroup
	wg.Go(func() { h.heartbeat(c, log) })

	// The transport is closed first, so a dispatch that looked the session up
	// before Remove fails on Send instead of waiting out its timeout.
	defer func() {
		_ = c.Close()
		h.deps.Registry.Remove(sess.ID())
		h.deps.Correlator.SessionClosed(sess.ID())
		wg.Wait()
		h.publish(events.SessionClosed, sess.ID(), nil)
		log.Info().Msg("desktop disconnected")
	}()

	limiter := rate.NewLimiter(h.cfg.AuthRate, h.cfg.AuthBurst)
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Msg("desktop read failed")
			} else {
				log.Debug().Err(err).Msg("desktop read loop ended")
			}
			return
		}
		sess.Touch(h.now())

		switch messageType {
		case websocket.BinaryMessage:
			h.handleFrame(sess, data, log)
		case websocket.TextMessage:
			h.handleText(sess, c, limiter, data, log)
		}
	}
}

func (h *Handler) heartbeat(c *conn, log zerolog.Logger) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-ticker.C:
			if err := c.Send(protocol.Heartbeat{Type: protocol.TypeHeartbeat, Timestamp: protocol.NowMillis()}); err != nil {
				log.Warn().Err(err).Msg("heartbeat write failed, closing")
				return
			}
			log.Debug().Msg("heartbeat sent")
		}
	}
}

func (h *Handler) handleFrame(sess *session.Session, data []byte, log zerolog.Logger) {
	if len(data) <= h.cfg.FrameThreshold {
		log.Debug().Int("bytes", len(data)).Msg("ignoring small binary message")
		return
	}
	if !session.HasPermission(sess.Snapshot()) {
		log.Debug().Int("bytes", len(data)).Msg("dropping frame without permission")
		return
	}
	sess.SetFrame(data, h.now())
	log.Debug().Int("bytes", len(data)).Msg("frame stored")
}

func (h *Handler) handleText(sess *session.Session, c *conn, limiter *rate.Limiter, data []byte, log zerolog.Logger) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring malformed message")
		return
	}

	commandID := env.CommandID
	switch env.Type {
	case protocol.TypeAuth:
		h.handleAuth(sess, c, limiter, env, log)
	case protocol.TypePermissionGranted, protocol.TypePermissionDenied:
		if !sess.Snapshot().Authenticated {
			log.Warn().Str("type", string(env.Type)).Msg("permission message before auth ignored")
			return
		}
		pendingID, task := c.takePermission()
		if commandID == "" {
			commandID = pendingID
		}
		if env.Type == protocol.TypePermissionDenied {
			log.Info().Msg("desktop denied control")
			break
		}
		sess.SetPermission(true, env.WatchLive)
		log.Info().Bool("watch_live", env.WatchLive).Msg("desktop granted control")
		if err := c.Send(protocol.SessionStart{
			Type:      protocol.TypeSessionStart,
			SessionID: sess.ID(),
			Task:      task,
			Timestamp: protocol.NowMillis(),
		}); err != nil {
			log.Warn().Err(err).Msg("session_start write failed")
		}
		h.publish(events.PermissionChanged, sess.ID(), map[string]any{"hasPermission": true, "watchLive": env.WatchLive})
	case protocol.TypePermissionRevoked:
		if !sess.Snapshot().Authenticated {
			log.Warn().Msg("permission_revoked before auth ignored")
			return
		}
		sess.SetPermission(false, false)
		log.Info().Str("reason", env.Reason).Msg("desktop revoked control")
		h.publish(events.PermissionChanged, sess.ID(), map[string]any{"hasPermission": false, "reason": env.Reason})
	case protocol.TypeHeartbeatResponse:
		log.Debug().Msg("heartbeat acknowledged")
	case protocol.TypeResponse:
	default:
		if commandID == "" {
			log.Debug().Str("type", string(env.Type)).Msg("ignoring unknown message type")
		}
	}

	if commandID != "" {
		h.deps.Correlator.Resolve(sess.ID(), commandID, json.RawMessage(withCommandID(data, env, commandID)))
	}
}

func (h *Handler) handleAuth(sess *session.Session, c *conn, limiter *rate.Limiter, env *protocol.Envelope, log zerolog.Logger) {
	if !limiter.Allow() {
		log.Warn().Msg("auth attempt rate limited")
		h.sendAuthFailed(c, authFailedRateLimited, log)
		return
	}

	claims, err := h.deps.Validator.Validate(strings.TrimSpace(env.Token))
	if err != nil {
		log.Warn().Err(err).Msg("desktop auth rejected")
		h.sendAuthFailed(c, err.Error(), log)
		return
	}

	userID := claims.UserID
	if userID == "" {
		userID = env.UserID
	}
	sess.Authenticate(session.Identity{
		UserID:     userID,
		ClientType: env.ClientType,
		Platform:   env.Platform,
		Version:    env.Version,
	})
	log.Info().Str("user_id", userID).Str("platform", env.Platform).Str("client_version", env.Version).Msg("desktop authenticated")

	if err := c.Send(protocol.AuthSuccess{
		Type:        protocol.TypeAuthSuccess,
		SessionID:   sess.ID(),
		AgentName:   h.cfg.AgentName,
		Permissions: protocol.DeviceActions(),
		Timestamp:   protocol.NowMillis(),
	}); err != nil {
		log.Warn().Err(err).Msg("auth_success write failed")
		return
	}
	h.publish(events.SessionAuthenticated, sess.ID(), map[string]any{"userId": userID, "platform": env.Platform})
}

func (h *Handler) sendAuthFailed(c *conn, reason string, log zerolog.Logger) {
	if err := c.Send(protocol.AuthFailed{
		Type:      protocol.TypeAuthFailed,
		Reason:    reason,
		Timestamp: protocol.NowMillis(),
	}); err != nil {
		log.Warn().Err(err).Msg("auth_failed write failed")
	}
}

func (h *Handler) publish(eventType string, sessionID string, data map[string]any) {
	if h.deps.Bus == nil {
		return
	}
	h.deps.Bus.Publish(events.Event{Type: eventType, SessionID: sessionID, Data: data})
}

// withCommandID returns data unchanged when the device echoed the id, and
// otherwise a copy of the message with the inferred id filled in.
func withCommandID(data []byte, env *protocol.Envelope, commandID string) []byte {
	if env.CommandID == commandID {
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	id, _ := json.Marshal(commandID)
	fields["commandId"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return out
}
