// Package client drives a deskrelay bridge from the agent side. It keeps one
// control socket open to <relay>/api/control and turns each high-level
// desktop action into a correlated request on it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"deskrelay/internal/correlator"
	"deskrelay/internal/ids"
	"deskrelay/internal/protocol"
)

const (
	DefaultInteractiveTimeout = 30 * time.Second
	DefaultScreenshotTimeout  = 60 * time.Second
	DefaultPermissionTimeout  = 60 * time.Second

	controlPath  = "/api/control"
	writeTimeout = 10 * time.Second
	// Extra time granted on top of the relay-side timeout so the relay's own
	// timeout error arrives before ours fires.
	replySlack = 5 * time.Second
)

var (
	// ErrRelayUnavailable marks failures reaching the relay itself, as
	// opposed to errors the relay reported.
	ErrRelayUnavailable = errors.New("relay unavailable")
	ErrUnauthorized     = errors.New("control token rejected")
)

type Config struct {
	URL   string
	Token string

	InteractiveTimeout time.Duration
	ScreenshotTimeout  time.Duration
	PermissionTimeout  time.Duration

	DialAttempts uint
	DialDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.InteractiveTimeout <= 0 {
		c.InteractiveTimeout = DefaultInteractiveTimeout
	}
	if c.ScreenshotTimeout <= 0 {
		c.ScreenshotTimeout = DefaultScreenshotTimeout
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = DefaultPermissionTimeout
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 3
	}
	if c.DialDelay <= 0 {
		c.DialDelay = 200 * time.Millisecond
	}
	return c
}

type Client struct {
	cfg      Config
	endpoint string
	log      zerolog.Logger
	dialer   *websocket.Dialer
	calls    *correlator.Table

	mu      sync.Mutex
	ws      *websocket.Conn
	connID  string
	pinned  string
	writeMu sync.Mutex
}

func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	endpoint, err := controlURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg.withDefaults(),
		endpoint: endpoint,
		log:      logger.With().Str("component", "client").Logger(),
		dialer:   &websocket.Dialer{HandshakeTimeout: writeTimeout},
		calls:    correlator.NewTable(),
	}, nil
}

func controlURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q must use ws, wss, http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + controlPath
	return u.String(), nil
}

// SessionID is the session later actions are pinned to, set once
// UseDesktop reports ready.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned
}

// Close drops the control socket and fails anything still waiting on it.
// The client stays usable; the next action dials again.
func (c *Client) Close() error {
	c.mu.Lock()
	ws, connID := c.ws, c.connID
	c.ws, c.connID = nil, ""
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	c.calls.FailSession(connID, fmt.Errorf("%w: client closed", ErrRelayUnavailable))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return ws.Close()
}

func (c *Client) conn(ctx context.Context) (*websocket.Conn, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return c.ws, c.connID, nil
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	var ws *websocket.Conn
	err := retry.Do(
		func() error {
			conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusUnauthorized {
					return retry.Unrecoverable(ErrUnauthorized)
				}
				return err
			}
			ws = conn
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.DialAttempts),
		retry.Delay(c.cfg.DialDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn().Err(err).Uint("retries", n).Str("url", c.endpoint).Msg("control dial failed, retrying")
		}),
	)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}

	c.ws = ws
	c.connID = ids.NewToken(8)
	c.log.Debug().Str("url", c.endpoint).Msg("control socket connected")
	go c.readLoop(ws, c.connID)
	return ws, c.connID, nil
}

func (c *Client) readLoop(ws *websocket.Conn, connID string) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.ws == ws {
				c.ws, c.connID = nil, ""
			}
			c.mu.Unlock()
			_ = ws.Close()
			if n := c.calls.FailSession(connID, fmt.Errorf("%w: %w", ErrRelayUnavailable, err)); n > 0 {
				c.log.Warn().Err(err).Int("failed", n).Msg("control socket lost with calls in flight")
			}
			return
		}
		var resp protocol.ControlResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.CommandID == "" {
			c.log.Debug().Msg("ignoring uncorrelated control message")
			continue
		}
		c.calls.ResolveFrom(connID, resp.CommandID, data)
	}
}

func (c *Client) write(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(v)
}

// call sends one correlated request and returns the relay's reply. Errors the
// relay reports come back as *protocol.Error.
func (c *Client) call(ctx context.Context, sessionID string, action protocol.Action, data any, timeout time.Duration) (*protocol.ControlResponse, error) {
	var payload json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "encode payload", err)
		}
		payload = raw
	}

	ws, connID, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	id := ids.NewCommandID()
	pending := correlator.NewCall(id, connID, action, timeout+replySlack)
	if err := c.calls.Register(pending); err != nil {
		return nil, err
	}
	request := protocol.ControlRequest{
		Type:      protocol.TypeCommand,
		CommandID: id,
		SessionID: sessionID,
		Action:    action,
		Data:      payload,
		TimeoutMs: timeout.Milliseconds(),
	}
	if err := c.write(ws, request); err != nil {
		err = fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
		c.calls.Fail(id, err)
		_ = ws.Close()
		return nil, err
	}

	raw, err := c.calls.Wait(ctx, pending, timeout+replySlack)
	if err != nil {
		return nil, err
	}
	var resp protocol.ControlResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed reply: %w", ErrRelayUnavailable, err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return nil, protocol.NewError(protocol.CodeInternal, "relay reported failure", nil)
		}
		return nil, protocol.NewError(resp.Error.Code, resp.Error.Message, nil)
	}
	return &resp, nil
}
