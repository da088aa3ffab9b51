// Package proxy is the public entry point. It owns /health, pipes /desktop
// sockets to the bridge, forwards /api/* to the bridge and sends everything
// else to the application gateway.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const (
	ServiceName = "deskrelay-proxy"

	dialTimeout  = 10 * time.Second
	closeTimeout = time.Second
)

// Gateway is the application gateway behind the catch-all route.
type Gateway interface {
	Ensure(ctx context.Context) error
	Target() *url.URL
	Invalidate()
}

type Proxy struct {
	bridge   *url.URL
	gateway  Gateway
	log      zerolog.Logger
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	bridgeProxy  *httputil.ReverseProxy
	gatewayProxy *httputil.ReverseProxy
}

func New(bridgeURL string, gateway Gateway, logger zerolog.Logger) (*Proxy, error) {
	bridge, err := url.Parse(bridgeURL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if bridge.Scheme == "" || bridge.Host == "" {
		return nil, fmt.Errorf("bridge url %q must be absolute", bridgeURL)
	}

	p := &Proxy{
		bridge:  bridge,
		gateway: gateway,
		log:     logger.With().Str("component", "proxy").Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}

	p.bridgeProxy = httputil.NewSingleHostReverseProxy(bridge)
	p.bridgeProxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		p.log.Warn().Err(err).Str("path", req.URL.Path).Msg("bridge request failed")
		writeBadGateway(w, "bridge_unavailable", err)
	}

	if gateway != nil {
		p.gatewayProxy = httputil.NewSingleHostReverseProxy(gateway.Target())
		p.gatewayProxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.log.Warn().Err(err).Str("path", req.URL.Path).Msg("gateway request failed")
			gateway.Invalidate()
			writeBadGateway(w, "gateway_unavailable", err)
		}
	}
	return p, nil
}

func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	for _, path := range []string{"/health", "/healthz"} {
		r.Get(path, p.health)
		r.Head(path, p.health)
	}
	r.HandleFunc("/desktop", p.desktop)
	r.Handle("/api", p.bridgeProxy)
	r.Handle("/api/*", p.bridgeProxy)
	r.NotFound(p.forwardGateway)
	r.MethodNotAllowed(p.forwardGateway)
	return r
}

func (p *Proxy) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": ServiceName,
	})
}

func (p *Proxy) forwardGateway(w http.ResponseWriter, req *http.Request) {
	if p.gateway == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "not_found"})
		return
	}
	if err := p.gateway.Ensure(req.Context()); err != nil {
		p.log.Error().Err(err).Str("path", req.URL.Path).Msg("gateway unavailable")
		writeBadGateway(w, "gateway_unavailable", err)
		return
	}
	p.gatewayProxy.ServeHTTP(w, req)
}

// desktop dials the bridge before upgrading the client, so an unreachable
// bridge surfaces as a plain 502 instead of a socket that closes at once.
func (p *Proxy) desktop(w http.ResponseWriter, req *http.Request) {
	target := p.bridgeSocketURL(req)
	header := http.Header{}
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		header.Set("X-Forwarded-For", ip)
	}
	if ua := req.Header.Get("User-Agent"); ua != "" {
		header.Set("User-Agent", ua)
	}

	upstream, resp, err := p.dialer.DialContext(req.Context(), target, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		p.log.Warn().Err(err).Int("upstream_status", status).Str("target", target).Msg("bridge dial failed")
		writeBadGateway(w, "bridge_unavailable", err)
		return
	}

	client, err := p.upgrader.Upgrade(w, req, nil)
	if err != nil {
		p.log.Warn().Err(err).Msg("desktop upgrade failed")
		_ = upstream.Close()
		return
	}

	log := p.log.With().Str("remote_addr", req.RemoteAddr).Logger()
	log.Info().Msg("desktop tunnel opened")
	pipe(client, upstream, log)
	log.Info().Msg("desktop tunnel closed")
}

func (p *Proxy) bridgeSocketURL(req *http.Request) string {
	target := *p.bridge
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = singleJoin(target.Path, "/desktop")
	target.RawQuery = req.URL.RawQuery
	return target.String()
}

// pipe copies messages both ways until either side closes, keeping each
// message's type and forwarding the close code.
func pipe(client, upstream *websocket.Conn, log zerolog.Logger) {
	var wg conc.WaitGroup
	closeBoth := func() {
		_ = client.Close()
		_ = upstream.Close()
	}
	wg.Go(func() {
		defer closeBoth()
		if err := copyMessages(upstream, client); err != nil {
			log.Debug().Err(err).Msg("client to bridge copy ended")
		}
	})
	wg.Go(func() {
		defer closeBoth()
		if err := copyMessages(client, upstream); err != nil {
			log.Debug().Err(err).Msg("bridge to client copy ended")
		}
	})
	wg.Wait()
}

func copyMessages(dst, src *websocket.Conn) error {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			code, text := websocket.CloseNormalClosure, ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseNoStatusReceived {
				code, text = closeErr.Code, closeErr.Text
			}
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(closeTimeout))
			return err
		}
		if err := dst.WriteMessage(messageType, data); err != nil {
			return err
		}
	}
}

func singleJoin(base, suffix string) string {
	if base == "" || base == "/" {
		return suffix
	}
	if base[len(base)-1] == '/' {
		return base + suffix[1:]
	}
	return base + suffix
}

func writeBadGateway(w http.ResponseWriter, code string, err error) {
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"ok":      false,
		"error":   code,
		"message": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
