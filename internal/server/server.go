// Package server assembles the two processes deskrelay runs: the bridge,
// which owns the session registry and every desktop socket, and the public
// proxy in front of it.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"deskrelay/internal/auth"
	"deskrelay/internal/config"
	"deskrelay/internal/correlator"
	"deskrelay/internal/events"
	"deskrelay/internal/gateway"
	httpserver "deskrelay/internal/http"
	"deskrelay/internal/proxy"
	"deskrelay/internal/relay"
	"deskrelay/internal/session"
)

type Server struct {
	name       string
	httpServer *http.Server
	log        zerolog.Logger

	registry   *session.Registry
	correlator *correlator.Correlator
	bus        *events.Bus
	devices    *relay.Handler
	launcher   *gateway.Launcher
}

// New builds the bridge. Nothing listens until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if cfg.ControlToken == "" {
		return nil, errors.New("control token is required")
	}

	registry := session.NewRegistry()
	corr := correlator.New(registry, logger)
	bus := events.NewBus(logger)

	var secret []byte
	if cfg.Auth.DeviceJWTSecret != "" {
		secret = []byte(cfg.Auth.DeviceJWTSecret)
	}
	devices := relay.NewHandler(relay.Config{
		AgentName:         cfg.Relay.AgentName,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		FrameThreshold:    cfg.Relay.FrameThreshold,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
	}, relay.Dependencies{
		Registry:   registry,
		Correlator: corr,
		Validator:  auth.NewValidator(secret, cfg.Auth.MinTokenLength),
		Bus:        bus,
		Logger:     logger,
	})

	router := httpserver.NewRouter(httpserver.Dependencies{
		Registry:       registry,
		Correlator:     corr,
		Bus:            bus,
		DeviceHandler:  devices,
		ControlToken:   cfg.ControlToken,
		CommandTimeout: cfg.Relay.CommandTimeout,
		Logger:         logger,
	})

	return &Server{
		name: "bridge",
		httpServer: &http.Server{
			Addr:              cfg.Bridge.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:        logger.With().Str("component", "server").Str("server", "bridge").Logger(),
		registry:   registry,
		correlator: corr,
		bus:        bus,
		devices:    devices,
	}, nil
}

// NewProxy builds the public ingress in front of the bridge at
// cfg.BridgeURL(). An empty gateway URL disables the catch-all route.
func NewProxy(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	var (
		launcher *gateway.Launcher
		upstream proxy.Gateway
	)
	if cfg.Gateway.URL != "" {
		var err error
		launcher, err = gateway.NewLauncher(gateway.Config{
			URL:          cfg.Gateway.URL,
			Command:      cfg.Gateway.Command,
			Dir:          cfg.DataDir,
			ReadyTimeout: cfg.Gateway.ReadyTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		upstream = launcher
	}

	p, err := proxy.New(cfg.BridgeURL(), upstream, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		name: "proxy",
		httpServer: &http.Server{
			Addr:              cfg.Public.Addr(),
			Handler:           p.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:      logger.With().Str("component", "server").Str("server", "proxy").Logger(),
		launcher: launcher,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msgf("%s listening", s.name)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.devices != nil {
		s.devices.CloseAll()
	}
	if s.correlator != nil {
		s.correlator.Close()
	}
	if s.launcher != nil {
		if stopErr := s.launcher.Stop(); stopErr != nil {
			s.log.Warn().Err(stopErr).Msg("gateway stop failed")
		}
	}
	s.log.Info().Msgf("%s stopped", s.name)
	return err
}
