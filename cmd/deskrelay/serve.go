package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"deskrelay/internal/config"
	"deskrelay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newBridgeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run the relay bridge (desktop sockets and control API)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := server.New(a.cfg, a.log)
			if err != nil {
				return fmt.Errorf("bridge init: %w", err)
			}
			a.log.Info().
				Str("control_token_source", a.cfg.ControlTokenSource).
				Dur("command_timeout", a.cfg.Relay.CommandTimeout).
				Msg("starting bridge")
			return serve(srv, a.log)
		},
	}
	flags := cmd.Flags()
	flags.String("host", "127.0.0.1", "bridge listen host")
	flags.Int("port", 8766, "bridge listen port")
	flags.Duration("command-timeout", 30*time.Second, "default command timeout")
	bindFlag(flags, "host", config.KeyBridgeHost)
	bindFlag(flags, "port", config.KeyBridgePort)
	bindFlag(flags, "command-timeout", config.KeyRelayCommandTimeout)
	return cmd
}

func newProxyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the public proxy in front of the bridge and the app gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := server.NewProxy(a.cfg, a.log)
			if err != nil {
				return fmt.Errorf("proxy init: %w", err)
			}
			a.log.Info().
				Str("bridge", a.cfg.BridgeURL()).
				Str("gateway", a.cfg.Gateway.URL).
				Msg("starting proxy")
			return serve(srv, a.log)
		},
	}
	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "public listen host")
	flags.Int("port", 8080, "public listen port")
	flags.Int("bridge-port", 8766, "port of the local bridge")
	flags.String("gateway-url", "http://127.0.0.1:3000", "application gateway base url (empty disables it)")
	flags.String("gateway-command", "", "command that starts the gateway when it is not running")
	bindFlag(flags, "host", config.KeyPublicHost)
	bindFlag(flags, "port", config.KeyPublicPort)
	bindFlag(flags, "bridge-port", config.KeyBridgePort)
	bindFlag(flags, "gateway-url", config.KeyGatewayURL)
	bindFlag(flags, "gateway-command", config.KeyGatewayCommand)
	return cmd
}

// serve runs srv until it fails or the process is told to stop.
func serve(srv *server.Server, log zerolog.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newTokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the control API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n# source: %s\n", a.cfg.ControlToken, a.cfg.ControlTokenSource)
			return err
		},
	}
}
