// Package gateway starts the application gateway that serves every public
// route the relay does not own, and waits until it accepts connections.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultReadyTimeout = 30 * time.Second

	probeTimeout = time.Second
	stopTimeout  = 5 * time.Second
)

var ErrExited = errors.New("gateway process exited")

type Config struct {
	URL string
	// Command is run through the shell when the gateway is not already
	// listening. Empty means the gateway is managed elsewhere.
	Command      string
	Dir          string
	ReadyTimeout time.Duration
}

type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

// Launcher makes sure the gateway is up before traffic is forwarded to it.
// Concurrent callers share a single launch.
type Launcher struct {
	cfg    Config
	target *url.URL
	log    zerolog.Logger
	probe  func(ctx context.Context) error

	mu       sync.Mutex
	ready    bool
	starting chan struct{}
	startErr error
	proc     *process
	launches int
}

func NewLauncher(cfg Config, logger zerolog.Logger) (*Launcher, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("gateway url %q must be absolute", cfg.URL)
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	l := &Launcher{
		cfg:    cfg,
		target: target,
		log:    logger.With().Str("component", "gateway").Logger(),
	}
	l.probe = l.dialProbe
	return l, nil
}

func (l *Launcher) Target() *url.URL {
	copied := *l.target
	return &copied
}

func (l *Launcher) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Invalidate forgets that the gateway was ready, so the next Ensure probes
// (and if needed relaunches) it again.
func (l *Launcher) Invalidate() {
	l.mu.Lock()
	l.ready = false
	l.mu.Unlock()
}

// Ensure returns once the gateway accepts connections. The launch itself is
// bounded by ReadyTimeout rather than ctx, so one impatient caller cannot
// abort a start others are waiting on.
func (l *Launcher) Ensure(ctx context.Context) error {
	l.mu.Lock()
	if l.ready {
		l.mu.Unlock()
		return nil
	}
	if ch := l.starting; ch != nil {
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.mu.Lock()
		err := l.startErr
		l.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	l.starting = ch
	l.mu.Unlock()

	launchCtx, cancel := context.WithTimeout(context.Background(), l.cfg.ReadyTimeout)
	err := l.start(launchCtx)
	cancel()

	l.mu.Lock()
	l.starting = nil
	l.startErr = err
	l.ready = err == nil
	close(ch)
	l.mu.Unlock()
	return err
}

func (l *Launcher) start(ctx context.Context) error {
	if err := l.probe(ctx); err == nil {
		l.log.Debug().Str("url", l.target.String()).Msg("gateway already listening")
		return nil
	}

	var proc *process
	if l.cfg.Command != "" {
		l.mu.Lock()
		proc = l.proc
		l.mu.Unlock()
		if proc == nil {
			var err error
			proc, err = l.spawn()
			if err != nil {
				return err
			}
		}
	}

	err := retry.Do(
		func() error {
			if proc != nil {
				select {
				case <-proc.exited:
					return retry.Unrecoverable(fmt.Errorf("%w: %v", ErrExited, proc.err))
				default:
				}
			}
			return l.probe(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		l.log.Error().Err(err).Str("url", l.target.String()).Msg("gateway not ready")
		return fmt.Errorf("gateway not ready: %w", err)
	}
	l.log.Info().Str("url", l.target.String()).Msg("gateway ready")
	return nil
}

func (l *Launcher) spawn() (*process, error) {
	shell, flag := "sh", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd", "/C"
	}
	cmd := exec.Command(shell, flag, l.cfg.Command)
	cmd.Dir = l.cfg.Dir
	cmd.Env = os.Environ()
	cmd.Stdout = l.log.With().Str("stream", "stdout").Logger()
	cmd.Stderr = l.log.With().Str("stream", "stderr").Logger()
	// Children of the shell may keep the output pipes open after it exits.
	cmd.WaitDelay = stopTimeout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start gateway: %w", err)
	}

	proc := &process{cmd: cmd, exited: make(chan struct{})}
	l.mu.Lock()
	l.proc = proc
	l.launches++
	l.mu.Unlock()
	l.log.Info().Int("pid", cmd.Process.Pid).Str("command", l.cfg.Command).Msg("gateway started")

	go func() {
		proc.err = cmd.Wait()
		close(proc.exited)
		l.log.Warn().Err(proc.err).Int("pid", cmd.Process.Pid).Msg("gateway exited")
		l.mu.Lock()
		if l.proc == proc {
			l.proc = nil
			l.ready = false
		}
		l.mu.Unlock()
	}()
	return proc, nil
}

// Stop terminates a gateway this launcher started. A gateway found already
// listening is left alone.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	proc := l.proc
	l.proc = nil
	l.ready = false
	l.mu.Unlock()
	if proc == nil {
		return nil
	}

	_ = proc.cmd.Process.Signal(os.Interrupt)
	select {
	case <-proc.exited:
		return nil
	case <-time.After(stopTimeout):
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill gateway: %w", err)
	}
	<-proc.exited
	return nil
}

func (l *Launcher) dialProbe(ctx context.Context) error {
	host := l.target.Host
	if l.target.Port() == "" {
		port := "80"
		if l.target.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(l.target.Hostname(), port)
	}
	dialer := net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}
