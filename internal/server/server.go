// Package server owns the control socket: binding, the ready announcement,
// a sequential accept loop with idle shutdown, and request routing for each
// accepted connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spokelabs/speakd/internal/bus"
	"github.com/spokelabs/speakd/internal/config"
	"github.com/spokelabs/speakd/internal/synth"
	"github.com/spokelabs/speakd/internal/tts"
)

// Options collects the server's collaborators. Recorder and Mirror may be
// nil when history or the event bus are disabled.
type Options struct {
	Config   config.Config
	Version  string
	Manager  *tts.Manager
	Recorder synth.Recorder
	Mirror   *bus.Mirror
	Logger   *slog.Logger
	// Ready receives the one-line readiness announcement, typically stdout.
	Ready io.Writer
}

// Server accepts one connection at a time and handles its requests inline.
// Generation is model-bound work, so there is nothing to gain from
// concurrent sessions fighting over the engine.
type Server struct {
	cfg     config.Config
	version string
	manager *tts.Manager
	rec     synth.Recorder
	mirror  *bus.Mirror
	log     *slog.Logger
	ready   io.Writer

	meter       metric.Meter
	requests    metric.Int64Counter
	requestErrs metric.Int64Counter
	genSeconds  metric.Float64Histogram

	socketPath   string
	listener     *net.UnixListener
	lastActivity time.Time
}

func New(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		version: opts.Version,
		manager: opts.Manager,
		rec:     opts.Recorder,
		mirror:  opts.Mirror,
		log:     opts.Logger.With(slog.String("component", "server")),
		ready:   opts.Ready,
		meter:   otel.Meter("github.com/spokelabs/speakd/server"),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

// Serve binds the socket and runs the accept loop until ctx is cancelled, a
// client requests shutdown, or the idle timeout expires. The socket file is
// removed on the way out.
func (s *Server) Serve(ctx context.Context) error {
	path, err := s.cfg.Socket.ResolvePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.MkdirAll(s.cfg.Generation.ResolveScratchDir(), 0o755); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	if err := os.MkdirAll(s.cfg.Generation.ResolveOutputDir(), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	// A previous daemon may have died without cleaning up.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	ul, ok := l.(*net.UnixListener)
	if !ok {
		_ = l.Close()
		return fmt.Errorf("unexpected listener type %T", l)
	}
	s.listener = ul
	s.socketPath = path
	defer s.cleanup()

	s.announceReady(path)
	s.log.Info("daemon listening",
		slog.String("socket", path),
		slog.Duration("idle_timeout", s.cfg.Socket.IdleTimeout()))
	s.lastActivity = time.Now()

	for {
		if ctx.Err() != nil {
			s.log.Info("shutting down on context cancellation")
			return nil
		}
		if idle := time.Since(s.lastActivity); idle > s.cfg.Socket.IdleTimeout() {
			s.log.Info("idle timeout reached, shutting down",
				slog.Duration("idle", idle.Truncate(time.Second)))
			return nil
		}
		if err := ul.SetDeadline(time.Now().Add(s.cfg.Socket.AcceptPoll())); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}
		conn, err := ul.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", slogError(err))
			continue
		}
		if quit := s.handleConn(ctx, conn); quit {
			s.log.Info("shutdown requested by client")
			return nil
		}
	}
}

type readyLine struct {
	Status string `json:"status"`
	Socket string `json:"socket"`
}

// announceReady prints one JSON line so a supervising process can tell the
// socket is accepting.
func (s *Server) announceReady(path string) {
	if s.ready == nil {
		return
	}
	line, err := json.Marshal(readyLine{Status: "ready", Socket: path})
	if err != nil {
		return
	}
	if _, err := s.ready.Write(append(line, '\n')); err != nil {
		s.log.Warn("failed to announce readiness", slogError(err))
	}
}

func (s *Server) cleanup() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove socket file", slogError(err))
		}
	}
	s.log.Info("daemon stopped")
}

// touch refreshes the idle clock. Only generation work counts as activity.
func (s *Server) touch() {
	s.lastActivity = time.Now()
}

func (s *Server) initMetrics() error {
	requests, err := s.meter.Int64Counter("speakd.requests",
		metric.WithDescription("Requests handled, by method"))
	if err != nil {
		return err
	}
	requestErrs, err := s.meter.Int64Counter("speakd.request.errors",
		metric.WithDescription("Error responses sent, by code"))
	if err != nil {
		return err
	}
	genSeconds, err := s.meter.Float64Histogram("speakd.generation.seconds",
		metric.WithDescription("Wall time spent on one generation request"))
	if err != nil {
		return err
	}
	s.requests = requests
	s.requestErrs = requestErrs
	s.genSeconds = genSeconds
	return nil
}

func (s *Server) countRequest(ctx context.Context, method string) {
	if s.requests == nil {
		return
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func (s *Server) countError(ctx context.Context, code int) {
	if s.requestErrs == nil {
		return
	}
	s.requestErrs.Add(ctx, 1, metric.WithAttributes(attribute.Int("code", code)))
}

func (s *Server) observeGeneration(ctx context.Context, method string, elapsed time.Duration) {
	if s.genSeconds == nil {
		return
	}
	s.genSeconds.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("method", method)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
