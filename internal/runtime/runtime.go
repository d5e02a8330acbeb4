// Package runtime assembles the daemon from configuration and supervises
// startup and shutdown ordering.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spokelabs/speakd/internal/bus"
	"github.com/spokelabs/speakd/internal/config"
	"github.com/spokelabs/speakd/internal/history"
	"github.com/spokelabs/speakd/internal/natsserver"
	"github.com/spokelabs/speakd/internal/server"
	"github.com/spokelabs/speakd/internal/tts"
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger
	ready   io.Writer
}

func New(cfg config.Config, version string, logger *slog.Logger, ready io.Writer) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
		ready:   ready,
	}
}

// Start brings up telemetry, history, the optional event bus, and the
// engine, then serves the control socket until the server decides to stop.
// History and bus failures are downgraded to warnings: the daemon can speak
// without either. Teardown runs in reverse order of startup.
func (r *Runtime) Start(ctx context.Context) error {
	engine, err := r.buildEngine()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	metricsServer := r.startMetricsServer(metricsHandler)

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		r.logger.Warn("history store unavailable, continuing without it", slog.String("error", err.Error()))
		hist = nil
	}

	var (
		embedded  *natsserver.EmbeddedServer
		busClient *bus.Client
		mirror    *bus.Mirror
	)
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			r.logger.Warn("embedded bus failed to start, continuing without events", slog.String("error", err.Error()))
		} else {
			if embedded != nil {
				busCfg.Servers = []string{embedded.ClientURL()}
			}
			busClient, err = bus.Connect(ctx, busCfg, r.logger)
			if err != nil {
				r.logger.Warn("bus connection failed, continuing without events", slog.String("error", err.Error()))
				embedded.Shutdown()
				embedded = nil
			} else {
				mirror = bus.NewMirror(busClient, busCfg.SubjectPrefix, r.logger)
			}
		}
	}

	socketPath, _ := r.cfg.Socket.ResolvePath()
	presence := bus.StartPresence(ctx, busClient, r.cfg.Bus.SubjectPrefix, bus.DaemonInfo{
		Name:    r.cfg.DaemonName,
		Version: r.version,
		Engine:  r.cfg.Engine.Mode,
		Socket:  socketPath,
	}, r.cfg.Bus.Heartbeat(), r.logger)

	manager := tts.NewManager(engine, r.logger)
	srv := server.New(server.Options{
		Config:   r.cfg,
		Version:  r.version,
		Manager:  manager,
		Recorder: newRecorder(hist, mirror, r.logger),
		Mirror:   mirror,
		Logger:   r.logger,
		Ready:    r.ready,
	})

	r.logger.Info("runtime started",
		slog.String("daemon", r.cfg.DaemonName),
		slog.String("version", r.version),
		slog.String("engine", r.cfg.Engine.Mode))
	serveErr := srv.Serve(ctx)
	r.logger.Info("runtime stopping")

	if err := manager.Close(); err != nil {
		r.logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	presence.Close()
	busClient.Close()
	embedded.Shutdown()
	if hist != nil {
		if err := hist.Close(); err != nil {
			r.logger.Warn("history close error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return serveErr
}

func (r *Runtime) buildEngine() (tts.Engine, error) {
	switch r.cfg.Engine.Mode {
	case "exec":
		return tts.NewExecEngine(r.cfg.Engine.Command, r.cfg.Engine.LoadCommand)
	default:
		return tts.NewMockEngine(), nil
	}
}

// startMetricsServer exposes the Prometheus handler when a bind address is
// configured. Returns nil when metrics stay unexposed.
func (r *Runtime) startMetricsServer(handler http.Handler) *http.Server {
	bind := strings.TrimSpace(r.cfg.Telemetry.PrometheusBind)
	if bind == "" || handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics listening", slog.String("addr", bind))
	return srv
}
