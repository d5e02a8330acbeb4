package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Daemon lifecycle subject suffixes under the configured prefix.
const (
	SubjectDaemonAnnounce  = "daemon.announce"
	SubjectDaemonHeartbeat = "daemon.heartbeat"
	SubjectDaemonStopped   = "daemon.stopped"
)

// DaemonInfo describes this daemon to anyone watching the subject space.
type DaemonInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Engine    string    `json:"engine"`
	Socket    string    `json:"socket"`
	StartedAt time.Time `json:"started_at"`
}

type heartbeatMessage struct {
	Name       string    `json:"name"`
	UptimeSecs float64   `json:"uptime_secs"`
	Timestamp  time.Time `json:"timestamp"`
}

type stoppedMessage struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence announces the daemon on the bus and keeps a heartbeat going, so
// an operator can tell a live speakd apart from a stale socket file.
type Presence struct {
	client   *Client
	prefix   string
	info     DaemonInfo
	interval time.Duration
	log      *slog.Logger

	meter  metric.Meter
	ticker *time.Ticker
	cancel context.CancelFunc
}

// StartPresence publishes the announce message and begins heartbeating.
// Returns nil when the bus is not connected; a nil Presence is safe to
// Close.
func StartPresence(ctx context.Context, client *Client, prefix string, info DaemonInfo, interval time.Duration, log *slog.Logger) *Presence {
	if !client.Healthy() {
		return nil
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Presence{
		client:   client,
		prefix:   prefix,
		info:     info,
		interval: interval,
		log:      log.With(slog.String("component", "bus-presence")),
		meter:    otel.Meter("github.com/spokelabs/speakd/bus"),
		cancel:   cancel,
	}

	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := p.publish(SubjectDaemonAnnounce, p.info); err != nil {
		p.log.Warn("failed to announce daemon", slog.String("error", err.Error()))
	}

	p.ticker = time.NewTicker(interval)
	go p.run(ctx)
	return p
}

func (p *Presence) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ticker.C:
			if err := p.publishHeartbeat(); err != nil {
				p.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops the heartbeat and publishes the stopped message.
func (p *Presence) Close() {
	if p == nil {
		return
	}
	p.cancel()
	p.ticker.Stop()
	if err := p.publish(SubjectDaemonStopped, stoppedMessage{Name: p.info.Name, Timestamp: time.Now().UTC()}); err != nil {
		p.log.Warn("failed to publish stopped message", slog.String("error", err.Error()))
	}
}

func (p *Presence) publishHeartbeat() error {
	return p.publish(SubjectDaemonHeartbeat, heartbeatMessage{
		Name:       p.info.Name,
		UptimeSecs: time.Since(p.info.StartedAt).Seconds(),
		Timestamp:  time.Now().UTC(),
	})
}

func (p *Presence) publish(suffix string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Conn().Publish(p.prefix+"."+suffix, data)
}

func (p *Presence) initMetrics() error {
	if p.meter == nil {
		return nil
	}
	gauge, err := p.meter.Float64ObservableGauge("speakd.uptime.seconds",
		metric.WithDescription("Seconds since the daemon started"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveFloat64(gauge, time.Since(p.info.StartedAt).Seconds())
		return nil
	}, gauge)
	return err
}
