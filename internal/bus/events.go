package bus

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Subject suffixes under the configured prefix.
const (
	SubjectSessionStarted  = "session.started"
	SubjectSessionProgress = "session.progress"
	SubjectSessionStatus   = "session.status"
	SubjectSessionDone     = "session.done"
)

// SessionStarted announces a new generation session.
type SessionStarted struct {
	SessionID  string    `json:"session_id"`
	Method     string    `json:"method"`
	Model      string    `json:"model"`
	Voice      string    `json:"voice,omitempty"`
	Chars      int       `json:"chars"`
	UnitsTotal int       `json:"units_total"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionProgress mirrors the per-unit progress event.
type SessionProgress struct {
	SessionID  string `json:"session_id"`
	Unit       int    `json:"unit"`
	UnitsTotal int    `json:"units_total"`
	CharsDone  int    `json:"chars_done"`
	CharsTotal int    `json:"chars_total"`
}

// SessionStatus mirrors model lifecycle phases.
type SessionStatus struct {
	SessionID  string `json:"session_id"`
	Phase      string `json:"phase"`
	Model      string `json:"model,omitempty"`
	LoadTimeMS int64  `json:"load_time_ms,omitempty"`
}

// SessionDone announces the session outcome.
type SessionDone struct {
	SessionID    string  `json:"session_id"`
	Complete     bool    `json:"complete"`
	UnitsDone    int     `json:"units_done"`
	UnitsTotal   int     `json:"units_total"`
	DurationSecs float64 `json:"duration_secs"`
	RTF          float64 `json:"rtf"`
	OutputPath   string  `json:"output_path,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// Mirror publishes session lifecycle events. A nil Mirror is valid and drops
// everything, so callers never need to branch on whether the bus is enabled.
type Mirror struct {
	client *Client
	prefix string
	log    *slog.Logger
}

func NewMirror(client *Client, prefix string, log *slog.Logger) *Mirror {
	return &Mirror{
		client: client,
		prefix: prefix,
		log:    log.With(slog.String("component", "bus-mirror")),
	}
}

func (m *Mirror) Started(evt SessionStarted)   { m.publish(SubjectSessionStarted, evt) }
func (m *Mirror) Progress(evt SessionProgress) { m.publish(SubjectSessionProgress, evt) }
func (m *Mirror) Status(evt SessionStatus)     { m.publish(SubjectSessionStatus, evt) }
func (m *Mirror) Done(evt SessionDone)         { m.publish(SubjectSessionDone, evt) }

func (m *Mirror) publish(suffix string, payload any) {
	if m == nil || !m.client.Healthy() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("failed to marshal session event", slog.String("error", err.Error()))
		return
	}
	subject := m.prefix + "." + suffix
	if err := m.client.Conn().Publish(subject, data); err != nil {
		m.log.Warn("failed to publish session event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
