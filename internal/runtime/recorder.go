package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/spokelabs/speakd/internal/bus"
	"github.com/spokelabs/speakd/internal/history"
	"github.com/spokelabs/speakd/internal/synth"
)

// historyWriteTimeout bounds each advisory write so a wedged disk cannot
// stall generation.
const historyWriteTimeout = 5 * time.Second

// recorder fans session lifecycle out to the history store and the bus
// mirror. Both legs are advisory: failures are logged and forgotten.
type recorder struct {
	hist   *history.Store
	mirror *bus.Mirror
	log    *slog.Logger
}

func newRecorder(hist *history.Store, mirror *bus.Mirror, log *slog.Logger) *recorder {
	return &recorder{
		hist:   hist,
		mirror: mirror,
		log:    log.With(slog.String("component", "session-recorder")),
	}
}

func (r *recorder) SessionStarted(info synth.SessionInfo) {
	if r.hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		defer cancel()
		err := r.hist.StartSession(ctx, history.SessionRecord{
			SessionID:  info.SessionID,
			Method:     info.Method,
			Model:      info.Model,
			Voice:      info.Voice,
			Chars:      info.Chars,
			UnitsTotal: info.UnitsTotal,
			StartedAt:  info.StartedAt,
		})
		if err != nil {
			r.log.Warn("failed to record session start", slog.String("error", err.Error()))
		}
	}
	r.mirror.Started(bus.SessionStarted{
		SessionID:  info.SessionID,
		Method:     info.Method,
		Model:      info.Model,
		Voice:      info.Voice,
		Chars:      info.Chars,
		UnitsTotal: info.UnitsTotal,
		StartedAt:  info.StartedAt,
	})
}

func (r *recorder) UnitRecorded(u synth.UnitInfo) {
	if r.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	err := r.hist.RecordUnit(ctx, history.UnitRecord{
		SessionID:   u.SessionID,
		UnitIndex:   u.Index,
		Chars:       u.Chars,
		SampleRate:  u.SampleRate,
		SampleCount: u.SampleCount,
		ScratchPath: u.ScratchPath,
	})
	if err != nil {
		r.log.Warn("failed to record unit", slog.String("error", err.Error()))
	}
}

func (r *recorder) SessionFinished(o synth.Outcome) {
	if r.hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		defer cancel()
		err := r.hist.FinishSession(ctx, history.SessionFinish{
			SessionID:    o.SessionID,
			Complete:     o.Complete,
			UnitsDone:    o.UnitsDone,
			OutputPath:   o.OutputPath,
			DurationSecs: o.Duration,
			RTF:          o.RTF,
			Reason:       o.Reason,
		})
		if err != nil {
			r.log.Warn("failed to record session outcome", slog.String("error", err.Error()))
		}
	}
	r.mirror.Done(bus.SessionDone{
		SessionID:    o.SessionID,
		Complete:     o.Complete,
		UnitsDone:    o.UnitsDone,
		UnitsTotal:   o.UnitsTotal,
		DurationSecs: o.Duration,
		RTF:          o.RTF,
		OutputPath:   o.OutputPath,
		Reason:       o.Reason,
	})
}
