package synth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	"github.com/spokelabs/speakd/internal/audio"
	"github.com/spokelabs/speakd/internal/segment"
)

// RunStream is the JSON streaming mode: each unit is written to its own file
// and announced immediately, so the caller can start playback before the
// session ends. The per-unit files are the deliverable and stay on disk. A
// unit that synthesizes but cannot be persisted is logged and skipped; a
// synthesis failure aborts the session.
func (s *Session) RunStream(ctx context.Context, sink StreamSink) error {
	units := segment.Split(s.req.Text, s.cfg.MaxUnitChars)
	total := len(units)

	s.rec.SessionStarted(s.info("generate-stream", utf8.RuneCountInString(s.req.Text), total))
	s.log.Info("stream generation started", slog.Int("units", total), slog.String("model", s.req.Model))

	start := s.clock()
	chunkNum := 0
	totalDuration := 0.0

	for i, unit := range units {
		out, err := s.handle.Synthesize(ctx, s.synthRequest(unit))
		if err != nil {
			err = fmt.Errorf("unit %d/%d: %w", i+1, total, err)
			s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: chunkNum, UnitsTotal: total, Reason: err.Error()})
			return err
		}
		path := s.scratchPath(i)
		if err := audio.WriteWAV(path, out.SampleRate, out.Samples); err != nil {
			s.log.Warn("skipping unit that failed to persist",
				slog.Int("unit", i+1),
				slog.String("error", err.Error()))
			continue
		}

		chunkNum++
		duration := audio.Duration(out.SampleRate, len(out.Samples))
		totalDuration += duration
		if err := sink.Chunk(chunkNum, path, duration, out.SampleRate); err != nil {
			s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: chunkNum, UnitsTotal: total, Reason: err.Error()})
			return fmt.Errorf("send chunk %d: %w", chunkNum, err)
		}

		s.rec.UnitRecorded(UnitInfo{
			SessionID:   s.id,
			Index:       i,
			Chars:       utf8.RuneCountInString(unit),
			SampleRate:  out.SampleRate,
			SampleCount: len(out.Samples),
			ScratchPath: path,
		})
	}

	elapsed := s.clock().Sub(start).Seconds()
	rtf := realTimeFactor(elapsed, totalDuration)
	if err := sink.Final(chunkNum, totalDuration, rtf); err != nil {
		s.rec.SessionFinished(Outcome{SessionID: s.id, Complete: true, UnitsDone: chunkNum, UnitsTotal: total, Duration: totalDuration, RTF: rtf})
		return fmt.Errorf("send final: %w", err)
	}

	s.rec.SessionFinished(Outcome{
		SessionID:  s.id,
		Complete:   true,
		UnitsDone:  chunkNum,
		UnitsTotal: total,
		Duration:   totalDuration,
		RTF:        rtf,
	})
	s.log.Info("stream generation finished",
		slog.Int("chunks", chunkNum),
		slog.Float64("duration_secs", totalDuration),
		slog.Float64("rtf", rtf))
	return nil
}

// RunBinary is the inline streaming mode: samples travel in the frames
// themselves. Each unit is persisted to scratch only for the moment of the
// send, then removed. Any failure turns into a terminal Error frame; there
// is no partial recovery.
func (s *Session) RunBinary(ctx context.Context, sink BinarySink) error {
	units := segment.Split(s.req.Text, s.cfg.MaxUnitChars)
	total := len(units)

	s.rec.SessionStarted(s.info("stream-binary", utf8.RuneCountInString(s.req.Text), total))
	s.log.Info("binary stream started", slog.Int("units", total), slog.String("model", s.req.Model))

	start := s.clock()
	chunkID := 0
	totalSamples := 0
	// Default only feeds the duration stats when no unit ever reports.
	sampleRate := 24000

	for i, unit := range units {
		out, err := s.handle.Synthesize(ctx, s.synthRequest(unit))
		if err != nil {
			err = fmt.Errorf("unit %d/%d: %w", i+1, total, err)
			if sendErr := sink.Error(err.Error()); sendErr != nil {
				s.log.Warn("failed to send error frame", slog.String("error", sendErr.Error()))
			}
			s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: chunkID, UnitsTotal: total, Reason: err.Error()})
			return err
		}

		path := s.scratchPath(i)
		if err := audio.WriteWAV(path, out.SampleRate, out.Samples); err != nil {
			err = fmt.Errorf("unit %d/%d: %w", i+1, total, err)
			if sendErr := sink.Error(err.Error()); sendErr != nil {
				s.log.Warn("failed to send error frame", slog.String("error", sendErr.Error()))
			}
			s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: chunkID, UnitsTotal: total, Reason: err.Error()})
			return err
		}

		s.rec.UnitRecorded(UnitInfo{
			SessionID:   s.id,
			Index:       i,
			Chars:       utf8.RuneCountInString(unit),
			SampleRate:  out.SampleRate,
			SampleCount: len(out.Samples),
			ScratchPath: path,
		})

		if err := sink.Chunk(chunkID, out.SampleRate, out.Samples); err != nil {
			s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: chunkID, UnitsTotal: total, Reason: err.Error()})
			return fmt.Errorf("send chunk %d: %w", chunkID, err)
		}
		if err := os.Remove(path); err != nil {
			s.log.Debug("failed to remove scratch unit", slog.String("path", path))
		}

		chunkID++
		totalSamples += len(out.Samples)
		sampleRate = out.SampleRate
	}

	if err := sink.End(chunkID); err != nil {
		s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: chunkID, UnitsTotal: total, Reason: err.Error()})
		return fmt.Errorf("send end: %w", err)
	}

	duration := audio.Duration(sampleRate, totalSamples)
	elapsed := s.clock().Sub(start).Seconds()
	rtf := realTimeFactor(elapsed, duration)
	s.rec.SessionFinished(Outcome{
		SessionID:  s.id,
		Complete:   true,
		UnitsDone:  chunkID,
		UnitsTotal: total,
		Duration:   duration,
		RTF:        rtf,
	})
	s.log.Info("binary stream finished",
		slog.Int("chunks", chunkID),
		slog.Float64("duration_secs", duration),
		slog.Float64("rtf", rtf))
	return nil
}
