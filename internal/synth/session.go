// Package synth orchestrates one generation session: segment the text, run
// each unit through the loaded model, persist progressively, and recover a
// partial result when a unit fails mid-session. Sessions know nothing about
// sockets or NATS; transports and observers plug in through small
// interfaces.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/spokelabs/speakd/internal/audio"
	"github.com/spokelabs/speakd/internal/segment"
	"github.com/spokelabs/speakd/internal/tts"
)

// ErrNoAudio reports a session that finished its units with nothing
// persisted, typically blank input after normalization.
var ErrNoAudio = errors.New("no audio generated")

// Config is the slice of daemon configuration a session needs.
type Config struct {
	MaxUnitChars int
	ScratchDir   string
	OutputDir    string
}

// Request is one resolved generation request: defaults applied, voice path
// already checked.
type Request struct {
	Text        string
	Model       string
	Voice       string
	Temperature float64
	Speed       float64
}

// Result is the outcome of a collecting session. Complete is false when a
// mid-session failure forced a partial concatenation; Reason then carries
// the cause.
type Result struct {
	AudioPath  string
	Duration   float64
	RTF        float64
	SampleRate int
	Complete   bool
	UnitsDone  int
	UnitsTotal int
	Reason     string
}

// Progress describes the unit about to be synthesized. Unit is 1-based;
// CharsDone counts runes of already-completed units.
type Progress struct {
	Unit       int
	UnitsTotal int
	CharsDone  int
	CharsTotal int
}

// ProgressSink receives best-effort progress notifications. Implementations
// swallow their own delivery failures.
type ProgressSink interface {
	UnitStarting(p Progress)
}

// StreamSink receives chunk announcements during JSON streaming. A returned
// error aborts the session: the transport is gone.
type StreamSink interface {
	Chunk(index int, path string, duration float64, sampleRate int) error
	Final(totalChunks int, totalDuration, rtf float64) error
}

// BinarySink receives inline sample frames during binary streaming.
type BinarySink interface {
	Chunk(id int, sampleRate int, samples []float32) error
	End(totalChunks int) error
	Error(message string) error
}

// SessionInfo, UnitInfo and Outcome are the lifecycle records handed to a
// Recorder.
type SessionInfo struct {
	SessionID  string
	Method     string
	Model      string
	Voice      string
	Chars      int
	UnitsTotal int
	StartedAt  time.Time
}

type UnitInfo struct {
	SessionID   string
	Index       int
	Chars       int
	SampleRate  int
	SampleCount int
	ScratchPath string
}

type Outcome struct {
	SessionID  string
	Complete   bool
	UnitsDone  int
	UnitsTotal int
	Duration   float64
	RTF        float64
	OutputPath string
	Reason     string
}

// Recorder observes session lifecycle for history and the event mirror.
// Implementations are best-effort and must not block generation.
type Recorder interface {
	SessionStarted(info SessionInfo)
	UnitRecorded(unit UnitInfo)
	SessionFinished(outcome Outcome)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(SessionInfo) {}
func (nopRecorder) UnitRecorded(UnitInfo)      {}
func (nopRecorder) SessionFinished(Outcome)    {}

// NewSessionID builds a scratch-safe session identifier: millisecond
// timestamp for ordering plus a uuid fragment against collisions.
func NewSessionID() string {
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Session runs one generation request. A Session is single-use.
type Session struct {
	id     string
	cfg    Config
	req    Request
	handle tts.Handle
	rec    Recorder
	log    *slog.Logger
	clock  func() time.Time

	// Scratch files written so far and not yet consumed or handed over.
	scratch []string
}

// Options collects the collaborators a Session needs.
type Options struct {
	SessionID string
	Config    Config
	Request   Request
	Handle    tts.Handle
	Recorder  Recorder
	Logger    *slog.Logger
}

func New(opts Options) *Session {
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Session{
		id:     opts.SessionID,
		cfg:    opts.Config,
		req:    opts.Request,
		handle: opts.Handle,
		rec:    rec,
		log:    opts.Logger.With(slog.String("component", "synth-session"), slog.String("session_id", opts.SessionID)),
		clock:  time.Now,
	}
}

// ID returns the session identifier used in artifact names.
func (s *Session) ID() string { return s.id }

// Run is the collecting mode: synthesize every unit, persist each to
// scratch, then concatenate into one output file. A unit failure after at
// least one success degrades to a partial result instead of an error.
func (s *Session) Run(ctx context.Context, progress ProgressSink) (Result, error) {
	units := segment.Split(s.req.Text, s.cfg.MaxUnitChars)
	total := len(units)
	charsTotal := utf8.RuneCountInString(s.req.Text)

	s.rec.SessionStarted(s.info("generate", charsTotal, total))
	s.log.Info("generation started",
		slog.Int("chars", charsTotal),
		slog.Int("units", total),
		slog.String("model", s.req.Model))

	start := s.clock()
	sampleRate := 0
	charsDone := 0
	done := 0

	for i, unit := range units {
		if progress != nil {
			progress.UnitStarting(Progress{
				Unit:       i + 1,
				UnitsTotal: total,
				CharsDone:  charsDone,
				CharsTotal: charsTotal,
			})
		}

		out, err := s.handle.Synthesize(ctx, s.synthRequest(unit))
		if err != nil {
			return s.finishPartial(start, sampleRate, done, total, fmt.Errorf("unit %d/%d: %w", i+1, total, err))
		}
		path := s.scratchPath(i)
		if err := audio.WriteWAV(path, out.SampleRate, out.Samples); err != nil {
			return s.finishPartial(start, sampleRate, done, total, fmt.Errorf("unit %d/%d: %w", i+1, total, err))
		}
		s.scratch = append(s.scratch, path)
		if sampleRate == 0 {
			sampleRate = out.SampleRate
		}
		done++
		charsDone += utf8.RuneCountInString(unit)

		s.rec.UnitRecorded(UnitInfo{
			SessionID:   s.id,
			Index:       i,
			Chars:       utf8.RuneCountInString(unit),
			SampleRate:  out.SampleRate,
			SampleCount: len(out.Samples),
			ScratchPath: path,
		})
		s.log.Debug("unit persisted", slog.Int("unit", i+1), slog.Int("samples", len(out.Samples)))
	}

	if len(s.scratch) == 0 {
		s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsTotal: total, Reason: ErrNoAudio.Error()})
		return Result{}, ErrNoAudio
	}

	combined, readErr := s.concatScratch(false)
	if readErr != nil {
		return s.finishPartial(start, sampleRate, done, total, readErr)
	}

	outputPath := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("speak_%s.wav", s.id))
	if err := audio.WriteWAV(outputPath, sampleRate, combined); err != nil {
		return s.finishPartial(start, sampleRate, done, total, fmt.Errorf("write output: %w", err))
	}
	s.removeScratch()

	duration := audio.Duration(sampleRate, len(combined))
	elapsed := s.clock().Sub(start).Seconds()
	result := Result{
		AudioPath:  outputPath,
		Duration:   duration,
		RTF:        realTimeFactor(elapsed, duration),
		SampleRate: sampleRate,
		Complete:   true,
		UnitsDone:  done,
		UnitsTotal: total,
	}
	s.finishRecord(result)
	s.log.Info("generation finished",
		slog.Float64("duration_secs", duration),
		slog.Float64("rtf", result.RTF),
		slog.Int("units", done))
	return result, nil
}

// finishPartial concatenates whatever units completed before cause hit. With
// nothing usable on disk the cause itself is the outcome.
func (s *Session) finishPartial(start time.Time, sampleRate, done, total int, cause error) (Result, error) {
	s.log.Error("generation failed", slog.String("error", cause.Error()), slog.Int("units_done", done))

	if done == 0 || len(s.scratch) == 0 {
		s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: done, UnitsTotal: total, Reason: cause.Error()})
		return Result{}, cause
	}

	combined, err := s.concatScratch(true)
	if err != nil || len(combined) == 0 {
		s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: done, UnitsTotal: total, Reason: cause.Error()})
		return Result{}, cause
	}

	outputPath := filepath.Join(s.cfg.OutputDir, fmt.Sprintf("speak_%s_partial.wav", s.id))
	if err := audio.WriteWAV(outputPath, sampleRate, combined); err != nil {
		s.log.Warn("failed to save partial output", slog.String("error", err.Error()))
		s.rec.SessionFinished(Outcome{SessionID: s.id, UnitsDone: done, UnitsTotal: total, Reason: cause.Error()})
		return Result{}, cause
	}
	s.removeScratch()

	duration := audio.Duration(sampleRate, len(combined))
	elapsed := s.clock().Sub(start).Seconds()
	result := Result{
		AudioPath:  outputPath,
		Duration:   duration,
		RTF:        realTimeFactor(elapsed, duration),
		SampleRate: sampleRate,
		Complete:   false,
		UnitsDone:  done,
		UnitsTotal: total,
		Reason:     cause.Error(),
	}
	s.finishRecord(result)
	s.log.Info("partial output saved",
		slog.Float64("duration_secs", duration),
		slog.Int("units_done", done),
		slog.Int("units_total", total))
	return result, nil
}

// concatScratch reads the persisted units back in order. With skipBad set an
// unreadable unit is logged and dropped instead of failing the whole pass.
func (s *Session) concatScratch(skipBad bool) ([]float32, error) {
	var combined []float32
	for _, path := range s.scratch {
		_, samples, err := audio.ReadWAV(path)
		if err != nil {
			if skipBad {
				s.log.Warn("skipping unreadable scratch unit",
					slog.String("path", path),
					slog.String("error", err.Error()))
				continue
			}
			return nil, fmt.Errorf("read scratch unit: %w", err)
		}
		combined = append(combined, samples...)
	}
	return combined, nil
}

func (s *Session) removeScratch() {
	for _, path := range s.scratch {
		if err := os.Remove(path); err != nil {
			s.log.Debug("failed to remove scratch unit", slog.String("path", path))
		}
	}
	s.scratch = nil
}

func (s *Session) scratchPath(i int) string {
	return filepath.Join(s.cfg.ScratchDir, fmt.Sprintf("speak_%s_chunk%d.wav", s.id, i))
}

func (s *Session) synthRequest(unit string) tts.SynthesizeRequest {
	return tts.SynthesizeRequest{
		Text:        unit,
		Voice:       s.req.Voice,
		Temperature: s.req.Temperature,
		Speed:       s.req.Speed,
	}
}

func (s *Session) info(method string, chars, total int) SessionInfo {
	return SessionInfo{
		SessionID:  s.id,
		Method:     method,
		Model:      s.req.Model,
		Voice:      s.req.Voice,
		Chars:      chars,
		UnitsTotal: total,
		StartedAt:  s.clock(),
	}
}

func (s *Session) finishRecord(r Result) {
	s.rec.SessionFinished(Outcome{
		SessionID:  s.id,
		Complete:   r.Complete,
		UnitsDone:  r.UnitsDone,
		UnitsTotal: r.UnitsTotal,
		Duration:   r.Duration,
		RTF:        r.RTF,
		OutputPath: r.AudioPath,
		Reason:     r.Reason,
	})
}

// realTimeFactor is wall seconds per audio second, 0 when no audio exists.
func realTimeFactor(elapsed, duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	return elapsed / duration
}
