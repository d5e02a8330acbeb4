package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/spokelabs/speakd/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.StartSession(context.Background(), SessionRecord{SessionID: "x"}); err != nil {
		t.Fatalf("ephemeral start must no-op: %v", err)
	}
	if err := s.RecordUnit(context.Background(), UnitRecord{SessionID: "x"}); err != nil {
		t.Fatalf("ephemeral unit must no-op: %v", err)
	}
	if err := s.FinishSession(context.Background(), SessionFinish{SessionID: "x"}); err != nil {
		t.Fatalf("ephemeral finish must no-op: %v", err)
	}
	if _, err := s.GetSession(context.Background(), "x"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows from ephemeral store, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	cfg := config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "session",
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	start := SessionRecord{
		SessionID:  "sess-1",
		Method:     "generate",
		Model:      "mlx-community/chatterbox-turbo-8bit",
		Voice:      "",
		Chars:      320,
		UnitsTotal: 2,
	}
	if err := s.StartSession(context.Background(), start); err != nil {
		t.Fatalf("start session: %v", err)
	}

	rec, err := s.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Finished {
		t.Fatal("session must not be finished before FinishSession")
	}
	if rec.Method != "generate" || rec.UnitsTotal != 2 {
		t.Fatalf("unexpected session row: %+v", rec)
	}

	for i := 0; i < 2; i++ {
		unit := UnitRecord{
			SessionID:   "sess-1",
			UnitIndex:   i,
			Chars:       160,
			SampleRate:  24000,
			SampleCount: 24000 * (i + 1),
			ScratchPath: fmt.Sprintf("/tmp/speak_sess-1_chunk%d.wav", i),
		}
		if err := s.RecordUnit(context.Background(), unit); err != nil {
			t.Fatalf("record unit %d: %v", i, err)
		}
	}

	fin := SessionFinish{
		SessionID:    "sess-1",
		Complete:     true,
		UnitsDone:    2,
		OutputPath:   "/tmp/speak_sess-1.wav",
		DurationSecs: 3.0,
		RTF:          0.4,
	}
	if err := s.FinishSession(context.Background(), fin); err != nil {
		t.Fatalf("finish session: %v", err)
	}

	rec, err = s.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get finished session: %v", err)
	}
	if !rec.Finished || !rec.Complete {
		t.Fatalf("finish columns not applied: %+v", rec)
	}
	if rec.UnitsDone != 2 || rec.OutputPath != "/tmp/speak_sess-1.wav" {
		t.Fatalf("unexpected outcome: %+v", rec)
	}
	if rec.RTF != 0.4 || rec.DurationSecs != 3.0 {
		t.Fatalf("unexpected timing: %+v", rec)
	}

	units, err := s.SessionUnits(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("session units: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].UnitIndex != 0 || units[1].UnitIndex != 1 {
		t.Fatalf("units out of order: %+v", units)
	}
	if units[1].SampleCount != 48000 {
		t.Fatalf("unexpected sample count: %d", units[1].SampleCount)
	}
}

func TestPartialFinishKeepsReason(t *testing.T) {
	cfg := config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "session",
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.StartSession(context.Background(), SessionRecord{SessionID: "sess-p", Method: "generate", Model: "m", UnitsTotal: 3}); err != nil {
		t.Fatalf("start: %v", err)
	}
	fin := SessionFinish{
		SessionID:  "sess-p",
		Complete:   false,
		UnitsDone:  1,
		OutputPath: "/tmp/speak_sess-p_partial.wav",
		Reason:     "model crashed on unit 2",
	}
	if err := s.FinishSession(context.Background(), fin); err != nil {
		t.Fatalf("finish: %v", err)
	}

	rec, err := s.GetSession(context.Background(), "sess-p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.Finished || rec.Complete {
		t.Fatalf("expected finished incomplete session: %+v", rec)
	}
	if rec.Reason != "model crashed on unit 2" {
		t.Fatalf("reason lost: %q", rec.Reason)
	}
}

func TestAbandonedUnits(t *testing.T) {
	cfg := config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "session",
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// Session that dies mid-flight leaves unit rows and no finish columns.
	if err := s.StartSession(context.Background(), SessionRecord{SessionID: "dead", Method: "generate", Model: "m", UnitsTotal: 4}); err != nil {
		t.Fatalf("start dead: %v", err)
	}
	if err := s.RecordUnit(context.Background(), UnitRecord{SessionID: "dead", UnitIndex: 0, ScratchPath: "/tmp/speak_dead_chunk0.wav", SampleRate: 24000}); err != nil {
		t.Fatalf("record dead unit: %v", err)
	}

	if err := s.StartSession(context.Background(), SessionRecord{SessionID: "done", Method: "generate", Model: "m", UnitsTotal: 1}); err != nil {
		t.Fatalf("start done: %v", err)
	}
	if err := s.RecordUnit(context.Background(), UnitRecord{SessionID: "done", UnitIndex: 0, ScratchPath: "/tmp/speak_done_chunk0.wav", SampleRate: 24000}); err != nil {
		t.Fatalf("record done unit: %v", err)
	}
	if err := s.FinishSession(context.Background(), SessionFinish{SessionID: "done", Complete: true, UnitsDone: 1}); err != nil {
		t.Fatalf("finish done: %v", err)
	}

	units, err := s.AbandonedUnits(context.Background(), 10)
	if err != nil {
		t.Fatalf("abandoned: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("expected 1 abandoned unit, got %d", len(units))
	}
	if units[0].SessionID != "dead" || units[0].ScratchPath != "/tmp/speak_dead_chunk0.wav" {
		t.Fatalf("unexpected abandoned unit: %+v", units[0])
	}
}

func TestPruneByDaysAndCap(t *testing.T) {
	cfg := config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.StartSession(context.Background(), SessionRecord{SessionID: "old", Method: "generate", Model: "m", UnitsTotal: 1}); err != nil {
		t.Fatalf("start old: %v", err)
	}
	if err := s.RecordUnit(context.Background(), UnitRecord{SessionID: "old", UnitIndex: 0, ScratchPath: "/tmp/old.wav"}); err != nil {
		t.Fatalf("record old unit: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.StartSession(context.Background(), SessionRecord{SessionID: "new", Method: "generate", Model: "m", UnitsTotal: 1}); err != nil {
		t.Fatalf("start new: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.GetSession(context.Background(), "old"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("old session should be pruned, got %v", err)
	}
	units, err := s.SessionUnits(context.Background(), "old")
	if err != nil {
		t.Fatalf("units after prune: %v", err)
	}
	if len(units) != 0 {
		t.Fatal("unit rows must cascade with their session")
	}
	if _, err := s.GetSession(context.Background(), "new"); err != nil {
		t.Fatalf("new session should survive: %v", err)
	}
}
