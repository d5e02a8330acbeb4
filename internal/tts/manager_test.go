package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) ModelLoading(model string) {
	r.events = append(r.events, "loading "+model)
}

func (r *recordingSink) ModelLoaded(model string, elapsed time.Duration) {
	r.events = append(r.events, "loaded "+model)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerLoadsOnce(t *testing.T) {
	engine := NewMockEngine()
	mgr := NewManager(engine, testLogger())
	sink := &recordingSink{}

	first, err := mgr.Ensure(context.Background(), "model-a", sink)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := mgr.Ensure(context.Background(), "model-a", sink)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first != second {
		t.Fatal("expected the same handle for the same model")
	}
	if loads := engine.Loads(); len(loads) != 1 {
		t.Fatalf("expected 1 load, got %v", loads)
	}
	if len(sink.events) != 2 {
		t.Fatalf("repeat ensure must not re-emit status events: %v", sink.events)
	}
}

func TestManagerStatusSinkOrder(t *testing.T) {
	engine := NewMockEngine()
	mgr := NewManager(engine, testLogger())
	sink := &recordingSink{}

	if _, err := mgr.Ensure(context.Background(), "model-a", sink); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	want := []string{"loading model-a", "loaded model-a"}
	if len(sink.events) != len(want) {
		t.Fatalf("unexpected events: %v", sink.events)
	}
	for i := range want {
		if sink.events[i] != want[i] {
			t.Fatalf("event %d: got %q, want %q", i, sink.events[i], want[i])
		}
	}
}

func TestManagerSwitchClosesPrevious(t *testing.T) {
	engine := NewMockEngine()
	mgr := NewManager(engine, testLogger())

	if _, err := mgr.Ensure(context.Background(), "model-a", nil); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	if _, err := mgr.Ensure(context.Background(), "model-b", nil); err != nil {
		t.Fatalf("ensure b: %v", err)
	}

	if loads := engine.Loads(); len(loads) != 2 || loads[0] != "model-a" || loads[1] != "model-b" {
		t.Fatalf("unexpected loads: %v", loads)
	}
	if engine.CloseCount() != 1 {
		t.Fatalf("previous handle not closed: %d closes", engine.CloseCount())
	}
	current, loaded := mgr.Current()
	if !loaded || current != "model-b" {
		t.Fatalf("unexpected current model: %q %v", current, loaded)
	}
}

func TestManagerLoadFailureKeepsCurrent(t *testing.T) {
	engine := NewMockEngine()
	mgr := NewManager(engine, testLogger())

	if _, err := mgr.Ensure(context.Background(), "model-a", nil); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	engine.LoadErr = errors.New("download failed")
	if _, err := mgr.Ensure(context.Background(), "model-b", nil); err == nil {
		t.Fatal("expected load failure")
	}

	current, loaded := mgr.Current()
	if !loaded || current != "model-a" {
		t.Fatalf("failed load must keep previous model, got %q %v", current, loaded)
	}
	if engine.CloseCount() != 0 {
		t.Fatal("failed load must not close the active handle")
	}
}

func TestManagerCurrentBeforeLoad(t *testing.T) {
	mgr := NewManager(NewMockEngine(), testLogger())
	if _, loaded := mgr.Current(); loaded {
		t.Fatal("no model should be reported before the first load")
	}
}

func TestManagerClose(t *testing.T) {
	engine := NewMockEngine()
	mgr := NewManager(engine, testLogger())

	if _, err := mgr.Ensure(context.Background(), "model-a", nil); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if engine.CloseCount() != 1 {
		t.Fatalf("handle not closed: %d", engine.CloseCount())
	}
	if _, err := mgr.Ensure(context.Background(), "model-a", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, loaded := mgr.Current(); loaded {
		t.Fatal("closed manager still reports a model")
	}
}

func TestMockSynthesizeDeterministic(t *testing.T) {
	engine := NewMockEngine()
	handle, err := engine.Load(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	req := SynthesizeRequest{Text: "hello", Temperature: 0.5, Speed: 1.0}
	first, err := handle.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if first.SampleRate != engine.SampleRate {
		t.Fatalf("unexpected rate: %d", first.SampleRate)
	}
	if len(first.Samples) != 5*engine.SamplesPerRune {
		t.Fatalf("unexpected sample count: %d", len(first.Samples))
	}

	second, _ := handle.Synthesize(context.Background(), req)
	for i := range first.Samples {
		if first.Samples[i] != second.Samples[i] {
			t.Fatalf("sample %d not deterministic", i)
		}
	}
}

func TestMockFailureInjection(t *testing.T) {
	engine := NewMockEngine()
	engine.FailOn = func(text string) error {
		if text == "bad unit" {
			return errors.New("injected")
		}
		return nil
	}
	handle, err := engine.Load(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := handle.Synthesize(context.Background(), SynthesizeRequest{Text: "bad unit"}); err == nil {
		t.Fatal("expected injected failure")
	}
	if _, err := handle.Synthesize(context.Background(), SynthesizeRequest{Text: "good unit"}); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
}
