package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewExecEngineEmptyCommand(t *testing.T) {
	if _, err := NewExecEngine("", ""); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestNewExecEngineBadQuoting(t *testing.T) {
	if _, err := NewExecEngine(`speak-engine --voice 'unterminated`, ""); err == nil {
		t.Fatal("expected parse error for unterminated quote")
	}
}

func TestNewExecEngineBadLoadCommand(t *testing.T) {
	if _, err := NewExecEngine("speak-engine", `warm "broken`); err == nil {
		t.Fatal("expected parse error for load command")
	}
}

func TestExecSynthesize(t *testing.T) {
	// Stand-in engine: drains the request, then emits one PCM line holding
	// 0x4000 and 0xC000 little-endian (one sample at +0.5, one at -0.5).
	script := filepath.Join(t.TempDir(), "engine.sh")
	body := "cat >/dev/null\necho '{\"sample_rate\":24000,\"pcm_base64\":\"AEAAwA==\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	engine, err := NewExecEngine("sh "+script, "")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handle, err := engine.Load(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	audio, err := handle.Synthesize(context.Background(), SynthesizeRequest{Text: "hi", Temperature: 0.5, Speed: 1.0})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if audio.SampleRate != 24000 {
		t.Fatalf("unexpected rate: %d", audio.SampleRate)
	}
	if len(audio.Samples) != 2 {
		t.Fatalf("unexpected sample count: %d", len(audio.Samples))
	}
	if audio.Samples[0] != 0.5 || audio.Samples[1] != -0.5 {
		t.Fatalf("unexpected samples: %v", audio.Samples)
	}
}

func TestExecLoadRunsWarmCommand(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "warmed")
	script := filepath.Join(dir, "warm.sh")
	if err := os.WriteFile(script, []byte("echo \"$1\" > "+marker+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	engine, err := NewExecEngine("true", "sh "+script)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Load(context.Background(), "model-x"); err != nil {
		t.Fatalf("load: %v", err)
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("warm command did not run: %v", err)
	}
	if got := string(data); got != "model-x\n" {
		t.Fatalf("warm command got wrong model: %q", got)
	}
}

func TestExecLoadWarmFailure(t *testing.T) {
	engine, err := NewExecEngine("true", "false")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Load(context.Background(), "model-x"); err == nil {
		t.Fatal("expected warm failure")
	}
}

func TestExecSynthesizeCommandFailure(t *testing.T) {
	engine, err := NewExecEngine("false", "")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handle, err := engine.Load(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := handle.Synthesize(context.Background(), SynthesizeRequest{Text: "hi"}); err == nil {
		t.Fatal("expected command failure")
	}
}

func TestPCMToSamples(t *testing.T) {
	samples, err := pcmToSamples([]byte{0x00, 0x40, 0x00, 0xC0, 0xFF, 0x7F})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if samples[0] != 0.5 || samples[1] != -0.5 {
		t.Fatalf("unexpected samples: %v", samples)
	}
	if samples[2] <= 0.999 {
		t.Fatalf("full-scale sample wrong: %v", samples[2])
	}

	if _, err := pcmToSamples([]byte{0x01}); err == nil {
		t.Fatal("expected alignment error")
	}
}
