package audio

import (
	"math"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	// Values on int16 grid points survive the disk round trip exactly.
	samples := []float32{0, 0.5, -0.5, 0.25, -0.25, -1}

	if err := WriteWAV(path, 24000, samples); err != nil {
		t.Fatalf("write: %v", err)
	}
	rate, got, err := ReadWAV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rate != 24000 {
		t.Fatalf("sample rate mangled: %d", rate)
	}
	if len(got) != len(samples) {
		t.Fatalf("sample count mismatch: got %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d: got %v, want %v", i, got[i], samples[i])
		}
	}
}

func TestWriteClampsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hot.wav")
	if err := WriteWAV(path, 22050, []float32{2.5, -3.0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, got, err := ReadWAV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0] < 0.999 {
		t.Fatalf("positive overdrive not clamped high: %v", got[0])
	}
	if got[1] != -1 {
		t.Fatalf("negative overdrive not clamped to -1: %v", got[1])
	}
}

func TestWriteEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	if err := WriteWAV(path, 24000, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	rate, got, err := ReadWAV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rate != 24000 || len(got) != 0 {
		t.Fatalf("unexpected result: rate=%d samples=%d", rate, len(got))
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, _, err := ReadWAV(filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRoundTripTolerance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sine.wav")
	samples := make([]float32, 480)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * float64(i) / 48))
	}
	if err := WriteWAV(path, 48000, samples); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, got, err := ReadWAV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range samples {
		if diff := math.Abs(float64(got[i] - samples[i])); diff > 1.0/32768 {
			t.Fatalf("sample %d drifted by %v", i, diff)
		}
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(24000, 48000); got != 2.0 {
		t.Fatalf("unexpected duration: %v", got)
	}
	if got := Duration(24000, 0); got != 0 {
		t.Fatalf("zero samples should be zero seconds, got %v", got)
	}
	if got := Duration(0, 48000); got != 0 {
		t.Fatalf("zero rate should be zero seconds, got %v", got)
	}
}
