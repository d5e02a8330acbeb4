// Package audio persists and recovers synthesis output. Samples are float32
// in [-1, 1] everywhere in the daemon; on disk they are 16-bit PCM mono WAV.
// This is the only package that touches WAV bytes.
package audio

import (
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV writes samples to path as 16-bit mono PCM. Samples outside
// [-1, 1] are clamped, not wrapped.
func WriteWAV(path string, sampleRate int, samples []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}

	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = clampToInt16(s)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close wav file: %w", err)
	}
	return nil
}

// ReadWAV loads a 16-bit PCM WAV file and returns its sample rate and
// samples scaled to [-1, 1]. Multi-channel files come back interleaved.
func ReadWAV(path string) (int, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return 0, nil, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return 0, nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / 32768
	}
	return buf.Format.SampleRate, samples, nil
}

// Duration returns the playback length in seconds of sampleCount samples at
// sampleRate Hz. A non-positive rate yields 0.
func Duration(sampleRate, sampleCount int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(sampleCount) / float64(sampleRate)
}

func clampToInt16(s float32) int {
	v := int(s * 32768)
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
