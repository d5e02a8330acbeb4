package tts

import (
	"context"
	"sync"
	"unicode/utf8"
)

// MockEngine synthesizes deterministic audio without a model: a fixed number
// of samples per rune of input at a fixed rate. FailOn lets tests inject a
// failure for specific unit text.
type MockEngine struct {
	SampleRate     int
	SamplesPerRune int
	LoadErr        error
	FailOn         func(text string) error

	mu     sync.Mutex
	loads  []string
	closes int
}

// NewMockEngine returns a mock producing 16 samples per rune at 24 kHz.
func NewMockEngine() *MockEngine {
	return &MockEngine{SampleRate: 24000, SamplesPerRune: 16}
}

func (m *MockEngine) Load(ctx context.Context, modelID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	m.mu.Lock()
	m.loads = append(m.loads, modelID)
	m.mu.Unlock()
	return &mockHandle{engine: m, model: modelID}, nil
}

// Loads returns every model id loaded so far, in order.
func (m *MockEngine) Loads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.loads...)
}

// CloseCount returns how many handles have been closed.
func (m *MockEngine) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type mockHandle struct {
	engine *MockEngine
	model  string
}

func (h *mockHandle) Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if h.engine.FailOn != nil {
		if err := h.engine.FailOn(req.Text); err != nil {
			return Audio{}, err
		}
	}
	samples := make([]float32, utf8.RuneCountInString(req.Text)*h.engine.SamplesPerRune)
	for i := range samples {
		samples[i] = float32(i%64-32) / 64
	}
	return Audio{SampleRate: h.engine.SampleRate, Samples: samples}, nil
}

func (h *mockHandle) Close() error {
	h.engine.mu.Lock()
	h.engine.closes++
	h.engine.mu.Unlock()
	return nil
}
