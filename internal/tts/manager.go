package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StatusSink observes model lifecycle transitions while Ensure runs, so the
// connection handler can forward them to the client mid-request.
type StatusSink interface {
	ModelLoading(model string)
	ModelLoaded(model string, elapsed time.Duration)
}

// Manager owns which model is currently loaded. Loads are serialized behind
// the mutex, two models are never loaded at once, and the previous handle is
// closed after a successful switch.
type Manager struct {
	engine Engine
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	model  string
	handle Handle
	closed bool
}

// NewManager wraps engine. Nothing is loaded until the first Ensure.
func NewManager(engine Engine, logger *slog.Logger) *Manager {
	return &Manager{
		engine: engine,
		logger: logger.With(slog.String("component", "model-manager")),
		clock:  time.Now,
	}
}

// Ensure returns a handle for modelID, loading the model first when it is
// not the current one. Lifecycle transitions are reported to sink when it is
// non-nil. A load failure leaves the previous model in place.
func (m *Manager) Ensure(ctx context.Context, modelID string, sink StatusSink) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.handle != nil && m.model == modelID {
		return m.handle, nil
	}

	if sink != nil {
		sink.ModelLoading(modelID)
	}
	m.logger.Info("loading model", slog.String("model", modelID))

	start := m.clock()
	handle, err := m.engine.Load(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelID, err)
	}
	elapsed := m.clock().Sub(start)

	if m.handle != nil {
		if err := m.handle.Close(); err != nil {
			m.logger.Warn("failed to close previous model", slogError(err))
		}
	}
	m.model = modelID
	m.handle = handle

	m.logger.Info("model loaded", slog.String("model", modelID), slog.Duration("elapsed", elapsed))
	if sink != nil {
		sink.ModelLoaded(modelID, elapsed)
	}
	return handle, nil
}

// Current returns the loaded model id, if any.
func (m *Manager) Current() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return "", false
	}
	return m.model, true
}

// Close releases the active handle. Later Ensure calls return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	m.model = ""
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
