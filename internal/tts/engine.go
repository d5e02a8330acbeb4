// Package tts abstracts the speech-synthesis model behind an engine that
// loads models and hands back synthesis handles. Two engines exist: an exec
// engine that shells out to an external synthesis command, and a
// deterministic mock used in tests and for protocol work without a model.
package tts

import (
	"context"
	"errors"
)

// ErrClosed is returned by the manager once the daemon is shutting down and
// no further model can be provided.
var ErrClosed = errors.New("model manager closed")

// SynthesizeRequest carries one text unit and the synthesis controls for it.
// Voice is a path to reference audio for cloning; empty means the model's
// built-in voice.
type SynthesizeRequest struct {
	Text        string
	Voice       string
	Temperature float64
	Speed       float64
}

// Audio is the synthesized output of one unit: mono float32 samples in
// [-1, 1] at SampleRate Hz.
type Audio struct {
	SampleRate int
	Samples    []float32
}

// Handle is a loaded model ready to synthesize.
type Handle interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) (Audio, error)
	Close() error
}

// Engine loads models by id.
type Engine interface {
	Load(ctx context.Context, modelID string) (Handle, error)
}
