package synth

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-speak/internal/config"
)

// Request contains parameters to synthesize one text unit.
type Request struct {
	Text     string
	Language string
	Voice    string
	Speed    float64
}

// Synthesizer is the contract for producing audio. Implementations must be
// safe for concurrent use: the worker pool calls Synthesize once per unit in
// parallel.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]float32, error)
	SampleRate() int
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.SynthConfig, sampleRate int) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(sampleRate), nil
	case "exec":
		return NewExecSynth(cfg.Command, sampleRate)
	default:
		return nil, fmt.Errorf("unsupported synth mode %q", cfg.Mode)
	}
}

// RequestFromConfig fills the voice parameters for text.
func RequestFromConfig(cfg config.SynthConfig, text string) Request {
	return Request{
		Text:     text,
		Language: cfg.Language,
		Voice:    cfg.Voice(),
		Speed:    cfg.Speed,
	}
}
