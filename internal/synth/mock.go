package synth

import (
	"context"
	"math"
	"time"
	"unicode/utf8"
)

const mockSecondsPerRune = 0.06

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns a synthesizer that renders a quiet tone whose length
// follows the text length and speed. Longer text also takes longer to
// return, so batches complete out of order the way a real model does.
func NewMockSynth(sampleRate int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) SampleRate() int { return m.sampleRate }

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]float32, error) {
	runes := utf8.RuneCountInString(req.Text)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(runes) * time.Millisecond):
	}

	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	n := int(float64(runes) * mockSecondsPerRune / speed * float64(m.sampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
	}
	return samples, nil
}
