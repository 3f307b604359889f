package llm

import (
	"context"
	"strings"
	"time"
)

const mockDeltaDelay = 5 * time.Millisecond

type mockGenerator struct{}

// NewMockGenerator streams a canned multi-sentence answer a few characters
// at a time, so sentence boundaries land in the middle of deltas.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = "nothing"
	}
	content := "You asked about " + prompt + ". This is a mock answer streamed in small pieces. " +
		"Each sentence is spoken as soon as it is complete. The last one has no full stop"

	runes := []rune(content)
	start := time.Now()
	const step = 7
	for i := 0; i < len(runes); i += step {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mockDeltaDelay):
		}
		end := min(i+step, len(runes))
		if err := consumer(Chunk{
			Content: string(runes[i:end]),
			Partial: end < len(runes),
			Latency: time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
