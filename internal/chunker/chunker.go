package chunker

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

var loaderOnce sync.Once

// Chunker slices text into windows of at most maxTokens tokens.
//
// Windows are decoded independently, so a window boundary may fall inside a
// multi-byte rune. The concatenation of the returned pieces is still byte-equal
// to decoding the whole token stream.
type Chunker struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
}

// New loads the named BPE encoding from the embedded offline loader.
// A missing encoding is a configuration error.
func New(encoding string, maxTokens int) (*Chunker, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("chunker max tokens must be positive, got %d", maxTokens)
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %q: %w", encoding, err)
	}
	return &Chunker{enc: enc, maxTokens: maxTokens}, nil
}

// Split uses the configured window size.
func (c *Chunker) Split(text string) []string {
	return c.SplitN(text, c.maxTokens)
}

// SplitN encodes text and decodes consecutive windows of maxTokens tokens.
// Text that encodes to zero tokens yields nil.
func (c *Chunker) SplitN(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	tokens := c.Encode(text)
	if len(tokens) == 0 {
		return nil
	}
	chunks := make([]string, 0, (len(tokens)+maxTokens-1)/maxTokens)
	for i := 0; i < len(tokens); i += maxTokens {
		end := min(i+maxTokens, len(tokens))
		chunks = append(chunks, c.enc.Decode(tokens[i:end]))
	}
	return chunks
}

func (c *Chunker) Encode(text string) []int {
	return c.enc.Encode(text, nil, nil)
}

func (c *Chunker) Decode(tokens []int) string {
	return c.enc.Decode(tokens)
}
