package chunker

import (
	"strings"
	"testing"
)

func newChunker(t *testing.T, maxTokens int) *Chunker {
	t.Helper()
	c, err := New("cl100k_base", maxTokens)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	return c
}

func TestSplitEmpty(t *testing.T) {
	c := newChunker(t, 10)
	if chunks := c.Split(""); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %v", chunks)
	}
}

func TestSplitShortTextIsSingleChunk(t *testing.T) {
	c := newChunker(t, 200)
	chunks := c.Split("Ciao, come posso aiutarti oggi?")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != "Ciao, come posso aiutarti oggi?" {
		t.Fatalf("unexpected chunk %q", chunks[0])
	}
}

func TestSplitRespectsWindowAndRoundTrips(t *testing.T) {
	c := newChunker(t, 7)
	text := strings.Repeat("La biblioteca apre alle nove e chiude alle diciotto. ", 12) + "Città già più perché."
	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	want := c.Encode(text)
	if expected := (len(want) + 6) / 7; len(chunks) != expected {
		t.Fatalf("expected %d chunks for %d tokens, got %d", expected, len(want), len(chunks))
	}
	if strings.Join(chunks, "") != c.Decode(want) {
		t.Fatal("concatenated chunks differ from decoded token stream")
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("expected byte-exact reconstruction of input text")
	}
}

func TestSplitNOverridesWindow(t *testing.T) {
	c := newChunker(t, 200)
	text := "uno due tre quattro cinque sei sette otto nove dieci"
	tokens := c.Encode(text)
	chunks := c.SplitN(text, 1)
	if len(chunks) != len(tokens) {
		t.Fatalf("expected one chunk per token (%d), got %d", len(tokens), len(chunks))
	}
}

func TestNewRejectsUnknownEncoding(t *testing.T) {
	if _, err := New("no_such_encoding", 10); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
	if _, err := New("cl100k_base", 0); err == nil {
		t.Fatal("expected error for zero window")
	}
}
