package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-speak/internal/config"
)

func collect(t *testing.T, g Generator, req Request) (string, []Chunk) {
	t.Helper()
	var sb strings.Builder
	var chunks []Chunk
	err := g.Generate(context.Background(), req, func(c Chunk) error {
		sb.WriteString(c.Content)
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return sb.String(), chunks
}

func TestMockStreamsPartialDeltas(t *testing.T) {
	text, chunks := collect(t, NewMockGenerator(), Request{Prompt: "città"})
	if len(chunks) < 2 {
		t.Fatalf("expected several deltas, got %d", len(chunks))
	}
	if !strings.Contains(text, "città") || strings.Count(text, ".") < 3 {
		t.Fatalf("unexpected mock text: %q", text)
	}
	for i, c := range chunks {
		if c.Partial != (i < len(chunks)-1) {
			t.Fatalf("chunk %d partial=%v", i, c.Partial)
		}
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.URL.Path != "/api/chat" || !req.Stream || req.Model != "tiny" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hi" {
			http.Error(w, "bad messages", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Hello. "},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"World"},"done":true,"eval_count":3}` + "\n"))
	}))
	t.Cleanup(srv.Close)

	text, chunks := collect(t, NewOllamaGenerator(srv.URL+"/"), Request{Prompt: "hi", System: "be brief", Model: "tiny"})
	if text != "Hello. World" {
		t.Fatalf("unexpected text: %q", text)
	}
	last := chunks[len(chunks)-1]
	if last.Partial || last.CompletionTokens != 3 {
		t.Fatalf("unexpected final chunk: %+v", last)
	}
}

func TestOllamaStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model not found"}` + "\n"))
	}))
	t.Cleanup(srv.Close)

	err := NewOllamaGenerator(srv.URL).Generate(context.Background(), Request{Prompt: "hi"}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestExecGeneratorStreamsLines(t *testing.T) {
	script := filepath.Join(t.TempDir(), "gen.sh")
	body := "#!/bin/sh\ncat >/dev/null\n" +
		"echo '{\"content\":\"One. \"}'\n" +
		"echo '{\"content\":\"Two.\",\"done\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	g, err := NewExecGenerator(script)
	if err != nil {
		t.Fatalf("new exec generator: %v", err)
	}
	text, chunks := collect(t, g, Request{Prompt: "count"})
	if text != "One. Two." || len(chunks) != 2 || chunks[1].Partial {
		t.Fatalf("unexpected output %q %+v", text, chunks)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.LLMConfig{Mode: "telepathy"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if _, err := New(config.LLMConfig{Mode: "exec"}); err == nil {
		t.Fatalf("expected error for empty exec command")
	}
	g, err := New(config.LLMConfig{Mode: "mock"})
	if err != nil || g == nil {
		t.Fatalf("mock generator: %v", err)
	}
}

func TestRequestFromConfig(t *testing.T) {
	cfg := config.LLMConfig{Model: "m", System: "be brief", MaxTokens: 64, Temperature: 0.2}
	req := RequestFromConfig(cfg, "why?")
	if req.Prompt != "why?" || req.Model != "m" || req.System != "be brief" || req.MaxTokens != 64 {
		t.Fatalf("unexpected request: %+v", req)
	}
}
