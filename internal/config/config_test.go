package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Chunker.MaxTokens != 200 {
		t.Fatalf("expected default max tokens 200, got %d", cfg.Chunker.MaxTokens)
	}
	if cfg.Buffer.SampleRate != 22050 || cfg.Buffer.StretchRatio != 1.1 || cfg.Buffer.BatchDeadlineMS != 150000 {
		t.Fatalf("unexpected buffer defaults: %+v", cfg.Buffer)
	}
	if cfg.Telemetry.LogLevel != "info" || !cfg.Telemetry.OTLPInsecure || cfg.Telemetry.Level() != slog.LevelInfo {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
	if cfg.Synth.Voice() != "default" {
		t.Fatalf("expected default voice, got %q", cfg.Synth.Voice())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_ROLE", "worker")
	t.Setenv("LOQA_NODE_SLOTS", "8")
	t.Setenv("LOQA_BUFFER_MAX_WORKERS", "2")
	t.Setenv("LOQA_BUFFER_STRETCH_RATIO", "1.25")
	t.Setenv("LOQA_CHUNKER_MAX_TOKENS", "50")
	t.Setenv("LOQA_SYNTH_SPEAKERS", "Ana Florence, Claribel Dervla")
	t.Setenv("LOQA_SYNTH_SPEAKER_INDEX", "1")
	t.Setenv("LOQA_DRIVER_POLL_INTERVAL_MS", "250")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" || cfg.Node.Role != RoleWorker || cfg.Node.Slots != 8 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}
	if cfg.Buffer.MaxWorkers != 2 {
		t.Fatalf("expected max workers 2, got %d", cfg.Buffer.MaxWorkers)
	}
	if cfg.Buffer.StretchRatio != 1.25 {
		t.Fatalf("expected stretch ratio override, got %v", cfg.Buffer.StretchRatio)
	}
	if cfg.Chunker.MaxTokens != 50 {
		t.Fatalf("expected max tokens override")
	}
	if cfg.Synth.Voice() != "Claribel Dervla" {
		t.Fatalf("expected second speaker, got %q", cfg.Synth.Voice())
	}
	if cfg.Driver.PollIntervalMS != 250 {
		t.Fatalf("expected poll interval override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speak.yaml")
	data := []byte("buffer:\n  max_workers: 3\n  output_path: out.wav\nsynth:\n  mode: exec\n  command: ./synth --json\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Buffer.MaxWorkers != 3 || cfg.Buffer.OutputPath != "out.wav" {
		t.Fatalf("unexpected buffer config: %+v", cfg.Buffer)
	}
	if cfg.Buffer.SampleRate != 22050 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Buffer.SampleRate)
	}
	if cfg.Synth.Mode != "exec" {
		t.Fatalf("expected exec synth mode")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"LOQA_BUFFER_MAX_WORKERS":       "0",
		"LOQA_NODE_ROLE":                "router",
		"LOQA_SYNTH_MODE":               "neural",
		"LOQA_CHUNKER_MAX_TOKENS":       "-1",
		"LOQA_SYNTH_SPEAKER_INDEX":      "4",
		"LOQA_BUFFER_BATCH_DEADLINE_MS": "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).Level(); got != want {
			t.Fatalf("level %q = %v, want %v", in, got, want)
		}
	}
}
