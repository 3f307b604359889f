package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, Event{ResponseID: "r", Type: EventSubmitted}); err != nil {
		t.Fatalf("record on ephemeral journal: %v", err)
	}
	events, err := es.ListResponseEvents(ctx, "r", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "session"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.Record(ctx, Event{ResponseID: "resp-1", Epoch: 3, Type: EventDispatched, Units: 2}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Record(ctx, Event{ResponseID: "resp-1", Epoch: 3, Type: EventFailed, Units: 1, Detail: "boom"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := es.ListResponseEvents(ctx, "resp-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventDispatched || events[0].Units != 2 || events[0].Epoch != 3 {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Detail != "boom" {
		t.Fatalf("unexpected detail: %q", events[1].Detail)
	}
}

func TestPruneByDaysAndResponses(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxResponses:  1,
	}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, Event{ResponseID: "old", Epoch: 1, Type: EventSaved}); err != nil {
		t.Fatalf("record: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, Event{ResponseID: "new", Epoch: 2, Type: EventSaved}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListResponseEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old response pruned")
	}
	recent, err := es.ListResponseEvents(ctx, "new", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected new response kept, got %d events", len(recent))
	}
}
