package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/natsserver"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestClientSendBatchRoundTrip(t *testing.T) {
	conn := startBus(t)

	received := make(chan protocol.SynthBatch, 1)
	_, err := conn.Subscribe(protocol.SubjectSynthBatch, func(msg *nats.Msg) {
		var batch protocol.SynthBatch
		if err := Decode(msg, &batch); err != nil {
			_ = ReplyError(msg, err)
			return
		}
		received <- batch
		_ = ReplyAccepted(msg)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client := NewClient(conn, time.Second)
	batch := protocol.SynthBatch{
		BatchID:  "b-1",
		Epoch:    3,
		Acquired: 2,
		Units:    []protocol.TextUnit{{Epoch: 3, ID: 0, Text: "ciao"}, {Epoch: 3, ID: 0, SubID: 1, Text: "mondo"}},
	}
	if err := client.SendBatch(context.Background(), batch); err != nil {
		t.Fatalf("send batch: %v", err)
	}

	select {
	case got := <-received:
		if got.BatchID != "b-1" || got.Acquired != 2 || len(got.Units) != 2 || got.Units[1].SubID != 1 {
			t.Fatalf("batch mangled in transit: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("batch never arrived")
	}
}

func TestClientSurfacesRejection(t *testing.T) {
	conn := startBus(t)

	_, err := conn.Subscribe(protocol.SubjectAudioDeliver, func(msg *nats.Msg) {
		_ = ReplyError(msg, errors.New("unknown batch"))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, err = conn.Subscribe(protocol.SubjectSave, func(msg *nats.Msg) {
		_ = Reply(msg, protocol.SaveResult{Status: protocol.StatusError, Message: "response not ready"})
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client := NewClient(conn, time.Second)
	err = client.DeliverFragments(context.Background(), protocol.FragmentDelivery{BatchID: "nope"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if _, err := client.Save(context.Background()); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected from save, got %v", err)
	}
}

func TestClientStatus(t *testing.T) {
	conn := startBus(t)

	_, err := conn.Subscribe(protocol.SubjectStatus, func(msg *nats.Msg) {
		_ = Reply(msg, protocol.ResponseStatus{Status: protocol.StatusReady, Epoch: 4, Fragments: 2})
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	status, err := NewClient(conn, time.Second).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != protocol.StatusReady || status.Epoch != 4 || status.Fragments != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestClientWithoutResponderFails(t *testing.T) {
	conn := startBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := NewClient(conn, time.Second).Reset(ctx); err == nil {
		t.Fatalf("expected error without a broker listening")
	}
}

func TestLoopbackDeliversToSink(t *testing.T) {
	delivered := make(chan protocol.FragmentDelivery, 1)
	loop := NewLoopback(context.Background(), func(_ context.Context, batch protocol.SynthBatch) protocol.FragmentDelivery {
		return protocol.FragmentDelivery{BatchID: batch.BatchID, Epoch: batch.Epoch, Acquired: batch.Acquired}
	}, newLogger())
	t.Cleanup(loop.Close)

	if err := loop.SendBatch(context.Background(), protocol.SynthBatch{BatchID: "x"}); err == nil {
		t.Fatalf("expected error without an attached sink")
	}

	loop.Attach(FragmentSinkFunc(func(_ context.Context, d protocol.FragmentDelivery) error {
		delivered <- d
		return nil
	}))
	if err := loop.SendBatch(context.Background(), protocol.SynthBatch{BatchID: "x", Epoch: 1, Acquired: 3}); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	loop.Wait()

	select {
	case d := <-delivered:
		if d.BatchID != "x" || d.Acquired != 3 {
			t.Fatalf("unexpected delivery: %+v", d)
		}
	default:
		t.Fatalf("nothing delivered")
	}
}
