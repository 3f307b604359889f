package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speak/internal/protocol"
)

// BatchHandler synthesizes a batch and returns the delivery for it.
type BatchHandler func(ctx context.Context, batch protocol.SynthBatch) protocol.FragmentDelivery

// Loopback connects a broker to an in-process worker pool. SendBatch returns
// as soon as the batch is scheduled, like the bus transport does.
type Loopback struct {
	handler BatchHandler
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.RWMutex
	sink FragmentSink
}

func NewLoopback(parent context.Context, handler BatchHandler, logger *slog.Logger) *Loopback {
	ctx, cancel := context.WithCancel(parent)
	return &Loopback{
		handler: handler,
		logger:  logger.With(slog.String("component", "loopback-transport")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach sets the sink deliveries are sent to.
func (l *Loopback) Attach(sink FragmentSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

func (l *Loopback) SendBatch(_ context.Context, batch protocol.SynthBatch) error {
	l.mu.RLock()
	sink := l.sink
	l.mu.RUnlock()
	if sink == nil {
		return errors.New("loopback transport has no fragment sink")
	}
	if err := l.ctx.Err(); err != nil {
		return err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		delivery := l.handler(l.ctx, batch)
		if err := sink.DeliverFragments(l.ctx, delivery); err != nil {
			l.logger.Warn("fragment delivery failed", slog.String("batch_id", batch.BatchID), slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Wait blocks until every scheduled batch has been delivered.
func (l *Loopback) Wait() { l.wg.Wait() }

func (l *Loopback) Close() {
	l.cancel()
	l.wg.Wait()
}
