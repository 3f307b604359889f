package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/transport"
	"github.com/nats-io/nats.go"
)

const (
	queueGroup       = "speak-workers"
	deliveryAttempts = 2
	deliveryTimeout  = 10 * time.Second
)

// Service accepts synthesis batches from the bus and delivers the fragments
// back to the broker once the whole batch is done.
type Service struct {
	bus     *bus.Client
	pool    *Pool
	sink    transport.FragmentSink
	timeout time.Duration
	// retryPause separates the two delivery attempts.
	retryPause time.Duration
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, pool *Pool, sink transport.FragmentSink, batchTimeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if batchTimeout <= 0 {
		batchTimeout = 2 * time.Minute
	}
	return &Service{
		bus:        busClient,
		pool:       pool,
		sink:       sink,
		timeout:    batchTimeout,
		retryPause: time.Second,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "worker-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSynthBatch, queueGroup, s.handleBatch)
	if err != nil {
		return fmt.Errorf("subscribe synth batches: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleBatch(msg *nats.Msg) {
	var batch protocol.SynthBatch
	if err := transport.Decode(msg, &batch); err != nil {
		s.logger.Warn("failed to decode synth batch", slogError(err))
		_ = transport.ReplyError(msg, fmt.Errorf("decode batch: %w", err))
		return
	}
	if err := s.ctx.Err(); err != nil {
		_ = transport.ReplyError(msg, err)
		return
	}

	s.wg.Add(1)
	if err := transport.ReplyAccepted(msg); err != nil {
		s.logger.Warn("failed to acknowledge batch", slogError(err))
	}

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		delivery := s.pool.Process(ctx, batch)
		if err := ctx.Err(); err != nil {
			delivery.Error = err.Error()
		}

		// Delivery must reach the broker even when synthesis was cancelled,
		// otherwise the reserved capacity is held until the broker expires it.
		if err := s.deliver(delivery); err != nil {
			s.logger.Error("failed to deliver fragments",
				slog.String("batch_id", batch.BatchID),
				slog.Int("acquired", batch.Acquired),
				slogError(err))
			return
		}
		s.logger.Info("audio fragments sent to broker",
			slog.String("batch_id", batch.BatchID),
			slog.Int("fragments", len(delivery.Fragments)))
	}()
}

// deliver hands a finished batch to the sink, retrying once after a short
// pause. Only transport errors are retried; a broker rejection is final.
func (s *Service) deliver(delivery protocol.FragmentDelivery) error {
	var err error
	for attempt := 0; attempt < deliveryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryPause):
			case <-s.ctx.Done():
			}
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), deliveryTimeout)
		err = s.sink.DeliverFragments(ctx, delivery)
		cancel()
		if err == nil || errors.Is(err, transport.ErrRejected) {
			return err
		}
		s.logger.Warn("fragment delivery attempt failed",
			slog.String("batch_id", delivery.BatchID),
			slog.Int("attempt", attempt+1),
			slogError(err))
	}
	return err
}
