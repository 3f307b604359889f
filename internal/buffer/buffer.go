package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speak/internal/admission"
	"github.com/loqalabs/loqa-speak/internal/audio"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	// ErrNotReady is returned by Finalize while units are queued or in flight.
	ErrNotReady = errors.New("response not ready")
	// ErrNoAudio is returned by Finalize when no fragment was collected.
	ErrNoAudio = errors.New("no audio fragments collected")
	// ErrStaleEpoch marks units or fragments that belong to a discarded response.
	ErrStaleEpoch = errors.New("stale response epoch")
	// ErrUnknownBatch marks deliveries for batches this broker never dispatched
	// or has already completed.
	ErrUnknownBatch = errors.New("unknown batch")
	// ErrBatchExpired reports a dispatched batch whose delivery never arrived.
	ErrBatchExpired = errors.New("batch delivery overdue")
)

// DefaultBatchDeadline covers the worker's batch timeout plus its delivery
// retries.
const DefaultBatchDeadline = 2*time.Minute + 30*time.Second

// Splitter breaks submitted text into synthesis-sized pieces.
type Splitter interface {
	Split(text string) []string
}

// Journal records response lifecycle events.
type Journal interface {
	Record(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	SampleRate   int
	StretchRatio float64
	// BatchDeadline bounds how long a dispatched batch may hold its capacity
	// before the broker gives up on its delivery.
	BatchDeadline time.Duration
}

type inflightBatch struct {
	acquired int
	epoch    uint64
	deadline time.Time
}

// Buffer is the broker for one spoken response at a time. It owns the
// pending queue and the collected fragments, reserves admission capacity for
// every dispatched batch and releases it when the batch comes back.
type Buffer struct {
	ctrl     *admission.Controller
	sender   transport.BatchSender
	splitter Splitter
	journal  Journal
	opts     Options
	logger   *slog.Logger
	metrics  *bufferMetrics

	mu         sync.Mutex
	epoch      uint64
	responseID string
	pending    []protocol.TextUnit
	results    map[protocol.Key]protocol.AudioFragment
	failed     map[protocol.Key]string
	inflight   map[string]inflightBatch
	degraded   bool
	lastErr    error
	clock      func() time.Time
}

func New(ctrl *admission.Controller, sender transport.BatchSender, splitter Splitter, journal Journal, opts Options, logger *slog.Logger) *Buffer {
	b := &Buffer{
		ctrl:       ctrl,
		sender:     sender,
		splitter:   splitter,
		journal:    journal,
		opts:       opts,
		logger:     logger.With(slog.String("component", "buffer")),
		epoch:      1,
		responseID: uuid.NewString(),
		results:    make(map[protocol.Key]protocol.AudioFragment),
		failed:     make(map[protocol.Key]string),
		inflight:   make(map[string]inflightBatch),
		clock:      time.Now,
	}
	if b.opts.BatchDeadline <= 0 {
		b.opts.BatchDeadline = DefaultBatchDeadline
	}
	b.metrics = newBufferMetrics(b)
	return b
}

// Epoch returns the current response epoch.
func (b *Buffer) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Enqueue appends unit to the pending queue. A zero epoch is stamped with the
// current one; any other mismatch is rejected.
func (b *Buffer) Enqueue(unit protocol.TextUnit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueueLocked(unit)
}

func (b *Buffer) enqueueLocked(unit protocol.TextUnit) error {
	if unit.Epoch == 0 {
		unit.Epoch = b.epoch
	}
	if unit.Epoch != b.epoch {
		return fmt.Errorf("%w: unit %d/%d has epoch %d, current %d", ErrStaleEpoch, unit.ID, unit.SubID, unit.Epoch, b.epoch)
	}
	b.pending = append(b.pending, unit)
	return nil
}

// SubmitText splits text into units sharing id, queues them in order and
// dispatches what capacity allows.
func (b *Buffer) SubmitText(ctx context.Context, id int, text string) error {
	pieces := b.splitter.Split(text)
	if len(pieces) == 0 {
		return nil
	}

	b.mu.Lock()
	epoch, responseID := b.epoch, b.responseID
	for i, piece := range pieces {
		if err := b.enqueueLocked(protocol.TextUnit{Epoch: epoch, ID: id, SubID: i, Text: piece}); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.mu.Unlock()

	b.logger.Info("text stored", slog.Int("id", id), slog.Int("units", len(pieces)))
	b.record(ctx, eventstore.Event{ResponseID: responseID, Epoch: epoch, Type: eventstore.EventSubmitted, Units: len(pieces)})

	_, err := b.Dispatch(ctx)
	return err
}

// SubmitFragment stores fragment in the result set. A later fragment with
// the same key replaces the earlier one.
func (b *Buffer) SubmitFragment(fragment protocol.AudioFragment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fragment.Epoch != b.epoch {
		return fmt.Errorf("%w: fragment %d/%d has epoch %d, current %d", ErrStaleEpoch, fragment.ID, fragment.SubID, fragment.Epoch, b.epoch)
	}
	b.results[fragment.Key()] = fragment
	return nil
}

// Dispatch sends as many queued units as there is free capacity for, as one
// batch. Reserving capacity and popping the queue happen under the same lock;
// when the hand-off fails both are undone and the units go back to the front
// of the queue. It returns the number of units dispatched.
func (b *Buffer) Dispatch(ctx context.Context) (int, error) {
	b.mu.Lock()
	batch, ok := b.reserveLocked()
	b.mu.Unlock()
	if !ok {
		return 0, nil
	}

	if err := b.sender.SendBatch(ctx, batch); err != nil {
		b.mu.Lock()
		undone := b.rollbackLocked(batch, err)
		b.mu.Unlock()
		if !undone {
			// The reply was lost but the fragments already came back.
			b.logger.Warn("batch hand-off reported failure after delivery", slog.String("batch_id", batch.BatchID), slogError(err))
			return len(batch.Units), nil
		}
		b.logger.Error("batch hand-off failed", slog.String("batch_id", batch.BatchID), slogError(err))
		return 0, fmt.Errorf("send batch: %w", err)
	}

	b.metrics.dispatched.Add(ctx, int64(len(batch.Units)))
	b.logger.Info("batch dispatched",
		slog.String("batch_id", batch.BatchID),
		slog.Int("units", len(batch.Units)),
		slog.Uint64("epoch", batch.Epoch))
	b.record(ctx, eventstore.Event{
		ResponseID: batch.TraceID,
		Epoch:      batch.Epoch,
		Type:       eventstore.EventDispatched,
		Units:      len(batch.Units),
		Detail:     batch.BatchID,
	})
	return len(batch.Units), nil
}

func (b *Buffer) reserveLocked() (protocol.SynthBatch, bool) {
	if len(b.pending) == 0 {
		return protocol.SynthBatch{}, false
	}
	free := b.ctrl.FreeCapacity()
	if free <= 0 {
		b.logger.Debug("waiting for free workers", slog.Int("pending", len(b.pending)))
		return protocol.SynthBatch{}, false
	}
	n := min(free, len(b.pending))
	if !b.ctrl.TryAcquire(n) {
		b.logger.Debug("waiting for free workers", slog.Int("pending", len(b.pending)), slog.Int("requested", n))
		return protocol.SynthBatch{}, false
	}

	units := make([]protocol.TextUnit, n)
	copy(units, b.pending[:n])
	b.pending = b.pending[n:]

	batch := protocol.SynthBatch{
		BatchID:  uuid.NewString(),
		Epoch:    b.epoch,
		Acquired: n,
		Units:    units,
		TraceID:  b.responseID,
	}
	b.inflight[batch.BatchID] = inflightBatch{
		acquired: n,
		epoch:    b.epoch,
		deadline: b.clock().Add(b.opts.BatchDeadline),
	}
	return batch, true
}

// rollbackLocked undoes a reservation whose hand-off failed. It reports
// false when the batch was already delivered or expired and nothing was
// undone.
func (b *Buffer) rollbackLocked(batch protocol.SynthBatch, cause error) bool {
	entry, ok := b.inflight[batch.BatchID]
	if !ok {
		return false
	}
	delete(b.inflight, batch.BatchID)
	if !b.ctrl.Release(entry.acquired) {
		b.logger.Error("admission release rejected", slog.String("batch_id", batch.BatchID), slog.Int("n", entry.acquired))
	}
	if batch.Epoch == b.epoch {
		b.pending = append(slices.Clone(batch.Units), b.pending...)
		b.lastErr = cause
	}
	return true
}

// ExpireOverdue gives up on dispatched batches whose deadline has passed:
// their capacity is released and, for the current response, the response
// is failed so the driver stops waiting. It returns the number of batches
// expired. A delivery arriving afterwards is rejected as unknown.
func (b *Buffer) ExpireOverdue(ctx context.Context) int {
	type expired struct {
		batchID  string
		acquired int
		epoch    uint64
	}
	b.mu.Lock()
	now := b.clock()
	var overdue []expired
	for id, entry := range b.inflight {
		if now.Before(entry.deadline) {
			continue
		}
		delete(b.inflight, id)
		if !b.ctrl.Release(entry.acquired) {
			b.logger.Error("admission release rejected", slog.String("batch_id", id), slog.Int("n", entry.acquired))
		}
		if entry.epoch == b.epoch {
			b.lastErr = fmt.Errorf("%w: batch %s", ErrBatchExpired, id)
		}
		overdue = append(overdue, expired{batchID: id, acquired: entry.acquired, epoch: entry.epoch})
	}
	responseID := b.responseID
	b.mu.Unlock()

	for _, e := range overdue {
		b.metrics.failed.Add(ctx, int64(e.acquired))
		b.logger.Error("batch delivery overdue, capacity released",
			slog.String("batch_id", e.batchID),
			slog.Int("units", e.acquired),
			slog.Uint64("epoch", e.epoch))
		b.record(ctx, eventstore.Event{ResponseID: responseID, Epoch: e.epoch, Type: eventstore.EventFailed, Units: e.acquired, Detail: ErrBatchExpired.Error() + ": " + e.batchID})
	}
	return len(overdue)
}

// DeliverFragments completes a dispatched batch: it releases exactly the
// capacity reserved for it, stores the fragments of the current response,
// records failed units and dispatches whatever is still queued. Deliveries
// from an older epoch free their capacity but their fragments are dropped.
func (b *Buffer) DeliverFragments(ctx context.Context, delivery protocol.FragmentDelivery) error {
	b.mu.Lock()
	entry, ok := b.inflight[delivery.BatchID]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("delivery for unknown batch", slog.String("batch_id", delivery.BatchID))
		return fmt.Errorf("%w: %s", ErrUnknownBatch, delivery.BatchID)
	}
	delete(b.inflight, delivery.BatchID)
	acquired := entry.acquired
	if delivery.Acquired != acquired {
		b.logger.Warn("delivery acquired count mismatch",
			slog.String("batch_id", delivery.BatchID),
			slog.Int("reserved", acquired),
			slog.Int("reported", delivery.Acquired))
	}
	if !b.ctrl.Release(acquired) {
		b.logger.Error("admission release rejected", slog.String("batch_id", delivery.BatchID), slog.Int("n", acquired))
	}

	epoch, responseID := b.epoch, b.responseID
	stale := delivery.Epoch != epoch
	if !stale {
		for _, fragment := range delivery.Fragments {
			fragment.Epoch = epoch
			b.results[fragment.Key()] = fragment
		}
		for _, failure := range delivery.Failed {
			b.failed[protocol.Key{ID: failure.ID, SubID: failure.SubID}] = failure.Error
		}
		if len(delivery.Failed) > 0 {
			b.degraded = true
		}
	}
	b.mu.Unlock()

	if stale {
		b.metrics.stale.Add(ctx, int64(len(delivery.Fragments)))
		b.logger.Info("discarded stale fragments",
			slog.String("batch_id", delivery.BatchID),
			slog.Uint64("epoch", delivery.Epoch),
			slog.Int("fragments", len(delivery.Fragments)))
		b.record(ctx, eventstore.Event{ResponseID: responseID, Epoch: delivery.Epoch, Type: eventstore.EventStale, Units: len(delivery.Fragments), Detail: delivery.BatchID})
	} else {
		b.metrics.delivered.Add(ctx, int64(len(delivery.Fragments)))
		b.logger.Info("audio fragments received",
			slog.String("batch_id", delivery.BatchID),
			slog.Int("fragments", len(delivery.Fragments)),
			slog.Int("failed", len(delivery.Failed)))
		b.record(ctx, eventstore.Event{ResponseID: responseID, Epoch: epoch, Type: eventstore.EventDelivered, Units: len(delivery.Fragments), Detail: delivery.BatchID})
		if len(delivery.Failed) > 0 {
			b.metrics.failed.Add(ctx, int64(len(delivery.Failed)))
			for _, failure := range delivery.Failed {
				b.logger.Warn("unit synthesis failed",
					slog.Int("id", failure.ID),
					slog.Int("sub_id", failure.SubID),
					slog.String("error", failure.Error))
			}
			b.record(ctx, eventstore.Event{ResponseID: responseID, Epoch: epoch, Type: eventstore.EventFailed, Units: len(delivery.Failed), Detail: delivery.Failed[0].Error})
		}
	}

	if _, err := b.Dispatch(ctx); err != nil {
		b.logger.Warn("dispatch after delivery failed", slogError(err))
	}
	return nil
}

// IsComplete reports whether nothing is queued and no capacity is reserved.
func (b *Buffer) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completeLocked()
}

func (b *Buffer) completeLocked() bool {
	return len(b.pending) == 0 && !b.ctrl.Working()
}

// Status reports the response state for the driver's polling loop. Overdue
// batches are expired first, so a lost delivery surfaces as an error.
func (b *Buffer) Status() protocol.ResponseStatus {
	b.ExpireOverdue(context.Background())

	b.mu.Lock()
	defer b.mu.Unlock()

	status := protocol.ResponseStatus{
		Status:    protocol.StatusProcessing,
		Epoch:     b.epoch,
		Pending:   len(b.pending),
		Active:    b.ctrl.Active(),
		Fragments: len(b.results),
		Degraded:  b.degraded,
		Timestamp: time.Now().UTC(),
	}
	switch {
	case b.lastErr != nil:
		status.Status = protocol.StatusError
		status.Message = b.lastErr.Error()
	case b.completeLocked():
		status.Status = protocol.StatusReady
	}
	return status
}

// Assemble concatenates the collected fragments by ascending (id, sub id).
// It returns nil when nothing was collected.
func (b *Buffer) Assemble() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.assembleLocked()
}

func (b *Buffer) assembleLocked() []float32 {
	if len(b.results) == 0 {
		return nil
	}
	keys := make([]protocol.Key, 0, len(b.results))
	total := 0
	for key, fragment := range b.results {
		keys = append(keys, key)
		total += len(fragment.Samples)
	}
	slices.SortFunc(keys, func(a, c protocol.Key) int {
		switch {
		case a.Less(c):
			return -1
		case c.Less(a):
			return 1
		}
		return 0
	})
	samples := make([]float32, 0, total)
	for _, key := range keys {
		samples = append(samples, b.results[key].Samples...)
	}
	return samples
}

// Finalize writes the assembled, time-stretched response to path, clears the
// queue and results and starts a new epoch. It refuses to run while work is
// outstanding. The lock is held throughout so no unit can slip in between
// assembling and clearing.
func (b *Buffer) Finalize(ctx context.Context, path string) (protocol.SaveResult, error) {
	b.mu.Lock()
	if !b.completeLocked() {
		pending, active := len(b.pending), b.ctrl.Active()
		b.mu.Unlock()
		return protocol.SaveResult{Status: protocol.StatusError, Message: ErrNotReady.Error()},
			fmt.Errorf("%w: %d pending, %d active", ErrNotReady, pending, active)
	}
	samples := b.assembleLocked()
	if samples == nil {
		b.mu.Unlock()
		return protocol.SaveResult{Status: protocol.StatusError, Message: ErrNoAudio.Error()}, ErrNoAudio
	}

	stretched := audio.TimeStretch(samples, b.opts.StretchRatio)
	if err := audio.WriteWAV(path, stretched, b.opts.SampleRate); err != nil {
		b.mu.Unlock()
		return protocol.SaveResult{Status: protocol.StatusError, Message: err.Error()}, fmt.Errorf("write response audio: %w", err)
	}

	result := protocol.SaveResult{
		Status:   protocol.StatusReady,
		Path:     path,
		Samples:  len(stretched),
		Degraded: b.degraded,
	}
	epoch, responseID := b.epoch, b.responseID
	missing := len(b.failed)
	b.advanceLocked()
	b.mu.Unlock()

	if result.Degraded {
		b.logger.Warn("saved degraded response", slog.String("path", path), slog.Int("missing_units", missing))
	}
	b.logger.Info("response saved", slog.String("path", path), slog.Int("samples", result.Samples), slog.Uint64("epoch", epoch))
	b.record(ctx, eventstore.Event{ResponseID: responseID, Epoch: epoch, Type: eventstore.EventSaved, Units: missing, Detail: path})
	return result, nil
}

// Reset discards the current response without writing anything. Batches
// still in flight keep their reserved capacity until they are delivered or
// expire, and their fragments are then dropped as stale.
func (b *Buffer) Reset(ctx context.Context) {
	b.mu.Lock()
	epoch, responseID := b.epoch, b.responseID
	dropped := len(b.pending)
	b.advanceLocked()
	b.mu.Unlock()

	b.logger.Info("buffer reset", slog.Uint64("epoch", epoch), slog.Int("dropped_units", dropped))
	b.record(ctx, eventstore.Event{ResponseID: responseID, Epoch: epoch, Type: eventstore.EventReset, Units: dropped})
}

func (b *Buffer) advanceLocked() {
	b.pending = nil
	clear(b.results)
	clear(b.failed)
	b.degraded = false
	b.lastErr = nil
	b.epoch++
	b.responseID = uuid.NewString()
}

func (b *Buffer) record(ctx context.Context, evt eventstore.Event) {
	if b.journal == nil {
		return
	}
	if err := b.journal.Record(ctx, evt); err != nil {
		b.logger.Warn("journal write failed", slog.String("event", evt.Type), slogError(err))
	}
}

func (b *Buffer) depth() (pending, active int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.pending)), int64(b.ctrl.Active())
}

type bufferMetrics struct {
	dispatched metric.Int64Counter
	delivered  metric.Int64Counter
	stale      metric.Int64Counter
	failed     metric.Int64Counter
}

func newBufferMetrics(b *Buffer) *bufferMetrics {
	meter := otel.Meter("github.com/loqalabs/loqa-speak/buffer")
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			b.logger.Warn("failed to create metric", slog.String("metric", name), slogError(err))
			return noop.Int64Counter{}
		}
		return c
	}
	m := &bufferMetrics{
		dispatched: counter("speak.buffer.units_dispatched", "Text units handed to workers"),
		delivered:  counter("speak.buffer.fragments_delivered", "Audio fragments stored"),
		stale:      counter("speak.buffer.fragments_stale", "Fragments dropped for an old epoch"),
		failed:     counter("speak.buffer.units_failed", "Units whose synthesis failed after retries"),
	}

	pendingGauge, err := meter.Int64ObservableGauge("speak.buffer.pending", metric.WithDescription("Queued text units"))
	if err != nil {
		b.logger.Warn("failed to create metric", slogError(err))
		return m
	}
	activeGauge, err := meter.Int64ObservableGauge("speak.buffer.active_workers", metric.WithDescription("Reserved synthesis slots"))
	if err != nil {
		b.logger.Warn("failed to create metric", slogError(err))
		return m
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		pending, active := b.depth()
		obs.ObserveInt64(pendingGauge, pending)
		obs.ObserveInt64(activeGauge, active)
		return nil
	}, pendingGauge, activeGauge)
	if err != nil {
		b.logger.Warn("failed to register metric callback", slogError(err))
	}
	return m
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
