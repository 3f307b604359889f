package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/synth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Pool synthesizes every unit of a batch concurrently.
type Pool struct {
	synth   synth.Synthesizer
	cfg     config.SynthConfig
	timeout time.Duration
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewPool(s synth.Synthesizer, cfg config.SynthConfig, logger *slog.Logger) *Pool {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Pool{
		synth:   s,
		cfg:     cfg,
		timeout: timeout,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-speak/worker"),
		logger:  logger.With(slog.String("component", "worker-pool")),
	}
}

// SynthesizeBatch runs one task per unit. A failing unit is retried
// cfg.Retries times and then reported in the failures; it never fails the
// rest of the batch. Fragments come back in unit order.
func (p *Pool) SynthesizeBatch(ctx context.Context, units []protocol.TextUnit) ([]protocol.AudioFragment, []protocol.UnitFailure) {
	slots := make([]*protocol.AudioFragment, len(units))
	errs := make([]error, len(units))

	var g errgroup.Group
	for i, unit := range units {
		g.Go(func() error {
			samples, err := p.synthesizeUnit(ctx, unit)
			if err != nil {
				errs[i] = err
				return nil
			}
			slots[i] = &protocol.AudioFragment{
				Epoch:   unit.Epoch,
				ID:      unit.ID,
				SubID:   unit.SubID,
				Samples: samples,
			}
			return nil
		})
	}
	_ = g.Wait()

	fragments := make([]protocol.AudioFragment, 0, len(units))
	var failures []protocol.UnitFailure
	for i, unit := range units {
		if slots[i] != nil {
			fragments = append(fragments, *slots[i])
			continue
		}
		failures = append(failures, protocol.UnitFailure{ID: unit.ID, SubID: unit.SubID, Error: errs[i].Error()})
	}
	return fragments, failures
}

func (p *Pool) synthesizeUnit(ctx context.Context, unit protocol.TextUnit) ([]float32, error) {
	req := synth.RequestFromConfig(p.cfg, unit.Text)
	attempts := 1 + max(p.cfg.Retries, 0)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unitCtx, cancel := context.WithTimeout(ctx, p.timeout)
		samples, err := p.synth.Synthesize(unitCtx, req)
		cancel()
		if err == nil {
			p.logger.Debug("audio fragment generated",
				slog.Int("id", unit.ID),
				slog.Int("sub_id", unit.SubID),
				slog.Int("samples", len(samples)))
			return samples, nil
		}
		lastErr = err
		p.logger.Warn("synthesis attempt failed",
			slog.Int("id", unit.ID),
			slog.Int("sub_id", unit.SubID),
			slog.Int("attempt", attempt),
			slogError(err))
	}
	return nil, lastErr
}

// Process synthesizes a dispatched batch and builds its delivery. Acquired is
// echoed unchanged so the broker releases what it reserved, not what succeeded.
func (p *Pool) Process(ctx context.Context, batch protocol.SynthBatch) protocol.FragmentDelivery {
	ctx, span := p.tracer.Start(ctx, "worker.synthesize_batch", trace.WithAttributes(
		attribute.String("batch.id", batch.BatchID),
		attribute.Int64("batch.epoch", int64(batch.Epoch)),
		attribute.Int("batch.units", len(batch.Units)),
	))
	defer span.End()

	start := time.Now()
	fragments, failures := p.SynthesizeBatch(ctx, batch.Units)
	if len(failures) > 0 {
		span.SetStatus(codes.Error, "some units failed")
	}
	span.SetAttributes(attribute.Int("batch.failed", len(failures)))
	p.logger.Info("batch synthesized",
		slog.String("batch_id", batch.BatchID),
		slog.Int("fragments", len(fragments)),
		slog.Int("failed", len(failures)),
		slog.Duration("latency", time.Since(start)))

	return protocol.FragmentDelivery{
		BatchID:   batch.BatchID,
		Epoch:     batch.Epoch,
		Acquired:  batch.Acquired,
		Fragments: fragments,
		Failed:    failures,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
