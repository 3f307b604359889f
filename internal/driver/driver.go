package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/llm"
	"github.com/loqalabs/loqa-speak/internal/protocol"
)

var (
	// ErrResponseFailed is returned when the broker reports an error status.
	ErrResponseFailed = errors.New("response failed")
	// ErrPollTimeout is returned when completion polling exceeds its budget.
	ErrPollTimeout = errors.New("timed out waiting for response audio")
	// ErrInvalidState is returned when an event does not apply to the current state.
	ErrInvalidState = errors.New("invalid driver state")
)

// Target is the broker surface the driver talks to, either in-process or
// over the bus.
type Target interface {
	SubmitText(ctx context.Context, id int, text string) error
	Status(ctx context.Context) (protocol.ResponseStatus, error)
	Save(ctx context.Context) (protocol.SaveResult, error)
	Reset(ctx context.Context) error
}

type State int

const (
	Collecting State = iota
	Flushing
	AwaitingCompletion
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Flushing:
		return "flushing"
	case AwaitingCompletion:
		return "awaiting_completion"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Driver turns a growing text stream into sentence submissions and waits
// for the broker to assemble the audio. Feed and Finish must be called from
// one goroutine; State may be read from anywhere.
type Driver struct {
	target     Target
	delimiters string
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	state State

	tail   string
	nextID int
}

func New(target Target, cfg config.DriverConfig, logger *slog.Logger) *Driver {
	interval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	delimiters := cfg.Delimiters
	if delimiters == "" {
		delimiters = "."
	}
	return &Driver{
		target:     target,
		delimiters: delimiters,
		interval:   interval,
		timeout:    time.Duration(cfg.PollTimeoutMS) * time.Millisecond,
		logger:     logger.With(slog.String("component", "stream-driver")),
	}
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.logger.Debug("state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// Begin starts a new response.
func (d *Driver) Begin() {
	d.tail = ""
	d.nextID = 0
	d.setState(Collecting)
}

// Feed appends a text delta and submits every sentence it completes. Only
// the unterminated tail is kept, so no sentence is submitted twice.
func (d *Driver) Feed(ctx context.Context, delta string) error {
	if st := d.State(); st != Collecting {
		return fmt.Errorf("%w: feed while %s", ErrInvalidState, st)
	}
	d.tail += delta
	for {
		idx := strings.IndexAny(d.tail, d.delimiters)
		if idx < 0 {
			return nil
		}
		_, size := utf8.DecodeRuneInString(d.tail[idx:])
		sentence := d.tail[:idx+size]
		d.tail = d.tail[idx+size:]
		if err := d.submit(ctx, sentence); err != nil {
			return err
		}
	}
}

func (d *Driver) submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || strings.Trim(text, d.delimiters) == "" {
		return nil
	}
	id := d.nextID
	if err := d.target.SubmitText(ctx, id, text); err != nil {
		return d.abort(ctx, fmt.Errorf("submit sentence %d: %w", id, err))
	}
	d.nextID++
	d.logger.Debug("sentence submitted", slog.Int("id", id), slog.Int("bytes", len(text)))
	return nil
}

// Finish flushes the trailing text, polls until the broker reports the
// response ready and saves it. A response with nothing to say finishes
// without saving and returns a zero result.
func (d *Driver) Finish(ctx context.Context) (protocol.SaveResult, error) {
	if st := d.State(); st != Collecting {
		return protocol.SaveResult{}, fmt.Errorf("%w: finish while %s", ErrInvalidState, st)
	}

	d.setState(Flushing)
	tail := d.tail
	d.tail = ""
	if err := d.submit(ctx, tail); err != nil {
		return protocol.SaveResult{}, err
	}
	if d.nextID == 0 {
		d.setState(Done)
		d.logger.Info("response had no text to speak")
		return protocol.SaveResult{}, nil
	}

	d.setState(AwaitingCompletion)
	status, err := d.await(ctx)
	if err != nil {
		return protocol.SaveResult{}, d.abort(ctx, err)
	}

	result, err := d.target.Save(ctx)
	if err != nil {
		return result, d.abort(ctx, fmt.Errorf("save response: %w", err))
	}
	if status.Degraded || result.Degraded {
		d.logger.Warn("response saved with missing fragments", slog.String("path", result.Path))
	}
	d.setState(Done)
	d.logger.Info("response audio ready",
		slog.String("path", result.Path),
		slog.Int("sentences", d.nextID),
		slog.Int("samples", result.Samples))
	return result, nil
}

func (d *Driver) await(ctx context.Context) (protocol.ResponseStatus, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		status, err := d.target.Status(ctx)
		if err != nil {
			return status, fmt.Errorf("poll status: %w", err)
		}
		switch status.Status {
		case protocol.StatusReady:
			return status, nil
		case protocol.StatusError:
			return status, fmt.Errorf("%w: %s", ErrResponseFailed, status.Message)
		}
		d.logger.Debug("waiting for audio", slog.Int("pending", status.Pending), slog.Int("active", status.Active))

		select {
		case <-ctx.Done():
			if d.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return status, ErrPollTimeout
			}
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// abort clears transient state and discards the response on the broker.
func (d *Driver) abort(ctx context.Context, cause error) error {
	d.tail = ""
	d.nextID = 0
	d.setState(Failed)

	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.target.Reset(resetCtx); err != nil {
		d.logger.Warn("reset after failure failed", slog.String("error", err.Error()))
	}
	d.logger.Error("response aborted", slog.String("error", cause.Error()))
	return cause
}

// Speak streams one LLM answer through the driver and returns the saved
// artifact. onDelta, if set, sees every text delta as it arrives.
func (d *Driver) Speak(ctx context.Context, gen llm.Generator, req llm.Request, onDelta func(string)) (protocol.SaveResult, error) {
	d.Begin()
	err := gen.Generate(ctx, req, func(chunk llm.Chunk) error {
		if onDelta != nil && chunk.Content != "" {
			onDelta(chunk.Content)
		}
		return d.Feed(ctx, chunk.Content)
	})
	if err != nil {
		if d.State() != Failed {
			return protocol.SaveResult{}, d.abort(ctx, fmt.Errorf("generate: %w", err))
		}
		return protocol.SaveResult{}, err
	}
	return d.Finish(ctx)
}
