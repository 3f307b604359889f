package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/transport"
	"github.com/nats-io/nats.go"
)

// Service exposes a Buffer on the bus: text submission, fragment delivery
// and the status/save/reset control subjects.
type Service struct {
	bus     *bus.Client
	control *Control
	timeout time.Duration
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, control *Control, requestTimeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &Service{
		bus:     busClient,
		control: control,
		timeout: requestTimeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "buffer-service")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTextSubmit:   s.handleText,
		protocol.SubjectAudioDeliver: s.handleDelivery,
		protocol.SubjectStatus:       s.handleStatus,
		protocol.SubjectSave:         s.handleSave,
		protocol.SubjectReset:        s.handleReset,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	go s.watchDeadlines()
	return nil
}

// watchDeadlines expires overdue batches even when nobody is polling, so
// their capacity returns to the next response.
func (s *Service) watchDeadlines() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.control.Buffer().ExpireOverdue(s.ctx)
		}
	}
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.timeout)
}

func (s *Service) handleText(msg *nats.Msg) {
	var submission protocol.TextSubmission
	if err := transport.Decode(msg, &submission); err != nil {
		s.logger.Warn("failed to decode text submission", slogError(err))
		_ = transport.ReplyError(msg, fmt.Errorf("decode text: %w", err))
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()
	if err := s.control.SubmitText(ctx, submission.ID, submission.Text); err != nil {
		_ = transport.ReplyError(msg, err)
		return
	}
	_ = transport.ReplyAccepted(msg)
}

func (s *Service) handleDelivery(msg *nats.Msg) {
	var delivery protocol.FragmentDelivery
	if err := transport.Decode(msg, &delivery); err != nil {
		s.logger.Warn("failed to decode fragment delivery", slogError(err))
		_ = transport.ReplyError(msg, fmt.Errorf("decode delivery: %w", err))
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()
	if err := s.control.Buffer().DeliverFragments(ctx, delivery); err != nil {
		_ = transport.ReplyError(msg, err)
		return
	}
	_ = transport.ReplyAccepted(msg)
}

func (s *Service) handleStatus(msg *nats.Msg) {
	ctx, cancel := s.requestContext()
	defer cancel()
	status, _ := s.control.Status(ctx)
	_ = transport.Reply(msg, status)
}

func (s *Service) handleSave(msg *nats.Msg) {
	ctx, cancel := s.requestContext()
	defer cancel()
	result, err := s.control.Save(ctx)
	if err != nil {
		s.logger.Warn("save rejected", slogError(err))
		result.Status = protocol.StatusError
		result.Message = err.Error()
	}
	_ = transport.Reply(msg, result)
}

func (s *Service) handleReset(msg *nats.Msg) {
	ctx, cancel := s.requestContext()
	defer cancel()
	_ = s.control.Reset(ctx)
	_ = transport.ReplyAccepted(msg)
}
