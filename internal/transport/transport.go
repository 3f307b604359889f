package transport

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-speak/internal/protocol"
)

// ErrRejected is returned when the remote side answered with an error status.
var ErrRejected = errors.New("request rejected")

// BatchSender hands a dispatched batch to the synthesis side. A nil error
// means the batch was accepted; fragments arrive later through a FragmentSink.
type BatchSender interface {
	SendBatch(ctx context.Context, batch protocol.SynthBatch) error
}

// FragmentSink receives a completed batch.
type FragmentSink interface {
	DeliverFragments(ctx context.Context, delivery protocol.FragmentDelivery) error
}

type FragmentSinkFunc func(ctx context.Context, delivery protocol.FragmentDelivery) error

func (f FragmentSinkFunc) DeliverFragments(ctx context.Context, delivery protocol.FragmentDelivery) error {
	return f(ctx, delivery)
}
