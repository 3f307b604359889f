package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client speaks the broker and worker subjects over NATS request/reply.
// It implements BatchSender, FragmentSink and the driver's control surface.
type Client struct {
	conn    *nats.Conn
	timeout time.Duration
}

func NewClient(conn *nats.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) request(ctx context.Context, subject string, payload, reply any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

func (c *Client) ack(ctx context.Context, subject string, payload any) error {
	var ack protocol.Ack
	if err := c.request(ctx, subject, payload, &ack); err != nil {
		return err
	}
	if ack.Status == protocol.StatusError {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}
	return nil
}

func (c *Client) SendBatch(ctx context.Context, batch protocol.SynthBatch) error {
	return c.ack(ctx, protocol.SubjectSynthBatch, batch)
}

func (c *Client) DeliverFragments(ctx context.Context, delivery protocol.FragmentDelivery) error {
	return c.ack(ctx, protocol.SubjectAudioDeliver, delivery)
}

func (c *Client) SubmitText(ctx context.Context, id int, text string) error {
	return c.ack(ctx, protocol.SubjectTextSubmit, protocol.TextSubmission{ID: id, Text: text})
}

func (c *Client) Status(ctx context.Context) (protocol.ResponseStatus, error) {
	var status protocol.ResponseStatus
	err := c.request(ctx, protocol.SubjectStatus, struct{}{}, &status)
	return status, err
}

func (c *Client) Save(ctx context.Context) (protocol.SaveResult, error) {
	var result protocol.SaveResult
	if err := c.request(ctx, protocol.SubjectSave, struct{}{}, &result); err != nil {
		return result, err
	}
	if result.Status == protocol.StatusError {
		return result, fmt.Errorf("%w: %s", ErrRejected, result.Message)
	}
	return result, nil
}

func (c *Client) Reset(ctx context.Context) error {
	return c.ack(ctx, protocol.SubjectReset, struct{}{})
}

// Decode unmarshals a request payload.
func Decode(msg *nats.Msg, v any) error {
	return json.Unmarshal(msg.Data, v)
}

// Reply encodes v as the response to msg.
func Reply(msg *nats.Msg, v any) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return msg.Respond(data)
}

// ReplyError answers msg with an error Ack.
func ReplyError(msg *nats.Msg, err error) error {
	return Reply(msg, protocol.Ack{Status: protocol.StatusError, Message: err.Error()})
}

// ReplyAccepted answers msg with an accepted Ack.
func ReplyAccepted(msg *nats.Msg) error {
	return Reply(msg, protocol.Ack{Status: protocol.StatusAccepted})
}
