package buffer

import (
	"context"

	"github.com/loqalabs/loqa-speak/internal/protocol"
)

// Control is the in-process control surface of a Buffer: the same
// operations the bus client offers remotely, saving to a fixed path.
type Control struct {
	buf  *Buffer
	path string
}

func NewControl(buf *Buffer, outputPath string) *Control {
	return &Control{buf: buf, path: outputPath}
}

func (c *Control) Buffer() *Buffer { return c.buf }

func (c *Control) SubmitText(ctx context.Context, id int, text string) error {
	return c.buf.SubmitText(ctx, id, text)
}

func (c *Control) Status(context.Context) (protocol.ResponseStatus, error) {
	return c.buf.Status(), nil
}

func (c *Control) Save(ctx context.Context) (protocol.SaveResult, error) {
	return c.buf.Finalize(ctx, c.path)
}

func (c *Control) Reset(ctx context.Context) error {
	c.buf.Reset(ctx)
	return nil
}
