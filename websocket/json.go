package websocket

import (
	"context"
	"encoding/json"
	"fmt"
)

// WriteJSON writes the JSON encoding of v as a text message. Grounded on
// the teacher's WriteJSON (json.go), rebuilt on top of SendText since
// NextWriter's streaming io.WriteCloser has no equivalent over the new
// frame codec (every outbound message is framed as a whole via Send).
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return c.Send(ctx, TextMessage, data)
}

// ReadJSON reads the next message and JSON-decodes it into v. Grounded on
// the teacher's ReadJSON (json.go), rebuilt on Receive/Message.Release
// instead of NextReader's streaming io.Reader.
func (c *Conn) ReadJSON(ctx context.Context, v any) error {
	msg, err := c.Receive(ctx)
	if err != nil {
		return err
	}
	defer msg.Release()

	if err := json.Unmarshal(msg.Bytes(), v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return nil
}
