package websocket

import (
	"context"
	"errors"
	"sync"
	"time"
)

// PreparedMessage caches the post-extension-pipeline rendering of a payload
// so sending it to many connections doesn't re-run compression for each
// one. Grounded on the teacher's PreparedMessage (prepared.go), rebuilt
// around the extension pipeline: masking can't be cached (RFC 6455, section
// 5.1 requires a fresh mask key per frame), so only the framed opcode/RSV/
// compressed-payload triple is memoized, keyed by whether the sending
// connection negotiated permessage-deflate.
type PreparedMessage struct {
	messageType MessageType
	data        []byte

	mu     sync.Mutex
	frames map[bool]*preparedFrame // keyed by "extensions active"
}

type preparedFrame struct {
	op      opcode
	rsv     byte
	payload []byte
}

// NewPreparedMessage returns an initialized PreparedMessage for data.
func NewPreparedMessage(messageType MessageType, data []byte) (*PreparedMessage, error) {
	if messageType != TextMessage && messageType != BinaryMessage {
		return nil, ErrInvalidMessageType
	}
	return &PreparedMessage{
		messageType: messageType,
		data:        data,
		frames:      make(map[bool]*preparedFrame),
	}, nil
}

func (pm *PreparedMessage) frameFor(pipe *extensionPipeline) (*preparedFrame, error) {
	active := pipe != nil && len(pipe.transforms) > 0

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if f, ok := pm.frames[active]; ok {
		return f, nil
	}

	op := opcode(pm.messageType)
	rsv := byte(0)
	payload := pm.data
	if active {
		var err error
		rsv, payload, err = pipe.outbound(op, append([]byte(nil), pm.data...))
		if err != nil {
			return nil, errors.Join(ErrCompressionFailed, err)
		}
	}

	f := &preparedFrame{op: op, rsv: rsv, payload: payload}
	pm.frames[active] = f
	return f, nil
}

// SendPrepared writes pm to the connection, reusing the cached framed
// rendering for this connection's negotiated extension set. Grounded on
// the teacher's WritePreparedMessage (prepared.go); follows the same
// state-check, send-mutex, and write-deadline discipline as Send.
func (c *Conn) SendPrepared(ctx context.Context, pm *PreparedMessage) error {
	if c.state.load() != stateOpen {
		return ErrInvalidState
	}

	f, err := pm.frameFor(c.pipe)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.state.load() != stateOpen {
		return ErrInvalidState
	}

	if c.netConn != nil {
		if dl, ok := ctx.Deadline(); ok {
			_ = c.netConn.SetWriteDeadline(dl)
			defer c.netConn.SetWriteDeadline(time.Time{})
		}
	}

	// The cached payload is shared across sends and connections; writeMessage
	// masks in place, so every send gets its own copy.
	owned := make([]byte, len(f.payload))
	copy(owned, f.payload)

	if err := c.fw.writeMessage(f.op, f.rsv, owned, c.opts.FragmentationThreshold); err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	c.markActivity()
	c.counters.messagesSent.Add(1)
	c.counters.uncompressedBytesSent.Add(int64(len(pm.data)))
	if f.rsv&rsv1Bit != 0 {
		c.counters.compressedBytesSent.Add(int64(len(owned)))
	}
	c.counters.bytesSent.Add(int64(len(owned)))
	return nil
}
