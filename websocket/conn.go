package websocket

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Message is a reassembled, possibly-decompressed application message handed
// to a Receive caller. Grounded on the teacher's messageReader (conn.go),
// replaced with a value type over a pooled buffer per spec.md section 3's
// "Assembled Message (leased)": the consumer owns the payload and must call
// Release once it's done observing it, even if it never reads the bytes.
type Message struct {
	Type    MessageType
	payload *leased
	pool    *sizedPool
}

// Bytes returns the message payload. The slice is only valid until Release.
func (m Message) Bytes() []byte {
	if m.payload == nil {
		return nil
	}
	return m.payload.buf
}

// Release returns the message's backing buffer to the connection's pool.
// Safe to call more than once or on a zero Message.
func (m Message) Release() {
	if m.payload != nil && m.pool != nil {
		m.pool.release(m.payload)
	}
}

// Conn is a single client-side WebSocket connection: frame codec, assembler
// and extension pipeline wired to a byte stream, plus the state machine,
// keepalive, and close handshake described in spec.md section 4.6. Grounded
// structurally on the teacher's Conn (conn.go) - read/write mutexes around a
// shared stream, pluggable ping/pong/close handling - but the teacher's
// inline frame parsing is factored out into frameReader/frameWriter/assembler,
// and the single boolean error sentinels are replaced by the CAS state
// machine spec.md requires.
type Conn struct {
	id uuid.UUID

	rwc     io.ReadWriteCloser
	netConn net.Conn

	opts        Options
	pool        *sizedPool
	subprotocol string

	fr   *frameReader
	fw   *frameWriter
	asm  *assembler
	pipe *extensionPipeline

	state *stateMachine

	sendMu    sync.Mutex
	closeSent atomic.Bool

	recvGate atomic.Bool

	queue *asyncQueue[Message]

	finalizeOnce sync.Once
	closedCh     chan struct{}
	closedErr    error

	lastActivityNano   atomic.Int64
	lastAppMessageNano atomic.Int64

	pongMu         sync.Mutex
	pongCh         chan struct{}
	pingSeq        atomic.Uint64
	lastPingSentAt atomic.Int64

	rttObserver atomic.Pointer[func(time.Duration)]

	counters counters

	createdAt time.Time

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

type counters struct {
	bytesSent               atomic.Int64
	bytesReceived           atomic.Int64
	framesSent              atomic.Int64
	framesReceived          atomic.Int64
	messagesSent            atomic.Int64
	messagesReceived        atomic.Int64
	pingsSent               atomic.Int64
	pongsReceived           atomic.Int64
	uncompressedBytesSent   atomic.Int64
	compressedBytesSent     atomic.Int64
	compressedBytesReceived atomic.Int64
}

// MetricsSnapshot is a point-in-time read of a connection's counters
// (spec.md section 3: "Metrics snapshot"). Monotonically non-decreasing
// until the connection closes, at which point it freezes.
type MetricsSnapshot struct {
	BytesSent               int64
	BytesReceived           int64
	FramesSent              int64
	FramesReceived          int64
	MessagesSent            int64
	MessagesReceived        int64
	PingsSent               int64
	PongsReceived           int64
	UncompressedBytesSent   int64
	CompressedBytesSent     int64
	CompressedBytesReceived int64
	Uptime                  time.Duration
	LastActivityAge         time.Duration
}

// newConn wires a handshake-established byte stream into a running
// connection. Called by Dialer after a successful upgrade; not exported,
// since this package is client-only and every Conn begins life through a
// dial.
func newConn(rwc io.ReadWriteCloser, netConn net.Conn, opts Options, pool *sizedPool, subprotocol string, pipe *extensionPipeline) *Conn {
	var br io.Reader = rwc
	if netConn != nil {
		br = netConn
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	c := &Conn{
		id:          uuid.New(),
		rwc:         rwc,
		netConn:     netConn,
		opts:        opts,
		pool:        pool,
		subprotocol: subprotocol,
		pipe:        pipe,
		state:       newStateMachine(stateOpen),
		queue:       newAsyncQueue[Message](opts.ReceiveQueueCapacity),
		closedCh:    make(chan struct{}),
		createdAt:   time.Now(),
		eg:          eg,
		egCtx:       egCtx,
		cancel:      cancel,
	}
	allowedRSV := byte(0)
	if pipe != nil {
		allowedRSV = pipe.allowedRSV
	}
	c.fr = newFrameReader(br, pool, allowedRSV, opts.MaxFrameSize)
	c.fw = newFrameWriter(rwc, newMaskKeyBatch())
	c.asm = newAssembler(c.fr, pool, opts.MaxMessageSize, opts.MaxFragmentCount)
	c.markActivity()
	c.markAppMessage()
	return c
}

// start launches the receive and keepalive loops. Called once, right after
// newConn, by the dialer.
func (c *Conn) start() {
	c.eg.Go(func() error { return c.receiveLoop(c.egCtx) })
	c.eg.Go(func() error { return c.keepaliveLoop(c.egCtx) })
	// Once either loop fails (or the connection is torn down), close the
	// stream so a receive loop blocked in Read returns and Wait can finish.
	go func() {
		<-c.egCtx.Done()
		_ = c.rwc.Close()
	}()
	go func() {
		err := c.eg.Wait()
		c.finalize(err)
	}()
}

// ID is this connection's correlation id. The resilient client logs it
// (as conn_id) on every successful dial, so log lines can tell connection
// instances apart across reconnects; no event carries it.
func (c *Conn) ID() uuid.UUID { return c.id }

// State returns the connection's current lifecycle state.
func (c *Conn) State() string { return c.state.load().String() }

// Subprotocol returns the subprotocol selected during the handshake, or "".
func (c *Conn) Subprotocol() string { return c.subprotocol }

// LocalAddr returns the local network address, or nil if unavailable.
func (c *Conn) LocalAddr() net.Addr {
	if c.netConn != nil {
		return c.netConn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote network address, or nil if unavailable.
func (c *Conn) RemoteAddr() net.Addr {
	if c.netConn != nil {
		return c.netConn.RemoteAddr()
	}
	return nil
}

// SetRTTObserver registers a callback invoked with every keepalive RTT
// sample (spec.md section 4.9 feeds these to the health monitor). Passing
// nil clears the observer.
func (c *Conn) SetRTTObserver(fn func(time.Duration)) {
	if fn == nil {
		c.rttObserver.Store(nil)
		return
	}
	c.rttObserver.Store(&fn)
}

// Metrics returns a snapshot of the connection's counters.
func (c *Conn) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		BytesSent:               c.counters.bytesSent.Load(),
		BytesReceived:           c.counters.bytesReceived.Load(),
		FramesSent:              c.counters.framesSent.Load(),
		FramesReceived:          c.counters.framesReceived.Load(),
		MessagesSent:            c.counters.messagesSent.Load(),
		MessagesReceived:        c.counters.messagesReceived.Load(),
		PingsSent:               c.counters.pingsSent.Load(),
		PongsReceived:           c.counters.pongsReceived.Load(),
		UncompressedBytesSent:   c.counters.uncompressedBytesSent.Load(),
		CompressedBytesSent:     c.counters.compressedBytesSent.Load(),
		CompressedBytesReceived: c.counters.compressedBytesReceived.Load(),
		Uptime:                  time.Since(c.createdAt),
		LastActivityAge:         time.Since(c.lastActivityTime()),
	}
}

func (c *Conn) markActivity()   { c.lastActivityNano.Store(time.Now().UnixNano()) }
func (c *Conn) markAppMessage() { c.lastAppMessageNano.Store(time.Now().UnixNano()) }
func (c *Conn) lastActivityTime() time.Time {
	return time.Unix(0, c.lastActivityNano.Load())
}
func (c *Conn) lastAppMessageTime() time.Time {
	return time.Unix(0, c.lastAppMessageNano.Load())
}

// Send writes a complete application message. Only one Send-family call
// writes at a time: concurrent calls are serialized by the connection's send
// mutex, not rejected, and waiting callers are not queued fairly.
func (c *Conn) Send(ctx context.Context, mt MessageType, data []byte) error {
	if mt != TextMessage && mt != BinaryMessage {
		return ErrInvalidMessageType
	}
	if mt == TextMessage && !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	if c.state.load() != stateOpen {
		return ErrInvalidState
	}

	rsv, payload, err := c.pipe.outbound(opcode(mt), data)
	if err != nil {
		return errors.Join(ErrCompressionFailed, err)
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

	// writeMessage masks its payload in place; when the extension pipeline
	// didn't already allocate a fresh buffer, payload still aliases the
	// caller's data, so give the writer its own copy rather than corrupting
	// what the caller passed in.
	if sameBacking(payload, data) {
		owned := make([]byte, len(payload))
		copy(owned, payload)
		payload = owned
	}

	if err := c.fw.writeMessage(opcode(mt), rsv, payload, c.opts.FragmentationThreshold); err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	c.markActivity()
	c.counters.messagesSent.Add(1)
	c.counters.uncompressedBytesSent.Add(int64(len(data)))
	if rsv&rsv1Bit != 0 {
		c.counters.compressedBytesSent.Add(int64(len(payload)))
	}
	c.counters.bytesSent.Add(int64(len(payload)))
	return nil
}

// SendText sends a Text message.
func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.Send(ctx, TextMessage, []byte(text))
}

// SendBinary sends a Binary message.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	return c.Send(ctx, BinaryMessage, data)
}

// Receive blocks for the next delivered message. Concurrent Receive (or
// ReceiveAll) calls fail with ErrInvalidState (spec.md section 4.6:
// "Receive and ReceiveAll are mutually exclusive").
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	if !c.recvGate.CompareAndSwap(false, true) {
		return Message{}, ErrInvalidState
	}
	defer c.recvGate.Store(false)
	return c.queue.Dequeue(ctx)
}

// ReceiveAll calls fn for every delivered message until ctx is done or the
// connection closes. If fn returns an error, ReceiveAll releases the
// current message and returns that error.
func (c *Conn) ReceiveAll(ctx context.Context, fn func(Message) error) error {
	if !c.recvGate.CompareAndSwap(false, true) {
		return ErrInvalidState
	}
	defer c.recvGate.Store(false)
	for {
		msg, err := c.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			msg.Release()
			return err
		}
	}
}

// writeControlLocked writes a single control frame under the send mutex.
func (c *Conn) writeControlLocked(op opcode, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := c.fw.writeControl(op, payload)
	if err == nil {
		c.markActivity()
	}
	return err
}

// Close performs a graceful close: sends a Close frame (idempotent - only
// the first call writes one), then waits for the peer's reciprocal close or
// for the receive loop to exit, bounded by CloseHandshakeTimeout. On
// timeout or context cancellation, it aborts.
func (c *Conn) Close(ctx context.Context, code CloseCode, reason string) error {
	if !isValidWireCloseCode(code) {
		code = CloseNormalClosure
	}
	if c.closeSent.CompareAndSwap(false, true) {
		c.state.transition(stateOpen, stateClosing)
		_ = c.writeControlLocked(opClose, formatCloseMessage(code, reason))
	}

	var deadlineCh <-chan time.Time
	if c.opts.CloseHandshakeTimeout > 0 {
		timer := time.NewTimer(c.opts.CloseHandshakeTimeout)
		defer timer.Stop()
		deadlineCh = timer.C
	}
	select {
	case <-c.closedCh:
		return c.closedErr
	case <-deadlineCh:
		return c.Abort()
	case <-ctx.Done():
		_ = c.Abort()
		return ctx.Err()
	}
}

// Abort closes the connection immediately without a close handshake.
func (c *Conn) Abort() error {
	c.finalize(ErrConnectionClosed)
	return nil
}

// Done returns a channel closed exactly once, when the connection has
// fully finalized (spec.md section 4.6: "exactly one Closed event").
func (c *Conn) Done() <-chan struct{} { return c.closedCh }

// Err returns the terminal error once Done is closed; nil before that.
func (c *Conn) Err() error {
	select {
	case <-c.closedCh:
		return c.closedErr
	default:
		return nil
	}
}

func (c *Conn) finalize(err error) {
	c.finalizeOnce.Do(func() {
		if err == nil {
			err = ErrConnectionClosed
		}
		c.state.forceTo(stateClosed)
		c.cancel()
		c.queue.Complete(err)
		c.queue.Drain(func(m Message) { m.Release() })
		c.closedErr = err
		close(c.closedCh)
		_ = c.rwc.Close()
	})
}

// handleReceiveError maps a terminal read/protocol error to a best-effort
// close-frame send (spec.md section 7: "attempt a best-effort close frame
// with the mapped close code, then finalize"), skipping the send entirely
// when the mapped code isn't a legal wire value (e.g. PongTimeout/IdleTimeout
// map to the internal-only 1006).
func (c *Conn) handleReceiveError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	code := closeCodeFor(err)
	if isValidWireCloseCode(code) && c.closeSent.CompareAndSwap(false, true) {
		c.state.transition(stateOpen, stateClosing)
		_ = c.writeControlLocked(opClose, formatCloseMessage(code, ""))
	}
	return err
}

// receiveLoop is the connection's single reader: it pulls frames through
// the assembler, answers control frames inline, and enqueues reassembled
// data messages. Grounded on the teacher's NextReader loop (conn.go),
// restructured around the assembler/pipeline split and the bounded queue.
func (c *Conn) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev, err := c.asm.next()
		if err != nil {
			return c.handleReceiveError(err)
		}
		c.markActivity()
		c.counters.framesReceived.Add(1)
		c.counters.bytesReceived.Add(int64(ev.onWire))

		var procErr error
		if ev.control {
			procErr = c.handleControlFrame(ev)
		} else {
			procErr = c.handleDataMessage(ctx, ev)
		}
		if procErr == nil {
			continue
		}
		var closeErr *CloseError
		if errors.As(procErr, &closeErr) {
			return procErr
		}
		return c.handleReceiveError(procErr)
	}
}

func (c *Conn) handleControlFrame(ev frameEvent) error {
	defer c.pool.release(ev.payload)

	switch ev.op {
	case opPing:
		return c.writeControlLocked(opPong, ev.payload.buf)
	case opPong:
		c.handlePong()
		return nil
	case opClose:
		code, reason, err := parseCloseMessage(ev.payload.buf)
		if err != nil {
			return err
		}
		return c.handleRemoteClose(code, reason)
	default:
		return ErrInvalidOpcode
	}
}

func (c *Conn) handlePong() {
	c.counters.pongsReceived.Add(1)
	if sentAtNano := c.lastPingSentAt.Load(); sentAtNano != 0 {
		if obs := c.rttObserver.Load(); obs != nil {
			if rtt := time.Since(time.Unix(0, sentAtNano)); rtt >= 0 {
				(*obs)(rtt)
			}
		}
	}
	c.pongMu.Lock()
	ch := c.pongCh
	c.pongCh = nil
	c.pongMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *Conn) handleRemoteClose(code CloseCode, reason string) error {
	c.state.transition(stateOpen, stateClosing)
	if c.closeSent.CompareAndSwap(false, true) {
		_ = c.writeControlLocked(opClose, formatCloseMessage(CloseNormalClosure, ""))
	}
	return &CloseError{Code: code, Reason: reason}
}

// sameBacking reports whether a and b share the same first element,
// meaning the extension pipeline returned its input unchanged rather than
// allocating a new buffer (spec.md section 9: the pipeline detach choice).
func sameBacking(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	return &a[0] == &b[0]
}

func (c *Conn) handleDataMessage(ctx context.Context, ev frameEvent) error {
	decoded, err := c.pipe.inbound(ev.op, ev.rsv, ev.payload.buf)
	if err != nil {
		c.pool.release(ev.payload)
		return err
	}

	var buf *leased
	if sameBacking(decoded, ev.payload.buf) {
		buf = ev.payload
		buf.buf = decoded
	} else {
		buf = c.pool.rent(len(decoded))
		copy(buf.buf, decoded)
		c.pool.release(ev.payload)
		c.counters.compressedBytesReceived.Add(int64(ev.onWire))
	}

	if ev.op == opText && !utf8.Valid(buf.buf) {
		c.pool.release(buf)
		return ErrInvalidUTF8
	}

	msg := Message{Type: MessageType(ev.op), payload: buf, pool: c.pool}
	if err := c.queue.Enqueue(ctx, msg); err != nil {
		msg.Release()
		return err
	}
	c.markAppMessage()
	c.counters.messagesReceived.Add(1)
	return nil
}

// keepaliveLoop sends periodic pings and watches for idle timeouts
// (spec.md section 4.6, "Keepalive"). Grounded on the teacher's
// SetPingHandler/SetPongHandler plumbing (conn.go), generalized into an
// active sender rather than a passive per-message callback, since the
// teacher never implemented an outbound keepalive loop itself.
func (c *Conn) keepaliveLoop(ctx context.Context) error {
	if c.opts.PingInterval <= 0 && c.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	tick := c.opts.PingInterval
	if tick <= 0 || (c.opts.IdleTimeout > 0 && c.opts.IdleTimeout < tick) {
		tick = c.opts.IdleTimeout
	}
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			if c.opts.IdleTimeout > 0 && now.Sub(c.lastAppMessageTime()) > c.opts.IdleTimeout {
				return ErrIdleTimeout
			}
			if c.opts.PingInterval > 0 && now.Sub(c.lastActivityTime()) >= c.opts.PingInterval {
				waitCh, err := c.sendPing()
				if err != nil {
					return errors.Join(ErrSendFailed, err)
				}
				if c.opts.PongTimeout > 0 {
					select {
					case <-waitCh:
					case <-time.After(c.opts.PongTimeout):
						return ErrPongTimeout
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
	}
}

func (c *Conn) sendPing() (<-chan struct{}, error) {
	seq := c.pingSeq.Add(1)
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], seq)

	ch := make(chan struct{})
	c.pongMu.Lock()
	c.pongCh = ch
	c.pongMu.Unlock()
	c.lastPingSentAt.Store(time.Now().UnixNano())

	if err := c.writeControlLocked(opPing, payload[:]); err != nil {
		return nil, err
	}
	c.counters.pingsSent.Add(1)
	return ch, nil
}
