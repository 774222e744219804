package websocket

// frameEvent is one unit of work handed up from the assembler: either a
// control frame (to be handled inline by the connection) or a fully
// reassembled data message.
type frameEvent struct {
	control bool
	op      opcode // opClose/opPing/opPong when control; opText/opBinary otherwise
	rsv     byte   // rsv bits of the first frame of a data message; 0 for control
	payload *leased
	onWire  int
}

// assembler reassembles fragmented Text/Binary messages into a single
// pooled buffer, passing control frames through untouched. Grounded on the
// teacher's NextReader fragment-accumulation loop (conn.go), generalized to
// operate over pooled leased buffers instead of an append-growing []byte,
// and to enforce MaxMessageSize/MaxFragmentCount as fragments arrive rather
// than only after the fact.
type assembler struct {
	fr   *frameReader
	pool *sizedPool

	maxMessageSize   int64
	maxFragmentCount int

	pending   bool // a data message is mid-fragmentation
	msgOp     opcode
	msgRSV    byte
	fragCount int
	acc       *leased
	accLen    int64
}

func newAssembler(fr *frameReader, pool *sizedPool, maxMessageSize int64, maxFragmentCount int) *assembler {
	return &assembler{fr: fr, pool: pool, maxMessageSize: maxMessageSize, maxFragmentCount: maxFragmentCount}
}

// reset clears in-progress data-message state, releasing its accumulation
// buffer. Called after a complete message is handed off, and on any error
// that aborts reassembly.
func (a *assembler) reset() {
	if a.acc != nil {
		a.pool.release(a.acc)
	}
	a.pending = false
	a.msgOp = 0
	a.msgRSV = 0
	a.fragCount = 0
	a.acc = nil
	a.accLen = 0
}

// next returns the next control frame or fully reassembled data message. On
// error, the assembler's in-progress state has already been cleared; the
// caller should treat the connection as unusable beyond sending a close
// frame.
func (a *assembler) next() (frameEvent, error) {
	for {
		hdr, payload, onWire, err := a.fr.readFrame(a.pending)
		if err != nil {
			a.reset()
			return frameEvent{}, err
		}

		if hdr.op.isControl() {
			return frameEvent{control: true, op: hdr.op, payload: payload, onWire: onWire}, nil
		}

		if hdr.op != opContinuation {
			if a.maxMessageSize > 0 && int64(len(payload.buf)) > a.maxMessageSize {
				a.pool.release(payload)
				a.reset()
				return frameEvent{}, ErrMessageTooLarge
			}
			a.acc = payload
			a.accLen = int64(len(payload.buf))
			a.msgOp = hdr.op
			a.msgRSV = hdr.rsv
			a.fragCount = 1
			a.pending = true
		} else {
			a.fragCount++
			if a.maxFragmentCount > 0 && a.fragCount > a.maxFragmentCount {
				a.pool.release(payload)
				a.reset()
				return frameEvent{}, ErrTooManyFragments
			}
			needed := a.accLen + int64(len(payload.buf))
			if a.maxMessageSize > 0 && needed > a.maxMessageSize {
				a.pool.release(payload)
				a.reset()
				return frameEvent{}, ErrMessageTooLarge
			}
			a.acc = a.grow(a.acc, a.accLen, payload.buf)
			a.pool.release(payload)
			a.accLen = needed
		}

		if !hdr.fin {
			continue
		}

		msg := frameEvent{op: a.msgOp, rsv: a.msgRSV, payload: a.acc, onWire: onWire}
		a.pending = false
		a.acc = nil
		a.accLen = 0
		a.fragCount = 0
		return msg, nil
	}
}

// grow appends extra to acc's logical content (of length accLen), renting a
// larger buffer and copying over if acc's backing array doesn't have room.
func (a *assembler) grow(acc *leased, accLen int64, extra []byte) *leased {
	needed := accLen + int64(len(extra))
	if int64(cap(acc.buf)) >= needed {
		acc.buf = acc.buf[:needed]
		copy(acc.buf[accLen:], extra)
		return acc
	}
	bigger := a.pool.rent(int(needed))
	copy(bigger.buf, acc.buf[:accLen])
	copy(bigger.buf[accLen:], extra)
	a.pool.release(acc)
	return bigger
}
