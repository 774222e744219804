package websocket

import "errors"

// Sentinel errors returned by the frame codec, assembler, and handshake.
//
// Each maps to a close code under closeCodeFor, used by the connection to
// send a best-effort close frame before finalizing (RFC 6455, section 7.4.1).
var (
	// ErrReservedBits indicates RSV bits were set that no negotiated
	// extension declared. RFC 6455, section 5.2. Close code 1002.
	ErrReservedBits = errors.New("websocket: reserved bits set without negotiated extension")

	// ErrInvalidOpcode indicates an opcode in 0x3-0x7 or 0xB-0xF.
	// RFC 6455, section 5.2. Close code 1002.
	ErrInvalidOpcode = errors.New("websocket: invalid opcode")

	// ErrFragmentedControlFrame indicates FIN=0 on a control frame.
	// RFC 6455, section 5.5. Close code 1002.
	ErrFragmentedControlFrame = errors.New("websocket: control frame must not be fragmented")

	// ErrControlFramePayloadTooBig indicates a control frame payload > 125 bytes.
	// RFC 6455, section 5.5. Close code 1002.
	ErrControlFramePayloadTooBig = errors.New("websocket: control frame payload too big")

	// ErrUnexpectedContinuation indicates a Continuation frame with no
	// fragmented message in progress. Close code 1002.
	ErrUnexpectedContinuation = errors.New("websocket: unexpected continuation frame")

	// ErrExpectedContinuation indicates a new Text/Binary frame while a
	// fragmented message is in progress. Close code 1002.
	ErrExpectedContinuation = errors.New("websocket: expected continuation frame")

	// ErrMaskedServerFrame indicates a server-to-client frame with MASK=1.
	// RFC 6455, section 5.1. Close code 1002.
	ErrMaskedServerFrame = errors.New("websocket: masked server frame")

	// ErrPayloadLengthOverflow indicates a 64-bit extended length with the
	// high bit set. RFC 6455, section 5.2. Close code 1002.
	ErrPayloadLengthOverflow = errors.New("websocket: payload length overflow")

	// ErrFrameTooLarge indicates a frame payload exceeding MaxFrameSize.
	// Close code 1009.
	ErrFrameTooLarge = errors.New("websocket: frame too large")

	// ErrMessageTooLarge indicates a reassembled or inflated message
	// exceeding MaxMessageSize. Close code 1009.
	ErrMessageTooLarge = errors.New("websocket: message too large")

	// ErrTooManyFragments indicates a fragmented message exceeding
	// MaxFragmentCount. Close code 1009.
	ErrTooManyFragments = errors.New("websocket: too many fragments")

	// ErrInvalidUTF8 indicates a Text message with ill-formed UTF-8.
	// RFC 6455, section 8.1. Close code 1007.
	ErrInvalidUTF8 = errors.New("websocket: invalid UTF-8")

	// ErrInvalidCloseCode indicates a close code outside the wire-valid
	// range, or one of the reserved exclusions. Close code 1002.
	ErrInvalidCloseCode = errors.New("websocket: invalid close code")

	// ErrInvalidCloseFramePayload indicates a close frame payload of
	// exactly 1 byte. Close code 1002.
	ErrInvalidCloseFramePayload = errors.New("websocket: invalid close frame payload")

	// ErrCompressionFailed indicates the outbound deflate transform failed.
	ErrCompressionFailed = errors.New("websocket: compression failed")

	// ErrDecompressionFailed indicates the inbound inflate transform failed.
	// Close code 1002.
	ErrDecompressionFailed = errors.New("websocket: decompression failed")

	// ErrDecompressedMessageTooLarge indicates inflation exceeded
	// MaxMessageSize before completing. Close code 1009.
	ErrDecompressedMessageTooLarge = errors.New("websocket: decompressed message too large")

	// ErrExtensionNegotiationFailed indicates the server offered an
	// extension the negotiator could not accept, or RequireNegotiatedExtensions
	// was set and negotiation produced an empty set. Close code 1010.
	ErrExtensionNegotiationFailed = errors.New("websocket: extension negotiation failed")

	// ErrProtocolViolation is the catch-all for protocol errors that don't
	// have a more specific sentinel. Close code 1002.
	ErrProtocolViolation = errors.New("websocket: protocol violation")

	// ErrHandshakeFailed indicates the opening handshake failed: bad status,
	// missing/invalid Upgrade or Connection headers, or a Sec-WebSocket-Accept
	// mismatch.
	ErrHandshakeFailed = errors.New("websocket: handshake failed")

	// ErrConnectionClosed indicates an operation was attempted on, or
	// observed, a closed connection.
	ErrConnectionClosed = errors.New("websocket: connection closed")

	// ErrSendFailed wraps a transport-level write failure.
	ErrSendFailed = errors.New("websocket: send failed")

	// ErrReceiveFailed wraps a transport-level read failure.
	ErrReceiveFailed = errors.New("websocket: receive failed")

	// ErrPongTimeout indicates a keepalive ping did not receive a pong
	// within PongTimeout.
	ErrPongTimeout = errors.New("websocket: pong timeout")

	// ErrIdleTimeout indicates no application message was observed for
	// IdleTimeout.
	ErrIdleTimeout = errors.New("websocket: idle timeout")

	// ErrInvalidState indicates an operation was attempted from a
	// connection state that forbids it (e.g. concurrent Receive calls, or
	// Send while not Open).
	ErrInvalidState = errors.New("websocket: invalid state")

	// ErrSerializationFailed wraps a failure from a user-supplied
	// marshal/unmarshal adapter (e.g. WriteJSON/ReadJSON).
	ErrSerializationFailed = errors.New("websocket: serialization failed")

	// ErrQueueCompleted indicates Dequeue was called after Complete.
	ErrQueueCompleted = errors.New("websocket: queue completed")

	// ErrInvalidMessageType indicates a Send call with a message type other
	// than TextMessage or BinaryMessage.
	ErrInvalidMessageType = errors.New("websocket: invalid message type")
)

// CloseError is the terminal error surfaced to a blocked Receive call, and
// to the client package's Closed event, when the peer closes the connection
// with a close frame. Grounded on the teacher's CloseError (conn.go) and
// generalized with a Reason field matching spec terminology.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	return "websocket: close " + e.Code.String() + ": " + e.Reason
}

// closeCodeFor maps a protocol error to the close code the connection
// should attempt to send before finalizing (RFC 6455, section 7.4.1).
func closeCodeFor(err error) CloseCode {
	switch {
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInvalidFramePayloadData
	case errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrTooManyFragments),
		errors.Is(err, ErrDecompressedMessageTooLarge):
		return CloseMessageTooBig
	case errors.Is(err, ErrExtensionNegotiationFailed):
		return CloseMandatoryExtension
	case errors.Is(err, ErrPongTimeout), errors.Is(err, ErrIdleTimeout):
		return CloseAbnormalClosure
	default:
		return CloseProtocolError
	}
}

// IsRetryable reports whether the resilient client (package client) should
// attempt a reconnect after this terminal error (spec.md section 7). Kept
// here, next to the sentinels it inspects, rather than duplicated in
// package client.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrSerializationFailed),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrHandshakeFailed),
		errors.Is(err, ErrExtensionNegotiationFailed):
		return false
	default:
		return true
	}
}
