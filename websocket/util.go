package websocket

import (
	"crypto/rand"
	"errors"
	"io"
	"slices"
	"sync"

	"golang.org/x/net/http/httpguts"
)

var randReader io.Reader = rand.Reader

// maskKeyBatch amortizes crypto/rand syscalls across many frames: instead of
// a 4-byte read per frame, it draws a batch at once and doles out keys from
// it (spec.md section 3: "mask key... drawn from a CSPRNG in batches to
// amortize syscalls").
type maskKeyBatch struct {
	mu  sync.Mutex
	buf []byte
}

const maskKeyBatchSize = 256 // 64 mask keys per refill

func newMaskKeyBatch() *maskKeyBatch {
	return &maskKeyBatch{}
}

func (m *maskKeyBatch) next() ([4]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.buf) < 4 {
		m.buf = make([]byte, maskKeyBatchSize)
		if _, err := io.ReadFull(randReader, m.buf); err != nil {
			m.buf = nil
			return [4]byte{}, err
		}
	}
	var key [4]byte
	copy(key[:], m.buf[:4])
	m.buf = m.buf[4:]
	return key, nil
}

// applyMask XORs data in place with mask, starting at offset pos within the
// repeating 4-byte mask cycle, and returns the new offset. Grounded on the
// teacher's maskBytes (util.go).
func applyMask(mask [4]byte, pos int, data []byte) int {
	for i := range data {
		data[i] ^= mask[(pos+i)%4]
	}
	return (pos + len(data)) % 4
}

// validHeaderToken reports whether name is a syntactically valid HTTP header
// field name and value is a syntactically valid field value, per RFC 7230.
// Used to validate caller-supplied custom handshake headers before they're
// written to the wire (spec.md section 4.3: "reject headers with invalid
// names or values before sending").
func validHeaderToken(name, value string) bool {
	return httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value)
}

// headerContainsToken reports whether any comma-separated value of header
// contains token, matched case-insensitively (RFC 6455, sections 4.2.2 and
// 4.3, for Connection/Upgrade/Sec-WebSocket-Extensions token matching).
func headerContainsToken(values []string, token string) bool {
	return httpguts.HeaderValuesContainsToken(values, token)
}

// FormatCloseMessage formats code and text as a WebSocket close message per
// RFC 6455, section 5.5.1. The close frame body consists of a 2-byte status
// code followed by optional UTF-8 encoded reason text.
func FormatCloseMessage(code CloseCode, text string) []byte {
	return formatCloseMessage(code, text)
}

// IsCloseError returns true if the error is a CloseError with one of the specified codes.
// Close codes are defined in RFC 6455, section 7.4.1.
func IsCloseError(err error, codes ...CloseCode) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return slices.Contains(codes, closeErr.Code)
}

// IsUnexpectedCloseError returns true if the error is a CloseError with a code
// NOT in the expected codes list. Close codes are defined in RFC 6455, section 7.4.1.
func IsUnexpectedCloseError(err error, expectedCodes ...CloseCode) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return !slices.Contains(expectedCodes, closeErr.Code)
}
