// Compression support for the WebSocket permessage-deflate extension
// (RFC 7692). DEFLATE (RFC 1951) is provided by compress/flate; the
// per-message (no-context-takeover) transform itself lives in
// permessage_deflate.go.
package websocket

import "io"

// Compression level bounds for DEFLATE (RFC 1951), as accepted by
// compress/flate.NewWriterDict.
const (
	minCompressionLevel     = -2
	maxCompressionLevel     = 9
	defaultCompressionLevel = 1
)

// suffixReader appends the DEFLATE empty block suffix (0x00 0x00 0xff 0xff)
// required by RFC 7692, section 7.2.2 before inflating a compressed
// message: the sender strips this suffix on the way out
// (pmdExtension.transformOutbound), so the reader must supply it back.
type suffixReader struct{}

func (suffixReader) Read(p []byte) (int, error) {
	if len(p) < 4 {
		return 0, io.ErrShortBuffer
	}
	p[0], p[1], p[2], p[3] = 0x00, 0x00, 0xff, 0xff
	return 4, io.EOF
}
