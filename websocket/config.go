package websocket

import (
	"fmt"
	"net/http"
	"time"
)

// Options configures a dialed connection (spec.md section 6,
// "Configuration (enumerated)"). Grounded on the teacher's Dialer struct
// fields (client.go) for the handshake-level knobs, extended with the
// frame/message/keepalive knobs the teacher hardcoded as package constants.
type Options struct {
	// MaxFrameSize rejects inbound frames whose payload exceeds it (close 1009).
	MaxFrameSize int64
	// MaxMessageSize caps a reassembled or inflated message (close 1009).
	MaxMessageSize int64
	// MaxFragmentCount caps fragments per message (close 1009).
	MaxFragmentCount int
	// FragmentationThreshold is the max bytes per outbound frame before splitting.
	FragmentationThreshold int
	// ReceiveQueueCapacity bounds the backpressured delivery queue.
	ReceiveQueueCapacity int

	// HandshakeTimeout bounds connect + header exchange.
	HandshakeTimeout time.Duration
	// CloseHandshakeTimeout bounds a graceful close.
	CloseHandshakeTimeout time.Duration
	// PingInterval and PongTimeout drive keepalive; 0 disables.
	PingInterval time.Duration
	PongTimeout  time.Duration
	// IdleTimeout closes abnormally after no app message for this long; 0 disables.
	IdleTimeout time.Duration

	// SubProtocols is offered in order; the server may select at most one.
	SubProtocols []string
	// PerMessageDeflate configures the permessage-deflate extension offer.
	PerMessageDeflate PerMessageDeflateOptions
	// RequireNegotiatedExtensions fails the dial with close 1010 if negotiation
	// yields an empty extension set.
	RequireNegotiatedExtensions bool
	// CustomHeaders are additional request headers; reserved names are rejected.
	CustomHeaders http.Header

	ReadBufferSize  int
	WriteBufferSize int

	// Pool overrides the buffer pool used for frame and message payloads.
	Pool BufferPool
}

// DefaultOptions mirrors the teacher's package-level defaults
// (defaultReadBufferSize etc., conn.go), extended with spec.md's additional
// limits and timeouts.
var DefaultOptions = Options{
	MaxFrameSize:            defaultMaxFrameSize,
	MaxMessageSize:          defaultMaxMessageSize,
	MaxFragmentCount:        defaultMaxFragmentCount,
	FragmentationThreshold:  defaultFragmentationThreshold,
	ReceiveQueueCapacity:    64,
	HandshakeTimeout:        10 * time.Second,
	CloseHandshakeTimeout:   10 * time.Second,
	PingInterval:            0,
	PongTimeout:             10 * time.Second,
	IdleTimeout:             0,
	PerMessageDeflate:       DefaultPerMessageDeflateOptions,
	ReadBufferSize:          defaultReadBufferSize,
	WriteBufferSize:         defaultWriteBufferSize,
}

// withDefaults returns a copy of o with zero-value fields filled from
// DefaultOptions, the way the teacher's newConnFromRWC fills zero buffer
// sizes (conn.go).
func (o Options) withDefaults() Options {
	d := DefaultOptions
	if o.MaxFrameSize != 0 {
		d.MaxFrameSize = o.MaxFrameSize
	}
	if o.MaxMessageSize != 0 {
		d.MaxMessageSize = o.MaxMessageSize
	}
	if o.MaxFragmentCount != 0 {
		d.MaxFragmentCount = o.MaxFragmentCount
	}
	if o.FragmentationThreshold != 0 {
		d.FragmentationThreshold = o.FragmentationThreshold
	}
	if o.ReceiveQueueCapacity != 0 {
		d.ReceiveQueueCapacity = o.ReceiveQueueCapacity
	}
	if o.HandshakeTimeout != 0 {
		d.HandshakeTimeout = o.HandshakeTimeout
	}
	if o.CloseHandshakeTimeout != 0 {
		d.CloseHandshakeTimeout = o.CloseHandshakeTimeout
	}
	if o.PingInterval != 0 {
		d.PingInterval = o.PingInterval
	}
	if o.PongTimeout != 0 {
		d.PongTimeout = o.PongTimeout
	}
	if o.IdleTimeout != 0 {
		d.IdleTimeout = o.IdleTimeout
	}
	if o.SubProtocols != nil {
		d.SubProtocols = o.SubProtocols
	}
	if (o.PerMessageDeflate != PerMessageDeflateOptions{}) {
		d.PerMessageDeflate = o.PerMessageDeflate
	}
	d.RequireNegotiatedExtensions = o.RequireNegotiatedExtensions
	if o.CustomHeaders != nil {
		d.CustomHeaders = o.CustomHeaders
	}
	if o.ReadBufferSize != 0 {
		d.ReadBufferSize = o.ReadBufferSize
	}
	if o.WriteBufferSize != 0 {
		d.WriteBufferSize = o.WriteBufferSize
	}
	if o.Pool != nil {
		d.Pool = o.Pool
	}
	return d
}

// validate enforces spec.md section 6's cross-field invariants.
func (o Options) validate() error {
	if o.FragmentationThreshold > 0 && o.MaxFrameSize > 0 && int64(o.FragmentationThreshold) > o.MaxFrameSize {
		return fmt.Errorf("websocket: FragmentationThreshold (%d) exceeds MaxFrameSize (%d)", o.FragmentationThreshold, o.MaxFrameSize)
	}
	if o.MaxFrameSize > 0 && o.MaxFragmentCount > 0 && o.MaxMessageSize > 0 {
		limit := o.MaxFrameSize * int64(o.MaxFragmentCount)
		if o.MaxMessageSize > limit {
			return fmt.Errorf("websocket: MaxMessageSize (%d) exceeds MaxFrameSize*MaxFragmentCount (%d)", o.MaxMessageSize, limit)
		}
	}
	for _, d := range []time.Duration{o.HandshakeTimeout, o.CloseHandshakeTimeout, o.PingInterval, o.PongTimeout, o.IdleTimeout} {
		if d < 0 {
			return fmt.Errorf("websocket: durations must be non-negative, got %s", d)
		}
	}
	if lvl := o.PerMessageDeflate.Level; lvl != 0 && (lvl < minCompressionLevel || lvl > maxCompressionLevel) {
		return fmt.Errorf("websocket: PerMessageDeflate.Level (%d) outside [%d,%d]", lvl, minCompressionLevel, maxCompressionLevel)
	}
	return nil
}
