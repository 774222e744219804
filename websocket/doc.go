// Package websocket implements a client-side RFC 6455 WebSocket engine with
// RFC 7692 permessage-deflate compression.
//
// This package provides:
//   - A frame codec (reader + masked writer) for the RFC 6455 wire format
//   - A message assembler that reassembles fragmented text/binary messages
//   - An extension pipeline with RSV-bit negotiation, carrying permessage-deflate
//   - A connection state machine with keepalive, idle timeout, and close handshake
//   - A bounded, backpressured delivery queue between the receive loop and the consumer
//
// Reconnect-with-backoff and event fan-out live one layer up, in the
// sibling client package, which wraps a Conn with resilience.
//
// Client Example:
//
//	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "wss://example.com/socket", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Abort()
//
//	if err := conn.SendText(ctx, "hello"); err != nil {
//	    log.Fatal(err)
//	}
//
//	msg, err := conn.Receive(ctx)
//
// Concurrency:
//
// Conn supports one concurrent Receive call and one concurrent Send call
// (Send* methods share a single write lock). Close and Abort may be called
// concurrently with any other method.
//
// Out of scope: server-side acceptance (this package is client-only) and
// application-level payload serialization beyond the JSON convenience
// helpers. The byte stream comes from the Dialer's Transport;
// DefaultTransport provides TCP and TLS dialing and HTTP proxy CONNECT
// tunneling.
package websocket
