package client

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcwire/wsengine/websocket"
)

// --- ReconnectPolicy ---

func TestReconnectPolicyDelayProgression(t *testing.T) {
	p := ReconnectPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0, // deterministic
	}

	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 400*time.Millisecond, p.delay(3))
	assert.Equal(t, 800*time.Millisecond, p.delay(4))
}

func TestReconnectPolicyDelayClampsToMaxDelay(t *testing.T) {
	p := ReconnectPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0,
	}
	assert.Equal(t, 5*time.Second, p.delay(10))
}

func TestReconnectPolicyDelayJitterStaysInBounds(t *testing.T) {
	p := ReconnectPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
	for i := 0; i < 50; i++ {
		d := p.delay(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestReconnectPolicyExhausted(t *testing.T) {
	p := ReconnectPolicy{MaxRetries: 3}
	assert.False(t, p.exhausted(1))
	assert.False(t, p.exhausted(3))
	assert.True(t, p.exhausted(4))

	infinite := ReconnectPolicy{MaxRetries: -1}
	assert.False(t, infinite.exhausted(1_000_000))
}

func TestDefaultReconnectPolicyGatesOnCloseCode(t *testing.T) {
	p := DefaultReconnectPolicy
	assert.True(t, p.Reconnectable(websocket.CloseGoingAway))
	assert.True(t, p.Reconnectable(websocket.CloseAbnormalClosure))
	assert.True(t, p.Reconnectable(websocket.CloseInternalServerErr))
	assert.False(t, p.Reconnectable(websocket.CloseNormalClosure))
	assert.False(t, p.Reconnectable(websocket.CloseProtocolError))
}

func TestReconnectPolicyWithDefaultsFillsZeroFields(t *testing.T) {
	p := ReconnectPolicy{MaxDelay: time.Minute}.withDefaults()
	assert.Equal(t, DefaultReconnectPolicy.InitialDelay, p.InitialDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, DefaultReconnectPolicy.Multiplier, p.Multiplier)
	assert.NotNil(t, p.Reconnectable)
}

// --- Client, against a hand-rolled fake server ---
//
// There is no in-process server component in this engine (client-only), so
// these tests drive a raw net.Listener that speaks just enough RFC 6455 to
// exercise Dial/Send/Receive/Close and the reconnect loop.

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func acceptKeyFor(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// fakeServer completes the handshake on every accepted connection and hands
// the raw net.Conn to handle for whatever frame traffic the test needs.
type fakeServer struct {
	ln net.Listener
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln}
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) url() string { return "ws://" + s.ln.Addr().String() }

func (s *fakeServer) serveOnce(t *testing.T, handle func(conn net.Conn)) {
	t.Helper()
	go func() {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			conn.Close()
			return
		}
		accept := acceptKeyFor(req.Header.Get("Sec-WebSocket-Key"))
		resp := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
		if _, err := conn.Write([]byte(resp)); err != nil {
			conn.Close()
			return
		}
		handle(conn)
	}()
}

// readMaskedTextFrame reads one masked client frame and returns its
// unmasked payload. Good enough for the small single-frame messages these
// tests send.
func readMaskedTextFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	hdr := make([]byte, 2)
	_, err := conn.Read(hdr)
	require.NoError(t, err)
	n := int(hdr[1] &^ 0x80)
	maskKey := make([]byte, 4)
	_, err = conn.Read(maskKey)
	require.NoError(t, err)
	payload := make([]byte, n)
	_, err = conn.Read(payload)
	require.NoError(t, err)
	for i := range payload {
		payload[i] ^= maskKey[i%4]
	}
	return payload
}

func writeUnmaskedTextFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	header := []byte{0x81, byte(len(payload))}
	_, err := conn.Write(header)
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func TestDialSendReceiveRoundTrip(t *testing.T) {
	s := newFakeServer(t)
	s.serveOnce(t, func(conn net.Conn) {
		defer conn.Close()
		payload := readMaskedTextFrame(t, conn)
		writeUnmaskedTextFrame(t, conn, payload)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{URL: s.url()})
	require.NoError(t, err)
	defer c.Abort()

	require.NoError(t, c.SendText(ctx, "hello"))
	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	defer msg.Release()
	assert.Equal(t, "hello", string(msg.Bytes()))
}

func TestDialFailureReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = Dial(ctx, Config{URL: "ws://" + addr})
	assert.Error(t, err)
}

func TestClientCloseSetsManualCloseAndFinalizes(t *testing.T) {
	s := newFakeServer(t)
	s.serveOnce(t, func(conn net.Conn) {
		defer conn.Close()
		// Wait for the client's close frame and just drop the connection.
		buf := make([]byte, 256)
		_, _ = conn.Read(buf)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var closed bool
	var closedCode websocket.CloseCode
	c, err := Dial(ctx, Config{
		URL: s.url(),
		Events: Events{
			OnClosed: func(code websocket.CloseCode, _ string) {
				closed = true
				closedCode = code
			},
		},
	})
	require.NoError(t, err)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	_ = c.Close(closeCtx, websocket.CloseNormalClosure, "done")

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never finalized after Close")
	}
	assert.True(t, closed)
	_ = closedCode

	// A manual close must not trigger a reconnect attempt.
	_, err = c.Receive(context.Background())
	assert.Error(t, err)
}

func TestClientReconnectsOnAbnormalClosure(t *testing.T) {
	s := newFakeServer(t)

	reconnected := make(chan struct{}, 1)
	var reconnectAttempts int

	// First connection: accept then immediately drop the TCP connection
	// without a close frame, producing an abnormal closure on the client.
	s.serveOnce(t, func(conn net.Conn) {
		conn.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{
		URL: s.url(),
		ReconnectPolicy: ReconnectPolicy{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   1,
			Jitter:       0,
		},
		Events: Events{
			OnReconnecting: func(attempt int, _ time.Duration) { reconnectAttempts = attempt },
			OnReconnected:  func() { reconnected <- struct{}{} },
		},
	})
	require.NoError(t, err)
	defer c.Abort()

	// Second connection: the reconnect attempt. Complete the handshake and
	// hold the socket open so the client settles into the reconnected state.
	s.serveOnce(t, func(conn net.Conn) {
		buf := make([]byte, 256)
		_, _ = conn.Read(buf)
		conn.Close()
	})

	select {
	case <-reconnected:
	case <-time.After(4 * time.Second):
		t.Fatal("client never reconnected after abnormal closure")
	}
	assert.GreaterOrEqual(t, reconnectAttempts, 1)
}

func TestClientDoesNotReconnectOnNonReconnectableCloseCode(t *testing.T) {
	s := newFakeServer(t)
	s.serveOnce(t, func(conn net.Conn) {
		defer conn.Close()
		closeFrame := []byte{0x88, 0x02, 0x03, 0xEA} // 1002 protocol error, no reason
		_, _ = conn.Write(closeFrame)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reconnecting bool
	c, err := Dial(ctx, Config{
		URL: s.url(),
		Events: Events{
			OnReconnecting: func(int, time.Duration) { reconnecting = true },
		},
	})
	require.NoError(t, err)
	defer c.Abort()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never finalized after a non-reconnectable close")
	}
	assert.False(t, reconnecting)
}
