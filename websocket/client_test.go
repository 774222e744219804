package websocket

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChallengeKey(t *testing.T) {
	key1, err := generateChallengeKey()
	require.NoError(t, err)
	key2, err := generateChallengeKey()
	require.NoError(t, err)

	assert.Len(t, key1, 24)
	assert.Len(t, key2, 24)
	assert.NotEqual(t, key1, key2)
}

// TestComputeAcceptKey checks the worked example from RFC 6455, section 4.2.2.
func TestComputeAcceptKey(t *testing.T) {
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestDefaultDialer(t *testing.T) {
	assert.NotNil(t, DefaultDialer)
}

func TestDialerDialURLParsing(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{"invalid URL", "://invalid", "missing protocol scheme"},
		{"bad scheme", "http://example.com", "bad scheme"},
		{"empty host", "ws:///path", "empty host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Dialer{}
			_, _, err := d.Dial(tt.url, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDialerDialContextCancellation(t *testing.T) {
	d := &Dialer{Transport: &DefaultTransport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := d.DialContext(ctx, "ws://example.com", nil)
	require.Error(t, err)
}

func TestBuildHandshakeRequest(t *testing.T) {
	u, err := url.Parse("http://example.com/chat")
	require.NoError(t, err)

	t.Run("sets required headers", func(t *testing.T) {
		req, err := buildHandshakeRequest(u, "thekey==", Options{}.withDefaults())
		require.NoError(t, err)
		assert.Equal(t, "websocket", req.Header.Get("Upgrade"))
		assert.Equal(t, "Upgrade", req.Header.Get("Connection"))
		assert.Equal(t, "thekey==", req.Header.Get("Sec-WebSocket-Key"))
		assert.Equal(t, websocketVersion, req.Header.Get("Sec-WebSocket-Version"))
	})

	t.Run("offers subprotocols", func(t *testing.T) {
		opts := Options{SubProtocols: []string{"a", "b", "a"}}.withDefaults()
		req, err := buildHandshakeRequest(u, "thekey==", opts)
		require.NoError(t, err)
		assert.Equal(t, "a, b", req.Header.Get("Sec-WebSocket-Protocol"))
	})

	t.Run("offers permessage-deflate", func(t *testing.T) {
		opts := Options{PerMessageDeflate: PerMessageDeflateOptions{Enabled: true}}.withDefaults()
		req, err := buildHandshakeRequest(u, "thekey==", opts)
		require.NoError(t, err)
		assert.Contains(t, req.Header.Get("Sec-WebSocket-Extensions"), "permessage-deflate")
	})

	t.Run("rejects reserved custom header", func(t *testing.T) {
		opts := Options{CustomHeaders: http.Header{"Sec-WebSocket-Key": {"evil"}}}.withDefaults()
		_, err := buildHandshakeRequest(u, "thekey==", opts)
		assert.Error(t, err)
	})

	t.Run("rejects invalid custom header value", func(t *testing.T) {
		opts := Options{CustomHeaders: http.Header{"X-Custom": {"bad\x00value"}}}.withDefaults()
		_, err := buildHandshakeRequest(u, "thekey==", opts)
		assert.Error(t, err)
	})

	t.Run("passes through custom headers", func(t *testing.T) {
		opts := Options{CustomHeaders: http.Header{"X-Trace-Id": {"abc"}}}.withDefaults()
		req, err := buildHandshakeRequest(u, "thekey==", opts)
		require.NoError(t, err)
		assert.Equal(t, "abc", req.Header.Get("X-Trace-Id"))
	})
}

func TestValidateHandshakeResponse(t *testing.T) {
	challengeKey := "dGhlIHNhbXBsZSBub25jZQ=="
	validAccept := computeAcceptKey(challengeKey)

	newResp := func() *http.Response {
		return &http.Response{Header: http.Header{
			"Upgrade":              {"websocket"},
			"Connection":           {"Upgrade"},
			"Sec-WebSocket-Accept": {validAccept},
		}}
	}

	t.Run("valid response", func(t *testing.T) {
		assert.NoError(t, validateHandshakeResponse(newResp(), challengeKey, nil))
	})

	t.Run("missing Upgrade header", func(t *testing.T) {
		resp := newResp()
		resp.Header.Set("Upgrade", "http/2.0")
		assert.ErrorIs(t, validateHandshakeResponse(resp, challengeKey, nil), ErrHandshakeFailed)
	})

	t.Run("missing Connection header", func(t *testing.T) {
		resp := newResp()
		resp.Header.Set("Connection", "close")
		assert.ErrorIs(t, validateHandshakeResponse(resp, challengeKey, nil), ErrHandshakeFailed)
	})

	t.Run("wrong accept key", func(t *testing.T) {
		resp := newResp()
		resp.Header.Set("Sec-WebSocket-Accept", "wrong-accept-key")
		assert.ErrorIs(t, validateHandshakeResponse(resp, challengeKey, nil), ErrHandshakeFailed)
	})

	t.Run("subprotocol not offered", func(t *testing.T) {
		resp := newResp()
		resp.Header.Set("Sec-WebSocket-Protocol", "graphql-ws")
		assert.ErrorIs(t, validateHandshakeResponse(resp, challengeKey, []string{"other"}), ErrHandshakeFailed)
	})

	t.Run("subprotocol offered", func(t *testing.T) {
		resp := newResp()
		resp.Header.Set("Sec-WebSocket-Protocol", "graphql-ws")
		assert.NoError(t, validateHandshakeResponse(resp, challengeKey, []string{"graphql-ws"}))
	})
}

// --- end-to-end dial against a hand-rolled fake server ---
//
// This engine is client-only, so there is no Upgrader to pair the Dialer
// against; fakeWSServer plays the server side of the handshake directly
// on a net.Listener, the way a minimal RFC 6455 server would.

type fakeWSServer struct {
	ln net.Listener
}

func newFakeWSServer(t *testing.T) *fakeWSServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeWSServer{ln: ln}
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeWSServer) url() string {
	return "ws://" + s.ln.Addr().String()
}

// acceptOnce accepts a single connection, reads the handshake request, and
// writes back a valid 101 response (optionally negotiating subprotocol/PMD),
// then hands the raw conn to fn for post-handshake frame traffic.
func (s *fakeWSServer) acceptOnce(t *testing.T, negotiateSubprotocol string, negotiatePMD bool, fn func(conn net.Conn)) {
	t.Helper()
	go func() {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		accept := computeAcceptKey(req.Header.Get("Sec-WebSocket-Key"))

		resp := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + accept + "\r\n"
		if negotiateSubprotocol != "" {
			resp += "Sec-WebSocket-Protocol: " + negotiateSubprotocol + "\r\n"
		}
		if negotiatePMD {
			resp += "Sec-WebSocket-Extensions: permessage-deflate\r\n"
		}
		resp += "\r\n"

		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
		if fn != nil {
			fn(conn)
		}
	}()
}

// acceptWithRawResponse accepts a single connection, reads the request, and
// replies with the exact bytes in raw (a template, with "%ACCEPT%" replaced
// by the computed accept key).
func (s *fakeWSServer) acceptWithRawResponse(t *testing.T, raw string) {
	t.Helper()
	go func() {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		accept := computeAcceptKey(req.Header.Get("Sec-WebSocket-Key"))

		out := replaceAll(raw, "%ACCEPT%", accept)
		_, _ = conn.Write([]byte(out))
	}()
}

func replaceAll(s, old, new string) string {
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return s
		}
		s = s[:idx] + new + s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestDialerWithFakeServer(t *testing.T) {
	s := newFakeWSServer(t)
	s.acceptOnce(t, "", false, func(conn net.Conn) {
		hdr := make([]byte, 2)
		if _, err := conn.Read(hdr); err != nil {
			return
		}
		n := int(hdr[1] &^ maskBit)
		maskKey := make([]byte, 4)
		_, _ = conn.Read(maskKey)
		payload := make([]byte, n)
		_, _ = conn.Read(payload)
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
		writeServerFrame(t, conn, true, opText, 0, payload)
	})

	d := &Dialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, resp, err := d.DialContext(ctx, s.url(), nil)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer conn.Abort()

	require.NoError(t, conn.SendText(ctx, "hello"))
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	defer msg.Release()
	assert.Equal(t, "hello", string(msg.Bytes()))
}

func TestDialerNegotiatesSubprotocol(t *testing.T) {
	s := newFakeWSServer(t)
	s.acceptOnce(t, "graphql-transport-ws", false, nil)

	d := &Dialer{Options: Options{SubProtocols: []string{"graphql-transport-ws"}}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := d.DialContext(ctx, s.url(), nil)
	require.NoError(t, err)
	defer conn.Abort()
	assert.Equal(t, "graphql-transport-ws", conn.Subprotocol())
}

func TestDialerNegotiatesCompression(t *testing.T) {
	s := newFakeWSServer(t)
	s.acceptOnce(t, "", true, nil)

	d := &Dialer{Options: Options{PerMessageDeflate: PerMessageDeflateOptions{Enabled: true}}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := d.DialContext(ctx, s.url(), nil)
	require.NoError(t, err)
	defer conn.Abort()
}

func TestDialerBadHandshakeResponse(t *testing.T) {
	t.Run("non-101 status", func(t *testing.T) {
		s := newFakeWSServer(t)
		s.acceptWithRawResponse(t, "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")

		d := &Dialer{}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, resp, err := d.DialContext(ctx, s.url(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("wrong Upgrade header", func(t *testing.T) {
		s := newFakeWSServer(t)
		s.acceptWithRawResponse(t, "HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: http/2.0\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %ACCEPT%\r\n\r\n")

		d := &Dialer{}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, _, err := d.DialContext(ctx, s.url(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	})

	t.Run("wrong Sec-WebSocket-Accept", func(t *testing.T) {
		s := newFakeWSServer(t)
		s.acceptWithRawResponse(t, "HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: wrong\r\n\r\n")

		d := &Dialer{}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, _, err := d.DialContext(ctx, s.url(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	})
}

func TestDialerHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, _ := ln.Accept()
		if conn != nil {
			defer conn.Close()
			time.Sleep(200 * time.Millisecond)
		}
	}()

	d := &Dialer{Options: Options{HandshakeTimeout: 50 * time.Millisecond}}
	_, _, err = d.Dial("ws://"+ln.Addr().String(), nil)
	require.Error(t, err)
}

func TestDialerDefaultPort(t *testing.T) {
	t.Run("ws default port 80", func(t *testing.T) {
		var dialedAddr string
		d := &Dialer{Transport: &DefaultTransport{
			DialContext: func(_ context.Context, _, addr string) (net.Conn, error) {
				dialedAddr = addr
				return nil, net.ErrClosed
			},
		}}
		_, _, _ = d.Dial("ws://example.com/path", nil)
		assert.Equal(t, "example.com:80", dialedAddr)
	})

	t.Run("custom port preserved", func(t *testing.T) {
		var dialedAddr string
		d := &Dialer{Transport: &DefaultTransport{
			DialContext: func(_ context.Context, _, addr string) (net.Conn, error) {
				dialedAddr = addr
				return nil, net.ErrClosed
			},
		}}
		_, _, _ = d.Dial("ws://example.com:8080/path", nil)
		assert.Equal(t, "example.com:8080", dialedAddr)
	})
}

func TestTransportProxyConnect(t *testing.T) {
	// A bare TCP listener standing in for the proxy: accepts the CONNECT
	// request and replies 200, after which DefaultTransport should hand
	// back the raw tunnel for the handshake to run over.
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxyLn.Close()

	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	proxyURL, err := url.Parse("http://" + proxyLn.Addr().String())
	require.NoError(t, err)

	tr := &DefaultTransport{
		Proxy: func(_ *http.Request) (*url.URL, error) {
			return proxyURL, nil
		},
	}

	target, err := url.Parse("http://example.com/ws")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := tr.Connect(ctx, target)
	require.NoError(t, err)
	defer conn.Close()
}
