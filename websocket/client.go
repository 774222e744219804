package websocket

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// websocketGUID is the magic value RFC 6455, section 4.2.2, item 5.4
// concatenates onto the client's challenge key before hashing.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// websocketVersion is the protocol version this engine speaks
// (RFC 6455, section 4.1, item 6).
const websocketVersion = "13"

// maxHandshakeHeaderBytes bounds the response header read per spec.md
// section 4.3 ("read the response head up to a bounded maximum (default
// 8 KiB)"). A response whose header lines don't fit fails the dial rather
// than growing the buffer without bound.
const maxHandshakeHeaderBytes = 8 * 1024

// maxDiagnosticBodyBytes bounds how much of a non-101 response body is
// captured for diagnostics (spec.md section 4.3: "Any other status
// captures up to 4 KiB of response body").
const maxDiagnosticBodyBytes = 4 * 1024

// reservedHandshakeHeaders are the headers this engine sets itself; custom
// headers colliding with one of these (case-insensitively) are rejected
// (spec.md section 4.3: "not colliding with reserved WebSocket headers").
var reservedHandshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Protocol",
	"Sec-WebSocket-Extensions",
	"Host",
}

// Transport opens the duplex byte stream a connection runs over. TLS and
// proxy CONNECT tunneling are the transport's responsibility; the
// handshake and frame codec treat the returned net.Conn as opaque
// transport, per spec.md section 5 ("Transport contract").
type Transport interface {
	Connect(ctx context.Context, u *url.URL) (net.Conn, error)
}

// DefaultTransport dials plain TCP or TLS, optionally through an HTTP
// CONNECT proxy. Grounded on the teacher's Dialer.dialNet/dialProxy
// (client.go), generalized from being entangled with http.Client/http.Transport
// selection into a standalone Transport implementation.
type DefaultTransport struct {
	// DialContext overrides the TCP dial func; defaults to net.Dialer.DialContext.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// TLSClientConfig configures wss:// connections and the CONNECT tunnel's
	// TLS layer. A nil ServerName is filled with the target hostname.
	TLSClientConfig *tls.Config
	// Proxy returns the proxy URL for a request, or nil for a direct
	// connection. Mirrors http.Transport.Proxy's signature so
	// http.ProxyFromEnvironment can be used directly.
	Proxy func(*http.Request) (*url.URL, error)
}

func (t *DefaultTransport) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if t.DialContext != nil {
		return t.DialContext(ctx, network, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Connect implements Transport.
func (t *DefaultTransport) Connect(ctx context.Context, u *url.URL) (net.Conn, error) {
	proxyURL, err := t.proxyFor(u)
	if err != nil {
		return nil, err
	}
	if proxyURL != nil {
		return t.connectViaProxy(ctx, u, proxyURL)
	}
	return t.connectDirect(ctx, u)
}

func (t *DefaultTransport) proxyFor(u *url.URL) (*url.URL, error) {
	if t.Proxy == nil {
		return nil, nil
	}
	return t.Proxy(&http.Request{URL: u})
}

func (t *DefaultTransport) connectDirect(ctx context.Context, u *url.URL) (net.Conn, error) {
	hostPort := hostPortFromURL(u)
	if u.Scheme != "https" {
		return t.dial(ctx, "tcp", hostPort)
	}

	conn, err := t.dial(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	return t.upgradeTLS(ctx, conn, u.Hostname())
}

func (t *DefaultTransport) upgradeTLS(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	cfg := &tls.Config{}
	if t.TLSClientConfig != nil {
		cfg = t.TLSClientConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// connectViaProxy establishes an HTTP CONNECT tunnel per RFC 7231, section
// 4.3.6, then upgrades to TLS inside the tunnel for wss:// targets.
func (t *DefaultTransport) connectViaProxy(ctx context.Context, target, proxyURL *url.URL) (net.Conn, error) {
	proxyHost := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyHost = net.JoinHostPort(proxyURL.Hostname(), "80")
	}
	targetHostPort := hostPortFromURL(target)

	conn, err := t.dial(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, err
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetHostPort},
		Host:   targetHostPort,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		user := proxyURL.User.Username()
		pass, _ := proxyURL.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	if err := connectReq.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errors.New("websocket: proxy CONNECT failed: " + resp.Status)
	}

	if target.Scheme == "https" {
		return t.upgradeTLS(ctx, conn, target.Hostname())
	}
	return conn, nil
}

// hostPortFromURL returns host:port for u, adding the scheme's default port
// when u carries none.
func hostPortFromURL(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// Dialer performs the RFC 6455 client-side opening handshake (spec.md
// section 4.3, component C3) over a stream obtained from Transport, then
// hands the negotiated stream to newConn. Grounded structurally on the
// teacher's Dialer (client.go): same Dial/DialContext entry points, same
// challenge-key/accept-key validation, with the proxy/TLS/custom-dial
// branching collapsed into the Transport abstraction spec.md section 5
// treats as an opaque collaborator.
type Dialer struct {
	// Options configures the resulting connection (frame limits, keepalive,
	// extensions, buffer pool, ...). Zero-value fields are filled from
	// DefaultOptions.
	Options Options
	// Transport opens the underlying byte stream. Defaults to
	// &DefaultTransport{} when nil.
	Transport Transport
}

// DefaultDialer is a Dialer with all fields set to their default values.
var DefaultDialer = &Dialer{}

// Dial creates a new client connection to the WebSocket server.
func (d *Dialer) Dial(urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	return d.DialContext(context.Background(), urlStr, requestHeader)
}

// DialContext creates a new client connection with the provided context,
// implementing the opening handshake of RFC 6455, section 4.1.
func (d *Dialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	opts := d.Options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	for k, vs := range requestHeader {
		for _, v := range vs {
			if opts.CustomHeaders == nil {
				opts.CustomHeaders = make(http.Header)
			}
			opts.CustomHeaders.Add(k, v)
		}
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, nil, errors.New("websocket: bad scheme")
	}
	if u.Host == "" {
		return nil, nil, errors.New("websocket: empty host")
	}

	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	transport := d.Transport
	if transport == nil {
		transport = &DefaultTransport{}
	}

	conn, err := transport.Connect(ctx, u)
	if err != nil {
		return nil, nil, err
	}

	wsConn, resp, err := d.handshake(ctx, conn, u, opts)
	if err != nil {
		conn.Close()
		return nil, resp, err
	}
	return wsConn, resp, nil
}

// handshake performs the request/response exchange and extension
// negotiation over an already-connected stream, then constructs the
// running Conn.
func (d *Dialer) handshake(ctx context.Context, conn net.Conn, u *url.URL, opts Options) (*Conn, *http.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	challengeKey, err := generateChallengeKey()
	if err != nil {
		return nil, nil, err
	}

	req, err := buildHandshakeRequest(u, challengeKey, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := req.Write(conn); err != nil {
		return nil, nil, ErrHandshakeFailed
	}

	br := bufio.NewReaderSize(io.LimitReader(conn, maxHandshakeHeaderBytes), maxHandshakeHeaderBytes)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, nil, ErrHandshakeFailed
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		captureDiagnosticBody(resp)
		return nil, resp, ErrHandshakeFailed
	}

	if err := validateHandshakeResponse(resp, challengeKey, opts.SubProtocols); err != nil {
		resp.Body.Close()
		return nil, resp, err
	}

	pipe, err := negotiateExtensions(
		resp.Header.Get("Sec-WebSocket-Extensions"),
		opts.PerMessageDeflate,
		opts.RequireNegotiatedExtensions,
		opts.MaxMessageSize,
	)
	if err != nil {
		resp.Body.Close()
		bestEffortCloseRaw(conn, CloseMandatoryExtension)
		return nil, resp, err
	}

	var prefetched []byte
	if n := br.Buffered(); n > 0 {
		prefetched, _ = br.Peek(n)
		prefetched = slices.Clone(prefetched)
	}
	stream := conn
	if len(prefetched) > 0 {
		stream = &prefetchedConn{Conn: conn, prefetched: prefetched}
	}

	sp := defaultPool
	if opts.Pool != nil {
		sp = newSizedPoolWithBufferPool(opts.Pool)
	}

	c := newConn(stream, stream, opts, sp, resp.Header.Get("Sec-WebSocket-Protocol"), pipe)
	c.start()
	return c, resp, nil
}

// buildHandshakeRequest constructs the HTTP/1.1 Upgrade request per
// spec.md section 4.3's "Request construction" paragraph.
func buildHandshakeRequest(u *url.URL, challengeKey string, opts Options) (*http.Request, error) {
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}

	for name, vs := range opts.CustomHeaders {
		if isReservedHandshakeHeader(name) {
			return nil, errors.New("websocket: custom header collides with reserved handshake header: " + name)
		}
		for _, v := range vs {
			if !validHeaderToken(name, v) {
				return nil, errors.New("websocket: invalid custom header: " + name)
			}
			req.Header.Add(name, v)
		}
	}

	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)

	if protos := dedupTokens(opts.SubProtocols); len(protos) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(protos, ", "))
	}
	if offer := buildExtensionOffer(opts.PerMessageDeflate); offer != "" {
		req.Header.Set("Sec-WebSocket-Extensions", offer)
	}

	return req, nil
}

func isReservedHandshakeHeader(name string) bool {
	for _, r := range reservedHandshakeHeaders {
		if strings.EqualFold(name, r) {
			return true
		}
	}
	return false
}

func dedupTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// validateHandshakeResponse checks the required properties of a successful
// 101 response (spec.md section 4.3).
func validateHandshakeResponse(resp *http.Response, challengeKey string, offeredProtocols []string) error {
	if !headerContainsToken(resp.Header.Values("Upgrade"), "websocket") {
		return ErrHandshakeFailed
	}
	if !headerContainsToken(resp.Header.Values("Connection"), "upgrade") {
		return ErrHandshakeFailed
	}

	expected := computeAcceptKey(challengeKey)
	got := resp.Header.Get("Sec-WebSocket-Accept")
	if len(got) != len(expected) || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return ErrHandshakeFailed
	}

	if sp := resp.Header.Get("Sec-WebSocket-Protocol"); sp != "" {
		if strings.Contains(sp, ",") || !slices.Contains(offeredProtocols, sp) {
			return ErrHandshakeFailed
		}
	}
	return nil
}

// captureDiagnosticBody replaces resp.Body with an in-memory copy of up to
// maxDiagnosticBodyBytes, so the caller can inspect a failed handshake's
// body without holding the connection open.
func captureDiagnosticBody(resp *http.Response) {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBodyBytes))
	resp.Body = io.NopCloser(bytes.NewReader(body))
}

// bestEffortCloseRaw writes a single Close frame directly to the stream,
// ignoring any error: used when extension negotiation fails after a
// syntactically valid 101 response, before a Conn (and its send mutex)
// exists to do it the normal way.
func bestEffortCloseRaw(w io.Writer, code CloseCode) {
	fw := newFrameWriter(w, newMaskKeyBatch())
	_ = fw.writeControl(opClose, formatCloseMessage(code, ""))
}

// generateChallengeKey generates the 16-byte, base64-encoded random
// Sec-WebSocket-Key (RFC 6455, section 4.1).
func generateChallengeKey() (string, error) {
	key := make([]byte, 16)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// computeAcceptKey computes the Sec-WebSocket-Accept value per RFC 6455,
// section 4.2.2, item 5.4: base64(SHA1(challengeKey || websocketGUID)).
func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// prefetchedConn wraps a net.Conn, returning previously buffered bytes
// before resuming reads from the underlying connection (spec.md section
// 4.3: "Prefetched bytes" - a server may send the first frame in the same
// TCP segment as the 101 response headers).
type prefetchedConn struct {
	net.Conn
	prefetched []byte
}

func (c *prefetchedConn) Read(p []byte) (int, error) {
	if len(c.prefetched) > 0 {
		n := copy(p, c.prefetched)
		c.prefetched = c.prefetched[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
