// Package client implements the resilient client of spec.md section 4.8:
// it wraps a basic websocket.Conn, captures a URI + options pair on first
// connect, and reconnects with exponential backoff and jitter on
// unexpected disconnects, re-exposing the same Send/Receive contract so a
// caller never has to re-dial by hand.
//
// Grounded on tzrikka-timpani/pkg/websocket/client.go's reconnect shape
// (a Client wrapping a swappable Conn, a relay goroutine pumping messages
// out, endless-retry-on-disconnect) but with genuine backoff, jitter, and
// close-code gating added — the teacher's own reconnect loop retries
// immediately forever and never inspects why the connection dropped.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arcwire/wsengine/internal/logging"
	"github.com/arcwire/wsengine/metrics"
	"github.com/arcwire/wsengine/websocket"
)

// Config captures everything a Client needs to (re)connect.
type Config struct {
	URL           string
	RequestHeader http.Header
	Dialer        *websocket.Dialer // nil uses a websocket.Dialer carrying Options
	Options       websocket.Options

	ReconnectPolicy ReconnectPolicy
	MetricsConfig   metrics.Config
	Events          Events

	// Logger receives structured diagnostics for dials, disconnects and the
	// reconnect loop (spec.md section 3 ambient stack); a nil Logger falls
	// back to logging.FromContext on Dial's context, which is zerolog.Nop()
	// when none is attached. Wiring follows tzrikka-timpani/pkg/websocket's
	// *zerolog.Logger usage.
	Logger *zerolog.Logger
}

// Client is a reconnecting WebSocket client: the same public contract as
// websocket.Conn (Send/Receive family, Close/Abort, Done/Err, Metrics),
// backed by a Conn that gets silently replaced across reconnects.
type Client struct {
	id     uuid.UUID
	cfg    Config
	dialer *websocket.Dialer
	policy ReconnectPolicy
	events Events
	logger *zerolog.Logger
	health *metrics.Collector

	connPtr atomic.Pointer[websocket.Conn]

	manualClose atomic.Bool
	recvGate    atomic.Bool

	messages chan websocket.Message

	finalizeOnce sync.Once
	closedCh     chan struct{}
	closedErr    error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ID is the client's correlation id. It tags the client's log lines (as
// client_id, or correlation_id on a failed dial); no event carries it.
func (c *Client) ID() uuid.UUID { return c.id }

// Dial performs the first connect and starts the reconnect-aware receive
// pump. The returned Client is usable immediately; a later disconnect
// reconnects automatically per cfg.ReconnectPolicy.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{Options: cfg.Options}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	queueCap := cfg.Options.ReceiveQueueCapacity
	if queueCap <= 0 {
		queueCap = websocket.DefaultOptions.ReceiveQueueCapacity
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:       uuid.New(),
		cfg:      cfg,
		dialer:   cfg.Dialer,
		policy:   cfg.ReconnectPolicy.withDefaults(),
		events:   cfg.Events,
		logger:   logger,
		health:   metrics.NewCollector(cfg.MetricsConfig),
		messages: make(chan websocket.Message, queueCap),
		closedCh: make(chan struct{}),
		ctx:      runCtx,
		cancel:   cancel,
	}

	if c.events.OnConnecting != nil {
		c.events.OnConnecting()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.connPtr.Store(conn)

	c.wg.Add(2)
	go c.relayLoop()
	go c.metricsLoop()

	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.RequestHeader)
	if err != nil {
		c.logger.Error().Err(err).Str("correlation_id", c.id.String()).Msg("websocket dial failed")
		return nil, err
	}
	conn.SetRTTObserver(c.health.ObserveRTT)
	c.logger.Info().
		Str("client_id", c.id.String()).
		Str("conn_id", conn.ID().String()).
		Msg("websocket connected")
	return conn, nil
}

func (c *Client) currentConn() *websocket.Conn { return c.connPtr.Load() }

// State returns the underlying connection's lifecycle state.
func (c *Client) State() string {
	if conn := c.currentConn(); conn != nil {
		return conn.State()
	}
	return "closed"
}

// Subprotocol returns the subprotocol selected during the most recent
// handshake.
func (c *Client) Subprotocol() string {
	if conn := c.currentConn(); conn != nil {
		return conn.Subprotocol()
	}
	return ""
}

// Metrics returns the current connection's raw counter snapshot.
func (c *Client) Metrics() websocket.MetricsSnapshot {
	if conn := c.currentConn(); conn != nil {
		return conn.Metrics()
	}
	return websocket.MetricsSnapshot{}
}

// Send writes a complete application message on the current connection.
func (c *Client) Send(ctx context.Context, mt websocket.MessageType, data []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, mt, data)
}

// SendText sends a Text message on the current connection.
func (c *Client) SendText(ctx context.Context, text string) error {
	return c.Send(ctx, websocket.TextMessage, []byte(text))
}

// SendBinary sends a Binary message on the current connection.
func (c *Client) SendBinary(ctx context.Context, data []byte) error {
	return c.Send(ctx, websocket.BinaryMessage, data)
}

// Receive blocks for the next delivered message, surviving reconnects
// transparently. Concurrent Receive/ReceiveAll calls fail with
// ErrInvalidState, matching websocket.Conn's contract.
func (c *Client) Receive(ctx context.Context) (websocket.Message, error) {
	if !c.recvGate.CompareAndSwap(false, true) {
		return websocket.Message{}, websocket.ErrInvalidState
	}
	defer c.recvGate.Store(false)

	select {
	case msg, ok := <-c.messages:
		if !ok {
			return websocket.Message{}, c.Err()
		}
		return msg, nil
	case <-ctx.Done():
		return websocket.Message{}, ctx.Err()
	}
}

// ReceiveAll calls fn for every delivered message, across reconnects,
// until ctx is done or the client finalizes.
func (c *Client) ReceiveAll(ctx context.Context, fn func(websocket.Message) error) error {
	if !c.recvGate.CompareAndSwap(false, true) {
		return websocket.ErrInvalidState
	}
	defer c.recvGate.Store(false)

	for {
		select {
		case msg, ok := <-c.messages:
			if !ok {
				return c.Err()
			}
			if err := fn(msg); err != nil {
				msg.Release()
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close performs a graceful close on the current connection and preempts
// any further reconnect (spec.md section 4.8: "Manual Close or Abort sets
// a 'manual close' flag that preempts the reconnect loop").
func (c *Client) Close(ctx context.Context, code websocket.CloseCode, reason string) error {
	c.manualClose.Store(true)
	if conn := c.currentConn(); conn != nil {
		_ = conn.Close(ctx, code, reason)
	} else {
		c.finalize(ErrNotConnected)
	}

	select {
	case <-c.closedCh:
		return c.closedErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort closes the current connection immediately, without a close
// handshake, and preempts any further reconnect.
func (c *Client) Abort() error {
	c.manualClose.Store(true)
	if conn := c.currentConn(); conn != nil {
		_ = conn.Abort()
	} else {
		c.finalize(ErrNotConnected)
	}
	<-c.closedCh
	return c.closedErr
}

// Done returns a channel closed exactly once, when the client has given up
// reconnecting or been manually closed.
func (c *Client) Done() <-chan struct{} { return c.closedCh }

// Err returns the terminal error once Done is closed; nil before that.
func (c *Client) Err() error {
	select {
	case <-c.closedCh:
		return c.closedErr
	default:
		return nil
	}
}

func (c *Client) finalize(err error) {
	c.finalizeOnce.Do(func() {
		if err == nil {
			err = websocket.ErrConnectionClosed
		}
		c.closedErr = err
		c.cancel()
		close(c.messages)
		close(c.closedCh)

		if c.events.OnClosed != nil {
			code := websocket.CloseAbnormalClosure
			reason := ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Reason
			}
			c.events.OnClosed(code, reason)
		}
	})
}

// relayLoop is the client's single reader: it pulls messages off the
// current connection and forwards them to Receive/ReceiveAll, consulting
// the reconnect loop whenever the current connection terminates.
// Grounded on tzrikka-timpani's relayMessages/replaceConn pair, replacing
// its unconditional endless-retry with backoff/jitter/close-code gating.
func (c *Client) relayLoop() {
	defer c.wg.Done()

	for {
		conn := c.currentConn()
		msg, err := conn.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if c.reconnect(err) {
				continue
			}
			c.finalize(err)
			return
		}

		select {
		case c.messages <- msg:
		case <-c.ctx.Done():
			msg.Release()
			return
		}
	}
}

// reconnect runs spec.md section 4.8's steps 1-4 for one disconnect: raise
// OnError, consult the policy, and retry the dial with backoff until it
// succeeds or the policy gives up. Returns true if a new connection is in
// place and the receive pump should resume.
func (c *Client) reconnect(err error) bool {
	c.logger.Warn().Err(err).Str("client_id", c.id.String()).Msg("websocket disconnected")
	if c.events.OnError != nil {
		c.events.OnError(err)
	}

	if c.manualClose.Load() {
		return false
	}
	if !websocket.IsRetryable(err) {
		c.logger.Info().Str("client_id", c.id.String()).Msg("terminal error is not retryable, giving up")
		return false
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && !c.policy.Reconnectable(closeErr.Code) {
		c.logger.Info().
			Str("client_id", c.id.String()).
			Int("close_code", int(closeErr.Code)).
			Msg("close code is not reconnectable, giving up")
		return false
	}

	for attempt := 1; ; attempt++ {
		if c.policy.exhausted(attempt) {
			return false
		}

		delay := c.policy.delay(attempt)
		if c.events.OnReconnecting != nil {
			c.events.OnReconnecting(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return false
		}

		if c.manualClose.Load() {
			return false
		}

		conn, dialErr := c.dial(c.ctx)
		if dialErr == nil {
			c.connPtr.Store(conn)
			if c.events.OnReconnected != nil {
				c.events.OnReconnected()
			}
			return true
		}
		if c.events.OnError != nil {
			c.events.OnError(dialErr)
		}
	}
}

// metricsLoop periodically publishes a health.Snapshot per spec.md section
// 4.9's publication gate, and raises OnConnectionQualityChanged whenever
// the derived band changes.
func (c *Client) metricsLoop() {
	defer c.wg.Done()

	tick := c.health.PollInterval()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ws := c.Metrics()
			if !c.health.ShouldPublish(ws) {
				continue
			}
			snap := c.health.Snapshot(ws)
			if c.events.OnMetricsUpdated != nil {
				c.events.OnMetricsUpdated(snap)
			}
			if c.health.BandChanged(snap.Band) && c.events.OnConnectionQualityChanged != nil {
				c.events.OnConnectionQualityChanged(snap.Band)
			}
		}
	}
}
