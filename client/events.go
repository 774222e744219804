package client

import (
	"time"

	"github.com/arcwire/wsengine/metrics"
	"github.com/arcwire/wsengine/websocket"
)

// Events are the resilient client's lifecycle and observability hooks
// (spec.md section 4.8's {OnConnecting, OnReconnecting, OnReconnected},
// plus the connection-quality/metrics observables of section 6's
// "Observable events" that don't duplicate the message-delivery contract
// already exposed via Receive/ReceiveAll). Any field may be left nil.
type Events struct {
	// OnConnecting fires immediately before the first dial attempt.
	OnConnecting func()
	// OnReconnecting fires before each reconnect attempt, with the
	// 1-based attempt number and the delay about to be waited out.
	OnReconnecting func(attempt int, delay time.Duration)
	// OnReconnected fires once a reconnect attempt succeeds, before the
	// receive pump resumes.
	OnReconnected func()
	// OnError fires for every terminal error observed on the underlying
	// connection, whether or not a reconnect follows it (spec.md section
	// 4.8, step 1: "Raise OnError with the terminal error").
	OnError func(error)
	// OnMetricsUpdated fires when the health monitor publishes a new
	// snapshot (spec.md section 4.9).
	OnMetricsUpdated func(metrics.Snapshot)
	// OnConnectionQualityChanged fires when the quality band changes.
	OnConnectionQualityChanged func(metrics.Band)
	// OnClosed fires exactly once, when the client gives up reconnecting
	// or Close/Abort is called.
	OnClosed func(code websocket.CloseCode, reason string)
}
