package client

import (
	"math/rand/v2"
	"time"

	"github.com/arcwire/wsengine/websocket"
)

// ReconnectPolicy governs the resilient Client's reconnect-on-failure
// behavior (spec.md section 4.8). Grounded on spec.md's "ReconnectPolicy"
// configuration entry (section 6): maxRetries, initialDelay, maxDelay,
// multiplier, jitter, per-code predicate.
type ReconnectPolicy struct {
	// MaxRetries caps reconnect attempts after a disconnect; -1 means
	// infinite.
	MaxRetries int
	// InitialDelay is delay_1 before jitter.
	InitialDelay time.Duration
	// MaxDelay bounds every computed delay, before and after jitter.
	MaxDelay time.Duration
	// Multiplier grows the delay geometrically: delay_n = initialDelay *
	// multiplier^(n-1), clamped to MaxDelay.
	Multiplier float64
	// Jitter is the symmetric jitter fraction applied to each computed
	// delay, i.e. the result is uniformly drawn from
	// [delay*(1-Jitter), delay*(1+Jitter)], clamped to [0, MaxDelay].
	Jitter float64
	// Reconnectable decides whether a given close code permits a
	// reconnect attempt. Nil is replaced by DefaultReconnectPolicy's
	// predicate (DefaultReconnectableCodes). The Client consults it only
	// after websocket.IsRetryable has accepted the error; errors that never
	// produced a CloseError (e.g. a dial failure) are not gated by this
	// predicate at all.
	Reconnectable func(code websocket.CloseCode) bool
}

// DefaultReconnectableCodes are the close codes DefaultReconnectPolicy
// reconnects on: 1001 (going away), 1006 (abnormal closure, i.e. the
// connection dropped without a close frame), 1011 (internal server error).
var DefaultReconnectableCodes = map[websocket.CloseCode]bool{
	websocket.CloseGoingAway:         true,
	websocket.CloseAbnormalClosure:   true,
	websocket.CloseInternalServerErr: true,
}

// DefaultReconnectPolicy matches spec.md section 4.8's example gate
// ("reconnect only for 1001/1006/1011 by default") and a conventional
// exponential-backoff-with-jitter cadence.
var DefaultReconnectPolicy = ReconnectPolicy{
	MaxRetries:   -1,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
	Jitter:       0.2,
	Reconnectable: func(code websocket.CloseCode) bool {
		return DefaultReconnectableCodes[code]
	},
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy
	if p.MaxRetries != 0 {
		d.MaxRetries = p.MaxRetries
	}
	if p.InitialDelay != 0 {
		d.InitialDelay = p.InitialDelay
	}
	if p.MaxDelay != 0 {
		d.MaxDelay = p.MaxDelay
	}
	if p.Multiplier != 0 {
		d.Multiplier = p.Multiplier
	}
	if p.Jitter != 0 {
		d.Jitter = p.Jitter
	}
	if p.Reconnectable != nil {
		d.Reconnectable = p.Reconnectable
	}
	return d
}

// delay computes delay_n for attempt n (1-based): min(maxDelay,
// initialDelay * multiplier^(n-1)), then applies symmetric jitter in
// [-jitter*delay_n, +jitter*delay_n], clamped to [0, maxDelay]
// (spec.md section 4.8, step 2, verbatim).
func (p ReconnectPolicy) delay(n int) time.Duration {
	base := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		base *= p.Multiplier
		if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
			base = max
			break
		}
	}
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		spread := base * p.Jitter
		base += (rand.Float64()*2 - 1) * spread
	}
	if base < 0 {
		base = 0
	}
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	return time.Duration(base)
}

// exhausted reports whether attempt n has used up the retry budget.
func (p ReconnectPolicy) exhausted(n int) bool {
	return p.MaxRetries >= 0 && n > p.MaxRetries
}
