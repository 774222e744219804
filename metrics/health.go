// Package metrics implements the health monitor described in spec.md
// section 4.9: a lock-based (not lock-free) counter/RTT collector that
// derives baseline/windowed RTT, loss rate, and a banded quality score from
// a connection's metrics snapshot and keepalive RTT samples. A lock is
// chosen over atomics for the derived statistics because stddev/mean over a
// sliding window needs a consistent read of several fields together; a
// torn read across separate atomics would produce a nonsensical stddev,
// which is exactly the failure mode spec.md's "avoids torn 64-bit reads on
// constrained targets" note warns about.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/arcwire/wsengine/websocket"
)

// Band is a connection quality band, coarsened from the continuous quality
// score so subscribers only hear about it when it actually changes.
type Band int

const (
	// BandUnknown is the zero value: no Snapshot has been computed yet, so
	// no quality band has been derived.
	BandUnknown Band = iota
	BandExcellent
	BandGood
	BandFair
	BandPoor
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandUnknown:
		return "unknown"
	case BandExcellent:
		return "excellent"
	case BandGood:
		return "good"
	case BandFair:
		return "fair"
	case BandPoor:
		return "poor"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// bandFor maps a quality score in [0,1] to its band per spec.md section 4.9:
// >=0.9 Excellent, >=0.7 Good, >=0.5 Fair, >=0.3 Poor, else Critical.
func bandFor(score float64) Band {
	switch {
	case score >= 0.9:
		return BandExcellent
	case score >= 0.7:
		return BandGood
	case score >= 0.5:
		return BandFair
	case score >= 0.3:
		return BandPoor
	default:
		return BandCritical
	}
}

// windowSize bounds the RTT window used for the windowed mean/stddev
// (spec.md: "mean and stddev over the most recent 10 samples").
const windowSize = 10

// baselineSamples is the number of leading RTT samples averaged into the
// baseline (spec.md: "mean of the first three RTT samples").
const baselineSamples = 3

// Config bounds how often a snapshot is published, per spec.md section 4.9.
type Config struct {
	// UpdateInterval publishes a snapshot once this much time has elapsed
	// since the last publication, regardless of message volume.
	UpdateInterval time.Duration
	// UpdateMessageInterval publishes a snapshot once this many message
	// events (sent + received) have accumulated since the last publication.
	UpdateMessageInterval int64
}

// DefaultConfig matches the cadence a typical keepalive-driven connection
// would want: frequent enough to catch a degrading link, not so frequent
// it dominates the event stream.
var DefaultConfig = Config{
	UpdateInterval:        10 * time.Second,
	UpdateMessageInterval: 100,
}

// Snapshot is a derived health reading (spec.md section 4.9), pairing the
// connection's raw counters with the RTT/loss/quality statistics computed
// from them.
type Snapshot struct {
	Metrics websocket.MetricsSnapshot

	BaselineRTT time.Duration
	WindowedRTT time.Duration
	JitterRTT   time.Duration // stddev of the windowed samples
	LossRate    float64
	Score       float64
	Band        Band
}

// Collector accumulates RTT samples from a connection's keepalive pings and
// derives health snapshots from them plus the connection's own counters.
// Not safe for use by more than one connection; the resilient client owns
// one Collector per logical connection and re-wires it across reconnects.
type Collector struct {
	cfg Config

	mu       sync.Mutex
	window   []time.Duration // ring-like append, trimmed to windowSize
	baseline time.Duration
	nBase    int

	lastPublishAt  time.Time
	lastPublishMsg int64
	haveBand       bool
	lastBand       Band
}

// NewCollector returns a Collector using cfg; a zero Config is replaced
// with DefaultConfig.
func NewCollector(cfg Config) *Collector {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultConfig.UpdateInterval
	}
	if cfg.UpdateMessageInterval <= 0 {
		cfg.UpdateMessageInterval = DefaultConfig.UpdateMessageInterval
	}
	return &Collector{cfg: cfg, lastPublishAt: time.Now()}
}

// PollInterval is how often a caller should re-check ShouldPublish: a
// fraction of the configured UpdateInterval, so the message-count gate
// isn't starved by a coarse ticker, floored at 1 second.
func (c *Collector) PollInterval() time.Duration {
	tick := c.cfg.UpdateInterval / 5
	if tick < time.Second {
		tick = time.Second
	}
	return tick
}

// ObserveRTT feeds one keepalive RTT sample, wired via Conn.SetRTTObserver.
func (c *Collector) ObserveRTT(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nBase < baselineSamples {
		// Running mean of the leading samples, without keeping them
		// around past their contribution to the baseline.
		c.baseline = (c.baseline*time.Duration(c.nBase) + d) / time.Duration(c.nBase+1)
		c.nBase++
	}

	c.window = append(c.window, d)
	if len(c.window) > windowSize {
		c.window = c.window[len(c.window)-windowSize:]
	}
}

// ShouldPublish reports whether a new Snapshot should be published given
// the connection's current counters, gated on message count or elapsed
// time since the last publication (spec.md section 4.9).
func (c *Collector) ShouldPublish(ws websocket.MetricsSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := ws.MessagesSent + ws.MessagesReceived
	if total-c.lastPublishMsg >= c.cfg.UpdateMessageInterval {
		return true
	}
	return time.Since(c.lastPublishAt) >= c.cfg.UpdateInterval
}

// Snapshot computes a health Snapshot from the connection's current
// counters and the RTT samples observed so far, and marks the publication
// point used by ShouldPublish.
func (c *Collector) Snapshot(ws websocket.MetricsSnapshot) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastPublishAt = time.Now()
	c.lastPublishMsg = ws.MessagesSent + ws.MessagesReceived

	mean, stddev := windowStats(c.window)

	var lossRate float64
	if ws.PingsSent > 0 {
		lost := ws.PingsSent - ws.PongsReceived
		if lost < 0 {
			lost = 0
		}
		lossRate = float64(lost) / float64(ws.PingsSent)
	}

	ratio := 1.0
	if mean > 0 {
		ratio = float64(c.baseline) / float64(mean)
	}
	ratio = clamp(ratio, 0, 1)

	score := 0.6*ratio + 0.4*(1-lossRate)
	band := bandFor(score)

	return Snapshot{
		Metrics:     ws,
		BaselineRTT: c.baseline,
		WindowedRTT: mean,
		JitterRTT:   stddev,
		LossRate:    lossRate,
		Score:       score,
		Band:        band,
	}
}

// BandChanged records band as the most recently published band and reports
// whether it differs from the previously published one (spec.md: "Emitted
// only when the band changes"). The first call always reports changed.
func (c *Collector) BandChanged(band Band) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveBand && c.lastBand == band {
		return false
	}
	c.haveBand = true
	c.lastBand = band
	return true
}

func windowStats(samples []time.Duration) (mean, stddev time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	mean = sum / time.Duration(len(samples))

	var sqDiff float64
	for _, s := range samples {
		d := float64(s - mean)
		sqDiff += d * d
	}
	variance := sqDiff / float64(len(samples))
	stddev = time.Duration(math.Sqrt(variance))
	return mean, stddev
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
