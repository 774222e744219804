// Package config loads Options / ReconnectPolicy / PerMessageDeflateOptions
// from YAML (spec.md section 3's ambient config stack), via gopkg.in/yaml.v3
// — the config library already in the teacher's go.mod, used there to
// marshal/unmarshal its OpenAPI fixtures (openapi/types.go).
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arcwire/wsengine/client"
	"github.com/arcwire/wsengine/metrics"
	"github.com/arcwire/wsengine/websocket"
)

// Duration unmarshals a YAML scalar like "10s" or "500ms" via
// time.ParseDuration, since yaml.v3 has no built-in time.Duration support.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// PerMessageDeflateConfig mirrors websocket.PerMessageDeflateOptions.
type PerMessageDeflateConfig struct {
	Enabled                 bool `yaml:"enabled"`
	ServerNoContextTakeover bool `yaml:"server_no_context_takeover"`
	ClientNoContextTakeover bool `yaml:"client_no_context_takeover"`
	ServerMaxWindowBits     int  `yaml:"server_max_window_bits"`
	ClientMaxWindowBits     int  `yaml:"client_max_window_bits"`
	CompressionThreshold    int  `yaml:"compression_threshold"`
	Level                   int  `yaml:"level"`
}

// ToOptions converts the YAML shape to websocket.PerMessageDeflateOptions.
func (c PerMessageDeflateConfig) ToOptions() websocket.PerMessageDeflateOptions {
	return websocket.PerMessageDeflateOptions{
		Enabled:                 c.Enabled,
		ServerNoContextTakeover: c.ServerNoContextTakeover,
		ClientNoContextTakeover: c.ClientNoContextTakeover,
		ServerMaxWindowBits:     c.ServerMaxWindowBits,
		ClientMaxWindowBits:     c.ClientMaxWindowBits,
		CompressionThreshold:    c.CompressionThreshold,
		Level:                   c.Level,
	}
}

// ReconnectPolicyConfig mirrors client.ReconnectPolicy (minus the
// Reconnectable predicate, which has no YAML-expressible form; callers
// that need a non-default gate set it on the returned client.ReconnectPolicy
// after loading).
type ReconnectPolicyConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       float64  `yaml:"jitter"`
}

func (c ReconnectPolicyConfig) ToPolicy() client.ReconnectPolicy {
	return client.ReconnectPolicy{
		MaxRetries:   c.MaxRetries,
		InitialDelay: time.Duration(c.InitialDelay),
		MaxDelay:     time.Duration(c.MaxDelay),
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
	}
}

// MetricsConfig mirrors metrics.Config.
type MetricsConfig struct {
	UpdateInterval        Duration `yaml:"update_interval"`
	UpdateMessageInterval int64    `yaml:"update_message_interval"`
}

func (c MetricsConfig) ToConfig() metrics.Config {
	return metrics.Config{
		UpdateInterval:        time.Duration(c.UpdateInterval),
		UpdateMessageInterval: c.UpdateMessageInterval,
	}
}

// FileConfig is the top-level YAML document shape, covering spec.md
// section 6's "Configuration (enumerated)" table.
type FileConfig struct {
	URL string `yaml:"url"`

	MaxFrameSize            int64 `yaml:"max_frame_size"`
	MaxMessageSize          int64 `yaml:"max_message_size"`
	MaxFragmentCount        int   `yaml:"max_fragment_count"`
	FragmentationThreshold  int   `yaml:"fragmentation_threshold"`
	ReceiveQueueCapacity    int   `yaml:"receive_queue_capacity"`

	HandshakeTimeout      Duration `yaml:"handshake_timeout"`
	CloseHandshakeTimeout Duration `yaml:"close_handshake_timeout"`
	PingInterval          Duration `yaml:"ping_interval"`
	PongTimeout           Duration `yaml:"pong_timeout"`
	IdleTimeout           Duration `yaml:"idle_timeout"`

	SubProtocols                []string `yaml:"subprotocols"`
	RequireNegotiatedExtensions bool     `yaml:"require_negotiated_extensions"`

	PerMessageDeflate PerMessageDeflateConfig `yaml:"permessage_deflate"`
	ReconnectPolicy   ReconnectPolicyConfig   `yaml:"reconnect_policy"`
	Metrics           MetricsConfig           `yaml:"metrics"`
}

// Load decodes a FileConfig from r.
func Load(r io.Reader) (FileConfig, error) {
	var fc FileConfig
	if err := yaml.NewDecoder(r).Decode(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("config: decode: %w", err)
	}
	return fc, nil
}

// LoadFile decodes a FileConfig from the YAML file at path.
func LoadFile(path string) (FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// WebsocketOptions converts fc to websocket.Options, ready to pass to
// client.Config.Options or websocket.Dialer.Options.
func (fc FileConfig) WebsocketOptions() websocket.Options {
	return websocket.Options{
		MaxFrameSize:                fc.MaxFrameSize,
		MaxMessageSize:              fc.MaxMessageSize,
		MaxFragmentCount:            fc.MaxFragmentCount,
		FragmentationThreshold:      fc.FragmentationThreshold,
		ReceiveQueueCapacity:        fc.ReceiveQueueCapacity,
		HandshakeTimeout:            time.Duration(fc.HandshakeTimeout),
		CloseHandshakeTimeout:       time.Duration(fc.CloseHandshakeTimeout),
		PingInterval:                time.Duration(fc.PingInterval),
		PongTimeout:                 time.Duration(fc.PongTimeout),
		IdleTimeout:                 time.Duration(fc.IdleTimeout),
		SubProtocols:                fc.SubProtocols,
		PerMessageDeflate:           fc.PerMessageDeflate.ToOptions(),
		RequireNegotiatedExtensions: fc.RequireNegotiatedExtensions,
	}
}

// ClientConfig converts fc to a client.Config with the given Events
// attached (they have no YAML-expressible form), ready for client.Dial.
// Logger is left nil; set it on the result when needed.
func (fc FileConfig) ClientConfig(events client.Events) client.Config {
	return client.Config{
		URL:             fc.URL,
		Options:         fc.WebsocketOptions(),
		ReconnectPolicy: fc.ReconnectPolicy.ToPolicy(),
		MetricsConfig:   fc.Metrics.ToConfig(),
		Events:          events,
	}
}
