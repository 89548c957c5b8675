// Package config provides configuration types and loading for contextmesh.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Transport, Fusion, Presence, Session, Gateway.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Transport TransportConfig `json:"transport"`
	Fusion    FusionConfig    `json:"fusion"`
	Presence  PresenceConfig  `json:"presence"`
	Session   SessionConfig   `json:"session"`
	Gateway   GatewayConfig   `json:"gateway"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
	SessionDB string `json:"sessionDb" envconfig:"SESSION_DB"`
}

// ---------------------------------------------------------------------------
// Transport – pub/sub broker
// ---------------------------------------------------------------------------

// TransportConfig contains broker connection settings.
type TransportConfig struct {
	// Mode is "kafka" or "local". Local keeps everything in-process and is
	// the degraded single-device mode when no broker is reachable.
	Mode           string        `json:"mode" envconfig:"MODE"`
	KafkaBrokers   string        `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	ConsumerGroup  string        `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	PublishTimeout time.Duration `json:"publishTimeout" envconfig:"PUBLISH_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Fusion – context hub behaviour
// ---------------------------------------------------------------------------

// FusionConfig contains hub aggregation and resolution settings.
type FusionConfig struct {
	// DebounceWindow bounds broadcast amplitude under bursty input: updates
	// arriving within the window collapse into one integration pass.
	DebounceWindow time.Duration `json:"debounceWindow" envconfig:"DEBOUNCE_WINDOW"`
	// SweepInterval is how often expired frames and presence are removed.
	SweepInterval time.Duration `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
	// FrameTTL maps a device type name to the hard storage TTL for its
	// context frames. Missing types fall back to DefaultFrameTTL.
	FrameTTL        map[string]time.Duration `json:"frameTtl"`
	DefaultFrameTTL time.Duration            `json:"defaultFrameTtl" envconfig:"DEFAULT_FRAME_TTL"`
}

// ---------------------------------------------------------------------------
// Presence – heartbeat protocol
// ---------------------------------------------------------------------------

// PresenceConfig contains heartbeat and liveness settings.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeatInterval" envconfig:"HEARTBEAT_INTERVAL"`
	// Timeout marks a device offline after roughly three missed heartbeats.
	Timeout time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Session – continuity and handoff
// ---------------------------------------------------------------------------

// SessionConfig contains session retention and handoff settings.
type SessionConfig struct {
	HandoffTTL time.Duration `json:"handoffTtl" envconfig:"HANDOFF_TTL"`
	MaxTopics  int           `json:"maxTopics" envconfig:"MAX_TOPICS"`
	MaxItems   int           `json:"maxItems" envconfig:"MAX_ITEMS"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP query API
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:   "~/.contextmesh",
			SessionDB: "~/.contextmesh/sessions.db",
		},
		Transport: TransportConfig{
			Mode:           "local",
			KafkaBrokers:   "localhost:9092",
			ConsumerGroup:  "contextmesh",
			PublishTimeout: 10 * time.Second,
		},
		Fusion: FusionConfig{
			DebounceWindow: 100 * time.Millisecond,
			SweepInterval:  30 * time.Second,
			FrameTTL: map[string]time.Duration{
				"wearable":     2 * time.Minute,
				"smartglasses": 2 * time.Minute,
				"mobile":       5 * time.Minute,
				"web":          5 * time.Minute,
				"smarthome":    10 * time.Minute,
				"api":          10 * time.Minute,
				"assistant":    10 * time.Minute,
				"desktop":      15 * time.Minute,
			},
			DefaultFrameTTL: 5 * time.Minute,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 5 * time.Second,
			Timeout:           15 * time.Second,
		},
		Session: SessionConfig{
			HandoffTTL: 5 * time.Minute,
			MaxTopics:  20,
			MaxItems:   50,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18890,
		},
	}
}
