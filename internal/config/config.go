// Package config loads BrokerConfig from an optional YAML file and
// overlays MQTT_BROKER_* environment variables, grounded on
// haivivi-giztoy (gopkg.in/yaml.v3 file config) and absmach-magistrala
// (caarlos0/env/v7 struct-tag env binding) — the teacher is a dialed
// client, not a daemon, and carries no config loader of its own.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v7"
	"gopkg.in/yaml.v3"
)

// BrokerConfig covers every "Configuration options recognized" entry in
// spec.md §6, plus the storage/listener/cluster settings a runnable daemon
// needs that the distilled spec left implicit.
type BrokerConfig struct {
	// Cluster config, spec.md §6.
	HeartbeatTimeoutMs   uint32  `yaml:"heartbeat_timeout_ms" env:"HEARTBEAT_TIMEOUT_MS" envDefault:"30000"`
	HeartbeatCheckTimeMs uint32  `yaml:"heartbeat_check_time_ms" env:"HEARTBEAT_CHECK_TIME_MS" envDefault:"1000"`
	MaxPacketSize        uint32  `yaml:"max_packet_size" env:"MAX_PACKET_SIZE" envDefault:"268435456"`
	ClusterMaxQoS        uint8   `yaml:"cluster_max_qos" env:"CLUSTER_MAX_QOS" envDefault:"2"`
	SecretFreeLogin      bool    `yaml:"secret_free_login" env:"SECRET_FREE_LOGIN" envDefault:"false"`
	HeartbeatGraceFactor float64 `yaml:"heartbeat_grace_factor" env:"HEARTBEAT_GRACE_FACTOR" envDefault:"2.0"`

	// QoS state machine, spec.md §4.6.
	AckTimeoutMs   uint32 `yaml:"ack_timeout_ms" env:"ACK_TIMEOUT_MS" envDefault:"30000"`
	MaxAckRetries  int    `yaml:"max_ack_retries" env:"MAX_ACK_RETRIES" envDefault:"3"`
	MaxPubrelRetries int  `yaml:"max_pubrel_retries" env:"MAX_PUBREL_RETRIES" envDefault:"5"`

	// Lifecycle GC, spec.md §4.8.
	GCIntervalMs int `yaml:"gc_interval_ms" env:"GC_INTERVAL_MS" envDefault:"1000"`

	// Storage (domain addition, C1).
	StorageKind string `yaml:"storage_kind" env:"STORAGE_KIND" envDefault:"memory"` // "memory" or "bbolt"
	StorageDir  string `yaml:"storage_dir" env:"STORAGE_DIR" envDefault:"./data/storage.db"`

	// Cluster / Raft placement-center stand-in (domain addition).
	NodeID        string `yaml:"node_id" env:"NODE_ID" envDefault:"node-1"`
	RaftBindAddr  string `yaml:"raft_bind_addr" env:"RAFT_BIND_ADDR" envDefault:"127.0.0.1:7000"`
	RaftDataDir   string `yaml:"raft_data_dir" env:"RAFT_DATA_DIR" envDefault:"./data/raft"`

	// Listener (domain addition — out of scope for the core per spec.md
	// §2, but a runnable daemon needs somewhere to accept connections).
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR" envDefault:"0.0.0.0:1883"`

	// Metrics.
	MetricsListenAddr string `yaml:"metrics_listen_addr" env:"METRICS_LISTEN_ADDR" envDefault:"0.0.0.0:9464"`
}

// Load reads path (if it exists) as YAML into a BrokerConfig seeded with
// its env defaults, then overlays any MQTT_BROKER_* environment variables
// on top — the same file-then-env layering haivivi-giztoy's config loader
// uses.
func Load(path string) (*BrokerConfig, error) {
	cfg := &BrokerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env defaults: %w", err)
	}

	if path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(body, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: "MQTT_BROKER_"}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parse env overlay: %w", err)
	}
	return cfg, nil
}
