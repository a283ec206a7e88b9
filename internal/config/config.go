package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/routefabric/meshd/internal/schema"
)

type Config struct {
	Node    NodeConfig    `koanf:"node"`
	Service ServiceConfig `koanf:"service"`
	Mesh    MeshConfig    `koanf:"mesh"`
	Peers   []PeerConfig  `koanf:"peers"`
	Routes  []RouteConfig `koanf:"routes"`
	Journal JournalConfig `koanf:"journal"`
	Events  EventsConfig  `koanf:"events"`
}

// NodeConfig is this node's fabric identity.
type NodeConfig struct {
	Name     string   `koanf:"name"`
	Endpoint string   `koanf:"endpoint"`
	Domains  []string `koanf:"domains"`
}

type ServiceConfig struct {
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type MeshConfig struct {
	Listen                   string `koanf:"listen"`
	DialTimeoutSeconds       int    `koanf:"dial_timeout_seconds"`
	SendTimeoutSeconds       int    `koanf:"send_timeout_seconds"`
	HeartbeatIntervalSeconds int    `koanf:"heartbeat_interval_seconds"`
	TickIntervalSeconds      int    `koanf:"tick_interval_seconds"`
	RedialInitialMs          int    `koanf:"redial_initial_ms"`
	RedialMaxMs              int    `koanf:"redial_max_ms"`
	SendQueueSize            int    `koanf:"send_queue_size"`
}

// PeerConfig is a bootstrap neighbor registration, applied as a
// LocalPeerCreate on startup.
type PeerConfig struct {
	Name      string   `koanf:"name"`
	Endpoint  string   `koanf:"endpoint"`
	Domains   []string `koanf:"domains"`
	PeerToken string   `koanf:"peer_token"`
}

// RouteConfig is a bootstrap local route, applied as a
// LocalRouteCreate on startup.
type RouteConfig struct {
	Name     string   `koanf:"name"`
	Protocol string   `koanf:"protocol"`
	Endpoint string   `koanf:"endpoint"`
	Region   string   `koanf:"region"`
	Tags     []string `koanf:"tags"`
}

type JournalConfig struct {
	Enabled          bool   `koanf:"enabled"`
	DSN              string `koanf:"dsn"`
	MaxConns         int32  `koanf:"max_conns"`
	MinConns         int32  `koanf:"min_conns"`
	BatchSize        int    `koanf:"batch_size"`
	FlushIntervalMs  int    `koanf:"flush_interval_ms"`
	BufferSize       int    `koanf:"buffer_size"`
	CompressPayloads bool   `koanf:"compress_payloads"`
	CompressMinBytes int    `koanf:"compress_min_bytes"`
	RetentionDays    int    `koanf:"retention_days"`
}

type EventsConfig struct {
	Enabled    bool     `koanf:"enabled"`
	Brokers    []string `koanf:"brokers"`
	Topic      string   `koanf:"topic"`
	ClientID   string   `koanf:"client_id"`
	BufferSize int      `koanf:"buffer_size"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MESHD_MESH__LISTEN → mesh.listen
	if err := k.Load(env.Provider("MESHD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MESHD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Mesh: MeshConfig{
			Listen:                   ":7400",
			DialTimeoutSeconds:       10,
			SendTimeoutSeconds:       10,
			HeartbeatIntervalSeconds: 15,
			TickIntervalSeconds:      30,
			RedialInitialMs:          500,
			RedialMaxMs:              30000,
			SendQueueSize:            256,
		},
		Journal: JournalConfig{
			MaxConns:         10,
			MinConns:         1,
			BatchSize:        200,
			FlushIntervalMs:  200,
			BufferSize:       1024,
			CompressPayloads: true,
			CompressMinBytes: 4096,
			RetentionDays:    30,
		},
		Events: EventsConfig{
			Topic:      "meshd.commits",
			ClientID:   "meshd",
			BufferSize: 1024,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Events.Brokers) == 1 && strings.Contains(cfg.Events.Brokers[0], ",") {
		cfg.Events.Brokers = strings.Split(cfg.Events.Brokers[0], ",")
	}
	if len(cfg.Node.Domains) == 1 && strings.Contains(cfg.Node.Domains[0], ",") {
		cfg.Node.Domains = strings.Split(cfg.Node.Domains[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("config: node.name is required")
	}
	if c.Node.Endpoint == "" {
		return fmt.Errorf("config: node.endpoint is required")
	}
	if c.Mesh.Listen == "" {
		return fmt.Errorf("config: mesh.listen is required")
	}
	if c.Mesh.DialTimeoutSeconds <= 0 {
		return fmt.Errorf("config: mesh.dial_timeout_seconds must be > 0 (got %d)", c.Mesh.DialTimeoutSeconds)
	}
	if c.Mesh.SendTimeoutSeconds <= 0 {
		return fmt.Errorf("config: mesh.send_timeout_seconds must be > 0 (got %d)", c.Mesh.SendTimeoutSeconds)
	}
	if c.Mesh.HeartbeatIntervalSeconds < 0 {
		return fmt.Errorf("config: mesh.heartbeat_interval_seconds must be >= 0 (got %d)", c.Mesh.HeartbeatIntervalSeconds)
	}
	if c.Mesh.TickIntervalSeconds < 0 {
		return fmt.Errorf("config: mesh.tick_interval_seconds must be >= 0 (got %d)", c.Mesh.TickIntervalSeconds)
	}
	if c.Mesh.RedialInitialMs <= 0 {
		return fmt.Errorf("config: mesh.redial_initial_ms must be > 0 (got %d)", c.Mesh.RedialInitialMs)
	}
	if c.Mesh.RedialMaxMs < c.Mesh.RedialInitialMs {
		return fmt.Errorf("config: mesh.redial_max_ms (%d) must be >= mesh.redial_initial_ms (%d)",
			c.Mesh.RedialMaxMs, c.Mesh.RedialInitialMs)
	}
	if c.Mesh.SendQueueSize <= 0 {
		return fmt.Errorf("config: mesh.send_queue_size must be > 0 (got %d)", c.Mesh.SendQueueSize)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	for i, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("config: peers[%d].name is required", i)
		}
		if p.Name == c.Node.Name {
			return fmt.Errorf("config: peers[%d].name %q is this node's own name", i, p.Name)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("config: peers[%d].endpoint is required", i)
		}
	}
	for i, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("config: routes[%d].name is required", i)
		}
		if !schema.Protocol(r.Protocol).Valid() {
			return fmt.Errorf("config: routes[%d].protocol %q is invalid", i, r.Protocol)
		}
		if r.Endpoint == "" {
			return fmt.Errorf("config: routes[%d].endpoint is required", i)
		}
	}
	if c.Journal.Enabled {
		if c.Journal.DSN == "" {
			return fmt.Errorf("config: journal.dsn is required when journal.enabled")
		}
		if c.Journal.BatchSize <= 0 {
			return fmt.Errorf("config: journal.batch_size must be > 0 (got %d)", c.Journal.BatchSize)
		}
		if c.Journal.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: journal.flush_interval_ms must be > 0 (got %d)", c.Journal.FlushIntervalMs)
		}
		if c.Journal.BufferSize <= 0 {
			return fmt.Errorf("config: journal.buffer_size must be > 0 (got %d)", c.Journal.BufferSize)
		}
		if c.Journal.MaxConns <= 0 {
			return fmt.Errorf("config: journal.max_conns must be > 0 (got %d)", c.Journal.MaxConns)
		}
		if c.Journal.MinConns < 0 {
			return fmt.Errorf("config: journal.min_conns must be >= 0 (got %d)", c.Journal.MinConns)
		}
		if c.Journal.RetentionDays <= 0 {
			return fmt.Errorf("config: journal.retention_days must be > 0 (got %d)", c.Journal.RetentionDays)
		}
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("config: events.brokers is required when events.enabled")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("config: events.topic is required when events.enabled")
		}
		if c.Events.BufferSize <= 0 {
			return fmt.Errorf("config: events.buffer_size must be > 0 (got %d)", c.Events.BufferSize)
		}
	}
	return nil
}

// SelfInfo returns this node's PeerInfo as announced to peers.
func (c *Config) SelfInfo() schema.PeerInfo {
	return schema.PeerInfo{
		Name:     c.Node.Name,
		Endpoint: c.Node.Endpoint,
		Domains:  c.Node.Domains,
	}
}
