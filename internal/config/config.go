// Package config loads a node's process configuration using koanf/v2:
// defaults layered first, a YAML file on top, environment variable
// overrides on top of that, then validated.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dsmesh/mesh/internal/wire"
)

// Config holds a node process's complete configuration.
type Config struct {
	Node    NodeConfig    `koanf:"node"`
	Trace   TraceConfig   `koanf:"trace"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// NodeConfig is this node's own identity and dial behavior.
type NodeConfig struct {
	// Name and Category together form this node's wire.NodeID.
	Name     string `koanf:"name"`
	Category string `koanf:"category"`

	// ListenAddr is this node's own inbound RPC address (empty means
	// this node accepts no inbound connections and is reachable, if at
	// all, only via a relay).
	ListenAddr string `koanf:"listen_addr"`
	// PublicAddr is the address announced to peers for dialing back;
	// defaults to ListenAddr when unset.
	PublicAddr string `koanf:"public_addr"`
	// RelayVia names a node other peers should route through when this
	// node has no directly reachable address.
	RelayVia string `koanf:"relay_via"`

	// ConnectTo is the lookup endpoint this node actively dials on
	// startup.
	ConnectTo string `koanf:"connect_to"`
	// RetryDelayInitial and RetryDelayMax bound the reconnection backoff
	// schedule.
	RetryDelayInitial time.Duration `koanf:"retry_delay_initial"`
	RetryDelayMax     time.Duration `koanf:"retry_delay_max"`

	// MaxInboundConns bounds concurrently accepted peer connections
	// (golang.org/x/net/netutil.LimitListener in internal/rpctransport).
	MaxInboundConns int `koanf:"max_inbound_conns"`
}

// TraceConfig gates diagnostic log verbosity (Trace.Session: 0=off,
// 1=lifecycle, 2=+announcements).
type TraceConfig struct {
	Session int `koanf:"session"`
}

// MetricsConfig is the Prometheus metrics endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// DefaultConfig returns a Config with conservative, runnable defaults: no
// listen address, no outbound peer, trace off.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Category:          "node",
			RetryDelayInitial: 200 * time.Millisecond,
			RetryDelayMax:     30 * time.Second,
			MaxInboundConns:   256,
		},
		Trace: TraceConfig{Session: 0},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// envPrefix is the environment variable prefix for this daemon's
// configuration. Variables are named MESHNODE_<section>_<key>, e.g.
// MESHNODE_NODE_CONNECT_TO.
const envPrefix = "MESHNODE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides, and merges on top of DefaultConfig(). An empty path
// skips the file layer (defaults + environment only).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Node.PublicAddr == "" {
		cfg.Node.PublicAddr = cfg.Node.ListenAddr
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", wire.ErrConfigError, err)
	}
	return cfg, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"node.category":            d.Node.Category,
		"node.retry_delay_initial": d.Node.RetryDelayInitial.String(),
		"node.retry_delay_max":     d.Node.RetryDelayMax.String(),
		"node.max_inbound_conns":   d.Node.MaxInboundConns,
		"trace.session":            d.Trace.Session,
		"metrics.addr":             d.Metrics.Addr,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

var (
	// ErrEmptyNodeName indicates node.name was never set.
	ErrEmptyNodeName = errors.New("node.name must not be empty")
	// ErrInvalidRetryBounds indicates the backoff schedule is nonsensical.
	ErrInvalidRetryBounds = errors.New("node.retry_delay_initial must be > 0 and <= node.retry_delay_max")
)

// Validate checks cfg for malformed-configuration cases and returns the
// bare ErrEmptyNodeName/ErrInvalidRetryBounds; Load wraps a failure in
// wire.ErrConfigError.
func Validate(cfg *Config) error {
	if cfg.Node.Name == "" {
		return ErrEmptyNodeName
	}
	if cfg.Node.RetryDelayInitial <= 0 || cfg.Node.RetryDelayInitial > cfg.Node.RetryDelayMax {
		return ErrInvalidRetryBounds
	}
	return nil
}
