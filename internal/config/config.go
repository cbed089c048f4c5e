// Package config provides configuration loading, validation, and hot-reload
// for the Templar gateway.
//
// Configuration file: /etc/templar-gateway/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Gateway listens for SIGHUP and watches the config file (Watch).
//   - On either trigger: re-read and re-validate config.yaml.
//   - A valid new config is logged but not applied: the running
//     components keep the values they started with, and every change
//     (timeouts, caps, log level, listen address, store path) takes
//     effect only after a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The gateway does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (timeouts, caps, thresholds).
//   - Invalid config on startup: gateway refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the gateway. All fields
// have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// GatewayID is a unique identifier for this gateway instance. Used in
	// log fields.
	GatewayID string `yaml:"gateway_id"`

	// Listener configures the node-facing wire protocol listener.
	Listener ListenerConfig `yaml:"listener"`

	// Registry configures the Node Registry.
	Registry RegistryConfig `yaml:"registry"`

	// Health configures the Health Monitor.
	Health HealthConfig `yaml:"health"`

	// Delegation configures the Delegation Manager.
	Delegation DelegationConfig `yaml:"delegation"`

	// Store configures the optional durable delegation-event sink.
	Store StoreConfig `yaml:"store"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// ListenerConfig holds the node-facing TCP listener's parameters.
type ListenerConfig struct {
	// Addr is the TCP listen address for node connections.
	// Default: 0.0.0.0:7790.
	Addr string `yaml:"addr"`

	// AuthToken is the shared bearer token every connecting node's
	// preamble must match. Required; no default.
	AuthToken string `yaml:"auth_token"`

	// MaxConnections caps concurrently accepted node connections.
	// Default: 256.
	MaxConnections int `yaml:"max_connections"`

	// MaxFrameBytes caps a single wire frame's encoded size. A frame
	// exceeding this is a ProtocolViolation. Default: 1048576 (1 MiB).
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// RegistryConfig holds Node Registry parameters.
type RegistryConfig struct {
	// RequireAgentType is loaded and defaults to true, but nothing in the
	// gateway reads it: Registry.Register rejects a node that declares
	// zero agent types whatever this is set to.
	RequireAgentType bool `yaml:"require_agent_type"`
}

// HealthConfig holds Health Monitor parameters.
type HealthConfig struct {
	// SweepInterval is the period between liveness sweeps. A node that
	// misses one full interval without a pong is declared dead.
	// Default: 15s.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DelegationConfig holds Delegation Manager parameters.
type DelegationConfig struct {
	// MaxActiveDelegations caps delegations in flight gateway-wide.
	// Default: 100.
	MaxActiveDelegations int `yaml:"max_active_delegations"`

	// MaxPerNodeDelegations caps delegations in flight per origin node.
	// Default: 10.
	MaxPerNodeDelegations int `yaml:"max_per_node_delegations"`

	// MaxDelegationTTL is the hard ceiling a delegation may remain
	// active before the sweep cancels it regardless of its own
	// timeoutMs. Default: 10m.
	MaxDelegationTTL time.Duration `yaml:"max_delegation_ttl"`

	// SweepInterval is the period between TTL-expiry sweeps. Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MinNodeTimeout is the floor on the per-target time budget handed
	// to any single node, including fallbacks. Default: 3s.
	MinNodeTimeout time.Duration `yaml:"min_node_timeout"`

	// BreakerThreshold is the number of consecutive failures against a
	// node before its circuit breaker opens. Default: 5.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldown is how long a breaker stays open before allowing
	// a single probe attempt. Default: 30s.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	// StoreTimeout bounds every Store.Create/Update call. Default: 2s.
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// StoreConfig holds the optional durable store's parameters.
type StoreConfig struct {
	// Enabled toggles the BoltDB-backed Store. When false, delegation
	// lifecycle events are not persisted (in-memory only).
	// Default: false.
	Enabled bool `yaml:"enabled"`

	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/templar-gateway/gateway.db.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultDBPath is the default durable store location.
const DefaultDBPath = "/var/lib/templar-gateway/gateway.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		GatewayID:     hostname,
		Listener: ListenerConfig{
			Addr:           "0.0.0.0:7790",
			MaxConnections: 256,
			MaxFrameBytes:  1 << 20,
		},
		Registry: RegistryConfig{
			RequireAgentType: true,
		},
		Health: HealthConfig{
			SweepInterval: 15 * time.Second,
		},
		Delegation: DelegationConfig{
			MaxActiveDelegations:  100,
			MaxPerNodeDelegations: 10,
			MaxDelegationTTL:      10 * time.Minute,
			SweepInterval:         time.Minute,
			MinNodeTimeout:        3 * time.Second,
			BreakerThreshold:      5,
			BreakerCooldown:       30 * time.Second,
			StoreTimeout:          2 * time.Second,
		},
		Store: StoreConfig{
			Enabled: false,
			DBPath:  DefaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.GatewayID == "" {
		errs = append(errs, "gateway_id must not be empty")
	}
	if cfg.Listener.Addr == "" {
		errs = append(errs, "listener.addr must not be empty")
	}
	if cfg.Listener.AuthToken == "" {
		errs = append(errs, "listener.auth_token must not be empty")
	}
	if cfg.Listener.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("listener.max_connections must be >= 1, got %d", cfg.Listener.MaxConnections))
	}
	if cfg.Listener.MaxFrameBytes < 1024 {
		errs = append(errs, fmt.Sprintf("listener.max_frame_bytes must be >= 1024, got %d", cfg.Listener.MaxFrameBytes))
	}
	if cfg.Health.SweepInterval < time.Second {
		errs = append(errs, fmt.Sprintf("health.sweep_interval must be >= 1s, got %s", cfg.Health.SweepInterval))
	}
	if cfg.Delegation.MaxActiveDelegations < 1 {
		errs = append(errs, fmt.Sprintf("delegation.max_active_delegations must be >= 1, got %d", cfg.Delegation.MaxActiveDelegations))
	}
	if cfg.Delegation.MaxPerNodeDelegations < 1 {
		errs = append(errs, fmt.Sprintf("delegation.max_per_node_delegations must be >= 1, got %d", cfg.Delegation.MaxPerNodeDelegations))
	}
	if cfg.Delegation.MaxPerNodeDelegations > cfg.Delegation.MaxActiveDelegations {
		errs = append(errs, "delegation.max_per_node_delegations must not exceed delegation.max_active_delegations")
	}
	if cfg.Delegation.MaxDelegationTTL < time.Second {
		errs = append(errs, fmt.Sprintf("delegation.max_delegation_ttl must be >= 1s, got %s", cfg.Delegation.MaxDelegationTTL))
	}
	if cfg.Delegation.SweepInterval < time.Second {
		errs = append(errs, fmt.Sprintf("delegation.sweep_interval must be >= 1s, got %s", cfg.Delegation.SweepInterval))
	}
	if cfg.Delegation.MinNodeTimeout < 100*time.Millisecond {
		errs = append(errs, fmt.Sprintf("delegation.min_node_timeout must be >= 100ms, got %s", cfg.Delegation.MinNodeTimeout))
	}
	if cfg.Delegation.BreakerThreshold < 1 {
		errs = append(errs, fmt.Sprintf("delegation.breaker_threshold must be >= 1, got %d", cfg.Delegation.BreakerThreshold))
	}
	if cfg.Delegation.BreakerCooldown < time.Second {
		errs = append(errs, fmt.Sprintf("delegation.breaker_cooldown must be >= 1s, got %s", cfg.Delegation.BreakerCooldown))
	}
	if cfg.Delegation.StoreTimeout < time.Millisecond {
		errs = append(errs, fmt.Sprintf("delegation.store_timeout must be >= 1ms, got %s", cfg.Delegation.StoreTimeout))
	}
	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.db_path must not be empty when store.enabled is true")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// Watch watches the directory containing path for writes to it and
// sends the freshly reloaded, re-validated Config on the returned
// channel. An invalid reload is reported on the error channel and does
// not produce a Config send, so callers can apply the SIGHUP-style rule
// of retaining the previous config on a bad edit. Watching the
// directory rather than the file itself survives editors that replace
// the file via rename instead of an in-place write. Both channels close
// when ctx is cancelled.
func Watch(ctx context.Context, path string) (<-chan *Config, <-chan error) {
	changes := make(chan *Config, 1)
	errs := make(chan error, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errs <- fmt.Errorf("config.Watch: new watcher: %w", err)
		close(changes)
		close(errs)
		return changes, errs
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		errs <- fmt.Errorf("config.Watch: watch %q: %w", dir, err)
		close(changes)
		close(errs)
		return changes, errs
	}

	go func() {
		defer watcher.Close()
		defer close(changes)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				select {
				case changes <- cfg:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()

	return changes, errs
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
