// Package config provides configuration loading, validation, and hot-reload
// for pgkeeper.
//
// Configuration file: /etc/pgkeeper/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Supervisor listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (sync_wanted, log level).
//   - Every other change (e.g. DCS endpoints, database DSN, control socket
//     path, tick period) requires restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The supervisor does NOT crash on invalid hot-reload.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (sync_wanted >= 1, timeouts > 0).
//   - File paths must be absolute.
//   - Invalid config on startup: supervisor refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for pgkeeper.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this supervisor, used as the
	// "leader" field recorded in the DCS sync key and in ledger entries.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// ClusterName names this cluster in log output. DCS keys are namespaced
	// by dcs.key_prefix, not by this field.
	ClusterName string `yaml:"cluster_name"`

	// HALoop configures the supervisor's tick scheduling.
	HALoop HALoopConfig `yaml:"ha_loop"`

	// Resolver configures the quorum resolver's sole operator tunable.
	Resolver ResolverConfig `yaml:"resolver"`

	// DCS configures the distributed configuration store backend.
	DCS DCSConfig `yaml:"dcs"`

	// Database configures the PostgreSQL connection used to read and
	// write synchronous-replication configuration.
	Database DatabaseConfig `yaml:"database"`

	// RateLimit configures the DCS CAS retry token bucket.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Storage configures the BoltDB persistent store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// ControlAPI configures the operator override Unix socket.
	ControlAPI ControlAPIConfig `yaml:"control_api"`
}

// HALoopConfig holds tick scheduling parameters.
type HALoopConfig struct {
	// TickPeriod is the interval between observe-resolve-apply iterations.
	// Must be large enough to accommodate DCS CAS writes and database
	// reload polling (spec: "loop operator is expected to size the
	// HA-loop period to accommodate them"). Default: 5s.
	TickPeriod time.Duration `yaml:"tick_period"`

	// ShutdownDrainTimeout bounds how long the supervisor waits for an
	// in-flight executor sequence to reach a transition boundary before
	// forcing exit. Default: 10s.
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout"`
}

// ResolverConfig holds the resolver's operator-facing tunable.
type ResolverConfig struct {
	// SyncWanted is synchronous_node_count (sync_wanted): the desired
	// replication factor. Must be >= 1.
	SyncWanted int `yaml:"synchronous_node_count"`
}

// DCSConfig selects and configures the distributed configuration store
// backend. Exactly one of Etcd/Consul should be populated, selected by
// Backend.
type DCSConfig struct {
	// Backend selects the DCS implementation: "etcd" or "consul".
	Backend string `yaml:"backend"`

	// KeyPrefix is the cluster-prefix under which the sync key and the
	// leader lease key live (spec §6: "<cluster-prefix>/sync"). The DCS
	// clients append "sync" and "leader" directly, so the prefix ends in
	// "/". Default: "/pgkeeper/".
	KeyPrefix string `yaml:"key_prefix"`

	// LeaseTTL is the time-to-live of the leader lease. If the current
	// leader fails to renew within this window, the lease expires and
	// another supervisor may acquire leadership. Default: 15s.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// RequestTimeout is validated (>= 100ms) but not passed to the DCS
	// clients; each DCS RPC is bounded only by the context its caller
	// supplies. Default: 3s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Etcd   EtcdConfig   `yaml:"etcd"`
	Consul ConsulConfig `yaml:"consul"`
}

// EtcdConfig holds go.etcd.io/etcd/client/v3 dial parameters.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`

	// DialTimeout bounds the initial connection handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// ConsulConfig holds github.com/hashicorp/consul/api client parameters.
type ConsulConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Scheme  string `yaml:"scheme"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// DatabaseConfig holds the lib/pq connection parameters used to inspect
// and rewrite synchronous-replication configuration.
type DatabaseConfig struct {
	// DSN is a libpq connection string, e.g.
	// "host=/var/run/postgresql dbname=postgres sslmode=disable".
	DSN string `yaml:"dsn"`

	// ConnectTimeout bounds establishing the control connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReloadPollInterval is how often the executor polls
	// `SHOW synchronous_standby_names` after issuing a reload, waiting
	// for the new configuration to take effect.
	ReloadPollInterval time.Duration `yaml:"reload_poll_interval"`

	// ReloadPollTimeout bounds the total time spent polling before the
	// executor treats the reload as failed.
	ReloadPollTimeout time.Duration `yaml:"reload_poll_timeout"`
}

// RateLimitConfig holds token bucket parameters bounding DCS CAS retry
// storms (spec §5: "Concurrency arises only between supervisors on
// different machines, mediated through the DCS").
type RateLimitConfig struct {
	// Capacity is the maximum number of retry tokens. Default: 20.
	Capacity int `yaml:"capacity"`

	// RefillPeriod is the interval between full refills. Default: 10s.
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// ControlAPIConfig holds operator override parameters.
type ControlAPIConfig struct {
	// SocketPath is the Unix domain socket path for operator commands
	// (status, force-resolve, pause, resume).
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the control socket is active.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		ClusterName:   "postgres",
		HALoop: HALoopConfig{
			TickPeriod:           5 * time.Second,
			ShutdownDrainTimeout: 10 * time.Second,
		},
		Resolver: ResolverConfig{
			SyncWanted: 1,
		},
		DCS: DCSConfig{
			Backend:        "etcd",
			KeyPrefix:      "/pgkeeper/",
			LeaseTTL:       15 * time.Second,
			RequestTimeout: 3 * time.Second,
			Etcd: EtcdConfig{
				Endpoints:   []string{"127.0.0.1:2379"},
				DialTimeout: 5 * time.Second,
			},
			Consul: ConsulConfig{
				Address: "127.0.0.1:8500",
				Scheme:  "http",
			},
		},
		Database: DatabaseConfig{
			DSN:                "host=/var/run/postgresql dbname=postgres sslmode=disable",
			ConnectTimeout:     5 * time.Second,
			ReloadPollInterval: 500 * time.Millisecond,
			ReloadPollTimeout:  10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity:     20,
			RefillPeriod: 10 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		ControlAPI: ControlAPIConfig{
			Enabled:    true,
			SocketPath: "/run/pgkeeper/control.sock",
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/pgkeeper/pgkeeper.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
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
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.ClusterName == "" {
		errs = append(errs, "cluster_name must not be empty")
	}
	if cfg.HALoop.TickPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("ha_loop.tick_period must be >= 1s, got %s", cfg.HALoop.TickPeriod))
	}
	if cfg.HALoop.ShutdownDrainTimeout <= 0 {
		errs = append(errs, "ha_loop.shutdown_drain_timeout must be > 0")
	}
	// Configuration error per spec §7: sync_wanted < 1 is fatal, the
	// supervisor refuses to start.
	if cfg.Resolver.SyncWanted < 1 {
		errs = append(errs, fmt.Sprintf("resolver.synchronous_node_count must be >= 1, got %d", cfg.Resolver.SyncWanted))
	}
	switch cfg.DCS.Backend {
	case "etcd":
		if len(cfg.DCS.Etcd.Endpoints) == 0 {
			errs = append(errs, "dcs.etcd.endpoints must not be empty when dcs.backend=etcd")
		}
		if cfg.DCS.Etcd.DialTimeout <= 0 {
			errs = append(errs, "dcs.etcd.dial_timeout must be > 0")
		}
	case "consul":
		if cfg.DCS.Consul.Address == "" {
			errs = append(errs, "dcs.consul.address must not be empty when dcs.backend=consul")
		}
	default:
		errs = append(errs, fmt.Sprintf("dcs.backend must be \"etcd\" or \"consul\", got %q", cfg.DCS.Backend))
	}
	if cfg.DCS.KeyPrefix == "" {
		errs = append(errs, "dcs.key_prefix must not be empty")
	}
	if cfg.DCS.LeaseTTL < time.Second {
		errs = append(errs, fmt.Sprintf("dcs.lease_ttl must be >= 1s, got %s", cfg.DCS.LeaseTTL))
	}
	if cfg.DCS.RequestTimeout < time.Millisecond*100 {
		errs = append(errs, fmt.Sprintf("dcs.request_timeout must be >= 100ms, got %s", cfg.DCS.RequestTimeout))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, "database.dsn must not be empty")
	}
	if cfg.Database.ConnectTimeout <= 0 {
		errs = append(errs, "database.connect_timeout must be > 0")
	}
	if cfg.Database.ReloadPollInterval <= 0 {
		errs = append(errs, "database.reload_poll_interval must be > 0")
	}
	if cfg.Database.ReloadPollTimeout < cfg.Database.ReloadPollInterval {
		errs = append(errs, "database.reload_poll_timeout must be >= reload_poll_interval")
	}
	if cfg.RateLimit.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("rate_limit.capacity must be >= 1, got %d", cfg.RateLimit.Capacity))
	}
	if cfg.RateLimit.RefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("rate_limit.refill_period must be >= 1s, got %s", cfg.RateLimit.RefillPeriod))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.ControlAPI.Enabled && cfg.ControlAPI.SocketPath == "" {
		errs = append(errs, "control_api.socket_path must not be empty when control_api.enabled=true")
	} else if cfg.ControlAPI.Enabled && !filepath.IsAbs(cfg.ControlAPI.SocketPath) {
		errs = append(errs, fmt.Sprintf("control_api.socket_path must be absolute, got %q", cfg.ControlAPI.SocketPath))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
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
