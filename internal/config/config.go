// Package config handles loading and validating ClawBridge configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for ClawBridge.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.clawbridge/data. Override: CLAWBRIDGE_DATA_DIR env var.
	Gateways      []GatewayConfig       `json:"gateways" yaml:"gateways"`
	API           APIConfig             `json:"api" yaml:"api"`
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = in-memory history.
	Sync          SyncConfig            `json:"sync" yaml:"sync"`
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// GatewayConfig describes one remote OpenClaw gateway.
type GatewayConfig struct {
	ID    string `json:"id" yaml:"id"`
	URL   string `json:"url" yaml:"url"`                         // ws:// or wss:// with an explicit port.
	Token string `json:"token,omitempty" yaml:"token,omitempty"` // Optional bearer credential. Override: CLAWBRIDGE_GATEWAY_TOKEN_<ID>.

	// AllowSelfSigned relaxes TLS certificate validation for THIS
	// gateway's connection only, never process-wide. Intended for
	// lab gateways with self-signed certificates; must not be used
	// for internet-exposed gateways.
	AllowSelfSigned bool `json:"allow_self_signed" yaml:"allow_self_signed"`

	WorkspaceRoot string `json:"workspace_root,omitempty" yaml:"workspace_root,omitempty"`

	ReconnectIntervalS int `json:"reconnect_interval_s" yaml:"reconnect_interval_s"` // Backoff base. Default: 1.
	MaxReconnects      int `json:"max_reconnects" yaml:"max_reconnects"`             // 0 = unbounded.
	RefreshIntervalS   int `json:"refresh_interval_s" yaml:"refresh_interval_s"`     // Registry reconcile period. Default: 30.
	HistoryRetention   int `json:"history_retention" yaml:"history_retention"`       // Per-session event cap. Default: 1000.
}

// ReconnectInterval returns the backoff base, defaulting to 1s.
func (g *GatewayConfig) ReconnectInterval() time.Duration {
	if g.ReconnectIntervalS > 0 {
		return time.Duration(g.ReconnectIntervalS) * time.Second
	}
	return time.Second
}

// RefreshInterval returns the reconcile period, defaulting to 30s.
func (g *GatewayConfig) RefreshInterval() time.Duration {
	if g.RefreshIntervalS > 0 {
		return time.Duration(g.RefreshIntervalS) * time.Second
	}
	return 30 * time.Second
}

// APIConfig configures the south-side HTTP API.
type APIConfig struct {
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKeys           map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key → caller ID.
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	EnableSSE         bool              `json:"enable_sse" yaml:"enable_sse"`
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
}

// Addr returns the listen address, defaulting to ":8080".
func (a *APIConfig) Addr() string {
	if a.ListenAddr != "" {
		return a.ListenAddr
	}
	return ":8080"
}

// StorageConfig configures the history persistence backend.
// When nil, history is kept in memory only.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "memory" (default), "sqlite" or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "memory".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "memory"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default).
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SyncConfig configures the template sync orchestrator.
type SyncConfig struct {
	Concurrency  int `json:"concurrency" yaml:"concurrency"`         // Per-agent fan-out bound. Default: 4.
	AgentTimeout int `json:"agent_timeout_s" yaml:"agent_timeout_s"` // Per-agent step timeout. Default: 60.
}

// WorkerConcurrency returns the fan-out bound, defaulting to 4.
func (s *SyncConfig) WorkerConcurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return 4
}

// PerAgentTimeout returns the per-agent step timeout, defaulting to 60s.
func (s *SyncConfig) PerAgentTimeout() time.Duration {
	if s.AgentTimeout > 0 {
		return time.Duration(s.AgentTimeout) * time.Second
	}
	return 60 * time.Second
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing via OTLP.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0..1. Default: 1.
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "clawbridge".
}

// HealthConfig configures readiness checks.
type HealthConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfigPath returns the default config file path (~/.clawbridge/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/clawbridge.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".clawbridge", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Gateway tokens can be set in the config file
// or overridden per gateway by CLAWBRIDGE_GATEWAY_TOKEN_<ID> environment
// variables; environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if envDD := os.Getenv("CLAWBRIDGE_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	for i := range cfg.Gateways {
		envKey := "CLAWBRIDGE_GATEWAY_TOKEN_" + strings.ToUpper(strings.ReplaceAll(cfg.Gateways[i].ID, "-", "_"))
		if token := os.Getenv(envKey); token != "" {
			cfg.Gateways[i].Token = token
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks gateway definitions and the API key map.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Gateways))
	for i := range c.Gateways {
		g := &c.Gateways[i]
		if g.ID == "" {
			return fmt.Errorf("gateway %d: id is required", i)
		}
		if seen[g.ID] {
			return fmt.Errorf("gateway %s: duplicate id", g.ID)
		}
		seen[g.ID] = true
		if msg := ValidateGatewayURL(g.URL); msg != "" {
			return fmt.Errorf("gateway %s: %s", g.ID, msg)
		}
	}
	return nil
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	dir := c.DataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dir = filepath.Join(home, ".clawbridge", "data")
	}
	resolved, err := resolvePath(dir)
	if err != nil {
		return dir
	}
	return resolved
}

// SQLitePath returns the SQLite database path, derived from the data
// directory when not set explicitly.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "clawbridge.db")
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
