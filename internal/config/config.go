// Package config provides configuration types and defaults for zmcp.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zmcptools/zmcp/internal/log"
)

// Config holds all configuration options for the runtime.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Scraping  ScrapingConfig  `mapstructure:"scraping"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Waiter    WaiterConfig    `mapstructure:"waiter"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Debug     bool            `mapstructure:"debug"`
}

// HTTPConfig holds the runtime's local HTTP surface settings.
type HTTPConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DashboardConfig holds dashboard connector settings.
type DashboardConfig struct {
	// Port is the fallback dashboard port when no discovery file exists.
	Port int `mapstructure:"port"`

	// AutoReconnect controls whether the connector retries lost connections.
	AutoReconnect bool `mapstructure:"auto_reconnect"`

	// MaxReconnectAttempts bounds the retry loop before giving up until the
	// next discovery-file change.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`

	// ReconnectDelayMs is the initial backoff between reconnect attempts.
	ReconnectDelayMs int `mapstructure:"reconnect_delay_ms"`

	// MaxReconnectDelayMs caps the exponential backoff.
	MaxReconnectDelayMs int `mapstructure:"max_reconnect_delay_ms"`

	// ConnectionCheckIntervalMs is the liveness ping cadence.
	ConnectionCheckIntervalMs int `mapstructure:"connection_check_interval_ms"`
}

// ScrapingConfig holds scrape queue and worker settings.
type ScrapingConfig struct {
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
	BrowserPoolSize   int `mapstructure:"browser_pool_size"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
}

// AgentsConfig holds agent lifecycle settings.
type AgentsConfig struct {
	// StaleMinutes is how long an agent may go without a heartbeat before
	// cleanup considers it stale.
	StaleMinutes int `mapstructure:"stale_minutes"`

	// ReconcileIntervalSeconds is the cadence of the liveness reconciliation
	// loop while non-terminal agents exist.
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
}

// RoomsConfig holds room cleanup settings.
type RoomsConfig struct {
	InactiveMinutes int `mapstructure:"inactive_minutes"`
}

// WaiterConfig holds dependency wait settings.
type WaiterConfig struct {
	// TimeoutMs is the default global budget for a dependency wait.
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "otlp". Default: "stdout".
	Exporter string `mapstructure:"exporter"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultDataDir returns ~/.mcptools/data, or a relative fallback when the
// home directory is unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcptools/data"
	}
	return filepath.Join(home, ".mcptools", "data")
}

// DefaultConfigPath returns ~/.mcptools/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcptools/config.yaml"
	}
	return filepath.Join(home, ".mcptools", "config.yaml")
}

// DatabasePath returns the sqlite database location under the data dir.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "zmcp.db")
}

// PlansDir returns the plan template directory under the data dir.
func (c Config) PlansDir() string {
	return filepath.Join(c.DataDir, "plans")
}

// DiscoveryFilePath returns the dashboard port discovery file location.
func (c Config) DiscoveryFilePath() string {
	return filepath.Join(c.DataDir, "dashboard.port")
}

// LogFilePath returns the debug log location under the data dir.
func (c Config) LogFilePath() string {
	return filepath.Join(c.DataDir, "zmcp.log")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DataDir: DefaultDataDir(),
		HTTP: HTTPConfig{
			Port: 4269,
			Host: "127.0.0.1",
		},
		Dashboard: DashboardConfig{
			Port:                      4270,
			AutoReconnect:             true,
			MaxReconnectAttempts:      10,
			ReconnectDelayMs:          1000,
			MaxReconnectDelayMs:       30000,
			ConnectionCheckIntervalMs: 5000,
		},
		Scraping: ScrapingConfig{
			MaxConcurrentJobs: 2,
			BrowserPoolSize:   3,
			JobTimeoutSeconds: 3600,
			PollIntervalMs:    15000,
		},
		Agents: AgentsConfig{
			StaleMinutes:             30,
			ReconcileIntervalSeconds: 10,
		},
		Rooms: RoomsConfig{
			InactiveMinutes: 60,
		},
		Waiter: WaiterConfig{
			TimeoutMs: 600000,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors. Empty values use defaults;
// explicitly invalid values are rejected.
func (c Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535, got %d", c.HTTP.Port)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be between 0 and 65535, got %d", c.Dashboard.Port)
	}
	if c.Scraping.MaxConcurrentJobs < 1 {
		return fmt.Errorf("scraping.max_concurrent_jobs must be at least 1, got %d", c.Scraping.MaxConcurrentJobs)
	}
	if c.Scraping.PollIntervalMs < 100 {
		return fmt.Errorf("scraping.poll_interval_ms must be at least 100, got %d", c.Scraping.PollIntervalMs)
	}
	if c.Agents.StaleMinutes < 1 {
		return fmt.Errorf("agents.stale_minutes must be at least 1, got %d", c.Agents.StaleMinutes)
	}
	if c.Waiter.TimeoutMs < 1 {
		return fmt.Errorf("waiter.timeout_ms must be at least 1, got %d", c.Waiter.TimeoutMs)
	}
	if c.Dashboard.ReconnectDelayMs > c.Dashboard.MaxReconnectDelayMs {
		return fmt.Errorf("dashboard.reconnect_delay_ms (%d) exceeds dashboard.max_reconnect_delay_ms (%d)",
			c.Dashboard.ReconnectDelayMs, c.Dashboard.MaxReconnectDelayMs)
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# zmcp Configuration

# Root directory for the database, plan templates, logs, and the
# dashboard discovery file (default: ~/.mcptools/data)
# data_dir: /path/to/data

# Enable debug logging to <data_dir>/zmcp.log
debug: false

# Local HTTP surface
http:
  port: 4269
  host: 127.0.0.1

# Dashboard connector
# The connector discovers the dashboard port from <data_dir>/dashboard.port
# and falls back to the port below when the file is absent.
dashboard:
  port: 4270
  auto_reconnect: true
  max_reconnect_attempts: 10
  reconnect_delay_ms: 1000
  max_reconnect_delay_ms: 30000
  connection_check_interval_ms: 5000

# Scrape queue and worker pool
scraping:
  max_concurrent_jobs: 2
  browser_pool_size: 3
  job_timeout_seconds: 3600
  poll_interval_ms: 15000

# Agent lifecycle
agents:
  stale_minutes: 30             # No-heartbeat window before cleanup
  reconcile_interval_seconds: 10

# Room cleanup
rooms:
  inactive_minutes: 60

# Dependency waits
waiter:
  timeout_ms: 600000            # Global budget per wait (10 minutes)

# Distributed tracing
# tracing:
#   enabled: false
#   exporter: stdout            # none, stdout, or otlp
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

// EnsureDataDirs creates the data directory tree (plans subdirectory
// included) with owner-only permissions.
func EnsureDataDirs(c Config) error {
	for _, dir := range []string{c.DataDir, c.PlansDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}
	return nil
}
