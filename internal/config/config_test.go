package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, 4269, cfg.HTTP.Port)
	require.Equal(t, "127.0.0.1", cfg.HTTP.Host)
	require.Equal(t, 4270, cfg.Dashboard.Port)
	require.True(t, cfg.Dashboard.AutoReconnect)
	require.Equal(t, 10, cfg.Dashboard.MaxReconnectAttempts)
	require.Equal(t, 1000, cfg.Dashboard.ReconnectDelayMs)
	require.Equal(t, 30000, cfg.Dashboard.MaxReconnectDelayMs)
	require.Equal(t, 2, cfg.Scraping.MaxConcurrentJobs)
	require.Equal(t, 3, cfg.Scraping.BrowserPoolSize)
	require.Equal(t, 3600, cfg.Scraping.JobTimeoutSeconds)
	require.Equal(t, 15000, cfg.Scraping.PollIntervalMs)
	require.Equal(t, 30, cfg.Agents.StaleMinutes)
	require.Equal(t, 60, cfg.Rooms.InactiveMinutes)
	require.Equal(t, 600000, cfg.Waiter.TimeoutMs)
	require.Contains(t, cfg.DataDir, ".mcptools")
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "negative http port",
			mutate: func(c *Config) { c.HTTP.Port = -1 },
			want:   "http.port",
		},
		{
			name:   "zero concurrent jobs",
			mutate: func(c *Config) { c.Scraping.MaxConcurrentJobs = 0 },
			want:   "max_concurrent_jobs",
		},
		{
			name:   "tiny poll interval",
			mutate: func(c *Config) { c.Scraping.PollIntervalMs = 10 },
			want:   "poll_interval_ms",
		},
		{
			name:   "zero stale minutes",
			mutate: func(c *Config) { c.Agents.StaleMinutes = 0 },
			want:   "stale_minutes",
		},
		{
			name:   "initial delay above cap",
			mutate: func(c *Config) { c.Dashboard.ReconnectDelayMs = 60000 },
			want:   "reconnect_delay_ms",
		},
		{
			name:   "bad sample rate",
			mutate: func(c *Config) { c.Tracing.SampleRate = 1.5 },
			want:   "sample_rate",
		},
		{
			name:   "unknown exporter",
			mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" },
			want:   "exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateTracingOTLPRequiresEndpoint(t *testing.T) {
	tr := TracingConfig{Enabled: true, Exporter: "otlp", SampleRate: 1.0}
	require.Error(t, ValidateTracing(tr))

	tr.OTLPEndpoint = "collector:4317"
	require.NoError(t, ValidateTracing(tr))
}

func TestDerivedPaths(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = "/tmp/zmcp-test"

	require.Equal(t, filepath.Join("/tmp/zmcp-test", "zmcp.db"), cfg.DatabasePath())
	require.Equal(t, filepath.Join("/tmp/zmcp-test", "plans"), cfg.PlansDir())
	require.Equal(t, filepath.Join("/tmp/zmcp-test", "dashboard.port"), cfg.DiscoveryFilePath())
	require.Equal(t, filepath.Join("/tmp/zmcp-test", "zmcp.log"), cfg.LogFilePath())
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	require.True(t, strings.Contains(content, "zmcp Configuration"))
	require.True(t, strings.Contains(content, "max_concurrent_jobs: 2"))
	require.True(t, strings.Contains(content, "timeout_ms: 600000"))
}

func TestEnsureDataDirs(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	require.NoError(t, EnsureDataDirs(cfg))

	info, err := os.Stat(cfg.PlansDir())
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
