// Package cmd wires the zmcp CLI: serve runs the runtime, worker runs
// the scrape pool, jobs inspects the queue.
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zmcptools/zmcp/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "zmcp",
	Short:   "Agent orchestration runtime",
	Long:    `zmcp runs multi-phase agent orchestrations over a shared sqlite store: spawned agents, objectives, coordination rooms, a leased scrape queue, and a dashboard event mirror.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.mcptools/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "",
		"data directory (default: ~/.mcptools/data)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging to <data_dir>/zmcp.log")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("http.port", defaults.HTTP.Port)
	viper.SetDefault("http.host", defaults.HTTP.Host)
	viper.SetDefault("dashboard.port", defaults.Dashboard.Port)
	viper.SetDefault("dashboard.auto_reconnect", defaults.Dashboard.AutoReconnect)
	viper.SetDefault("dashboard.max_reconnect_attempts", defaults.Dashboard.MaxReconnectAttempts)
	viper.SetDefault("dashboard.reconnect_delay_ms", defaults.Dashboard.ReconnectDelayMs)
	viper.SetDefault("dashboard.max_reconnect_delay_ms", defaults.Dashboard.MaxReconnectDelayMs)
	viper.SetDefault("dashboard.connection_check_interval_ms", defaults.Dashboard.ConnectionCheckIntervalMs)
	viper.SetDefault("scraping.max_concurrent_jobs", defaults.Scraping.MaxConcurrentJobs)
	viper.SetDefault("scraping.browser_pool_size", defaults.Scraping.BrowserPoolSize)
	viper.SetDefault("scraping.job_timeout_seconds", defaults.Scraping.JobTimeoutSeconds)
	viper.SetDefault("scraping.poll_interval_ms", defaults.Scraping.PollIntervalMs)
	viper.SetDefault("agents.stale_minutes", defaults.Agents.StaleMinutes)
	viper.SetDefault("agents.reconcile_interval_seconds", defaults.Agents.ReconcileIntervalSeconds)
	viper.SetDefault("rooms.inactive_minutes", defaults.Rooms.InactiveMinutes)
	viper.SetDefault("waiter.timeout_ms", defaults.Waiter.TimeoutMs)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	viper.SetEnvPrefix("ZMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(config.DefaultConfigPath())
	}

	if err := viper.ReadInConfig(); err != nil && cfgFile == "" {
		// First run: materialize the commented default config.
		if _, statErr := os.Stat(config.DefaultConfigPath()); os.IsNotExist(statErr) {
			if writeErr := config.WriteDefaultConfig(config.DefaultConfigPath()); writeErr == nil {
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
	if debugFlag {
		cfg.Debug = true
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
