package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/config"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/scrape"
	"github.com/zmcptools/zmcp/internal/store"
)

var (
	workerID    string
	workerCount int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scrape worker pool",
	Long: `Run scrape workers against the shared job queue. Each worker leases
pending jobs, fetches their URLs, and writes progress back under the
lease heartbeat. Stops cleanly on SIGINT/SIGTERM after the in-flight
job's final write.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerID, "worker-id", "",
		"stable worker identity for lease ownership (default: random)")
	workerCmd.Flags().IntVar(&workerCount, "workers", 0,
		"worker count (default: scraping.max_concurrent_jobs)")
}

func runWorker(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.EnsureDataDirs(cfg); err != nil {
		return err
	}
	if cfg.Debug {
		cleanup, err := log.Init(cfg.LogFilePath())
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
	}

	db, err := store.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	workers := workerCount
	if workers <= 0 {
		workers = cfg.Scraping.MaxConcurrentJobs
	}
	queue := scrape.New(db, bus.New(), scrape.NewFetcher(nil), scrape.Options{
		WorkerID:     workerID,
		Workers:      workers,
		PollInterval: time.Duration(cfg.Scraping.PollIntervalMs) * time.Millisecond,
		LeaseSeconds: cfg.Scraping.JobTimeoutSeconds,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("zmcp worker pool started (%d workers)\n", workers)
	return queue.RunWorkers(ctx)
}
