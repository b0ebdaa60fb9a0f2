package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/scrape"
	"github.com/zmcptools/zmcp/internal/store"
)

var (
	jobsStatus       string
	jobsLimit        int
	jobsPriority     int
	jobsURL          string
	jobsStaleMinutes int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and repair the scrape job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scrape jobs as JSON",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withQueue(func(q *scrape.Queue) error {
			jobs, err := q.List(store.JobStatus(jobsStatus), jobsLimit)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(jobs)
		})
	},
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <source-id>",
	Short: "Enqueue a scrape job for a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withQueue(func(q *scrape.Queue) error {
			params := map[string]any{}
			if jobsURL != "" {
				params["url"] = jobsURL
			}
			result, err := q.Enqueue(args[0], params, jobsPriority)
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Println(result.Reason)
				return nil
			}
			fmt.Printf("enqueued job %s (priority %d)\n", result.Job.ID, result.Job.Priority)
			return nil
		})
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed job",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withQueue(func(q *scrape.Queue) error {
			if err := q.Retry(args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s requeued\n", args[0])
			return nil
		})
	},
}

var jobsUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Reset expired leases and force-unlock stuck jobs",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withQueue(func(q *scrape.Queue) error {
			expired, err := q.CleanupExpiredLocks()
			if err != nil {
				return err
			}
			stuck, err := q.ForceUnlockStuckJobs(jobsStaleMinutes)
			if err != nil {
				return err
			}
			fmt.Printf("reset %d expired leases, force-unlocked %d stuck jobs\n", expired, stuck)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsAddCmd, jobsRetryCmd, jobsUnlockCmd)

	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (pending|running|completed|failed|cancelled|timeout)")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to list")
	jobsAddCmd.Flags().StringVar(&jobsURL, "url", "", "url to scrape")
	jobsAddCmd.Flags().IntVar(&jobsPriority, "priority", 5, "job priority (lower runs first)")
	jobsUnlockCmd.Flags().IntVar(&jobsStaleMinutes, "stale-minutes", 60, "running longer than this is considered stuck")
}

// withQueue opens the store for one queue operation; no workers run.
func withQueue(fn func(*scrape.Queue) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, err := store.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()
	return fn(scrape.New(db, bus.New(), nil, scrape.Options{}))
}
