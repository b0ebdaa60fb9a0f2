// Package scrape runs the leased crawl job queue: idempotent enqueue,
// a polling worker pool, throttled progress persistence, and the lock
// recovery operations.
package scrape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/ids"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/zerr"
)

const (
	defaultPriority     = 5
	defaultWorkers      = 2
	defaultPollInterval = 15 * time.Second
	defaultLeaseSeconds = 3600
	defaultSweep        = time.Minute

	// Progress throttle: persist the page counter every persistPageStep
	// pages or persistWindow, with a heartbeatWindow updated_at-only
	// touch in between. The final count is always written.
	persistPageStep = 5
	persistWindow   = 60 * time.Second
	heartbeatWindow = 10 * time.Second
)

// Scraper is the external crawl collaborator. report feeds the page
// counter; the returned map becomes the job's result_data.
type Scraper interface {
	Scrape(ctx context.Context, job *store.ScrapeJob, report func(pagesScraped int)) (map[string]any, error)
}

// Options tune the queue.
type Options struct {
	WorkerID     string
	Workers      int
	PollInterval time.Duration
	LeaseSeconds int
	// SweepInterval paces the expired-lock recovery loop.
	SweepInterval time.Duration
}

// Queue is the scrape job service over the leased repository.
type Queue struct {
	db      *store.DB
	bus     *bus.EventBus
	scraper Scraper
	opts    Options

	// now is swapped in tests to drive the throttle clock.
	now func() time.Time
}

// New creates a queue service.
func New(db *store.DB, eventBus *bus.EventBus, scraper Scraper, opts Options) *Queue {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + ids.Short()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = defaultLeaseSeconds
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweep
	}
	return &Queue{db: db, bus: eventBus, scraper: scraper, opts: opts, now: time.Now}
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Job     *store.ScrapeJob
	Skipped bool
	Reason  string
}

// Enqueue queues a scrape job for a source. While a pending or running
// job exists for the source, the existing job is returned with
// Skipped=true.
func (q *Queue) Enqueue(sourceID string, params map[string]any, priority int) (*EnqueueResult, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("source id is required")
	}
	if priority <= 0 {
		priority = defaultPriority
	}

	existing, err := q.db.ScrapeJobs().FindActiveBySource(sourceID)
	if err == nil {
		return &EnqueueResult{
			Job:     existing,
			Skipped: true,
			Reason:  fmt.Sprintf("job %s already %s for source", existing.ID, existing.Status),
		}, nil
	}
	if !zerr.IsNotFound(err) {
		return nil, err
	}

	now := q.now()
	job := &store.ScrapeJob{
		ID:                 ids.New(),
		SourceID:           sourceID,
		JobData:            params,
		Status:             store.JobPending,
		Priority:           priority,
		LockTimeoutSeconds: q.opts.LeaseSeconds,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := q.db.ScrapeJobs().Create(job); err != nil {
		return nil, err
	}
	log.Info(log.CatScrape, "job queued", "id", job.ID, "source", sourceID, "priority", priority)
	return &EnqueueResult{Job: job}, nil
}

// Get returns a job by id.
func (q *Queue) Get(id string) (*store.ScrapeJob, error) {
	return q.db.ScrapeJobs().FindByID(id)
}

// List returns jobs filtered by status (all when empty), newest first.
func (q *Queue) List(status store.JobStatus, limit int) ([]*store.ScrapeJob, error) {
	return q.db.ScrapeJobs().List(status, limit)
}

// Cancel cancels a job with a reason.
func (q *Queue) Cancel(id, reason string) error {
	return q.db.ScrapeJobs().CancelJob(id, reason)
}

// Retry rehydrates a failed job to pending.
func (q *Queue) Retry(id string) error {
	return q.db.ScrapeJobs().RetryJob(id)
}

// RunWorkers runs the worker pool plus the lock sweep until ctx is
// cancelled. Cancellation is a clean stop: the job in flight finishes
// its completion write before the loop exits.
func (q *Queue) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", q.opts.WorkerID, i)
		g.Go(func() error { return q.workerLoop(ctx, workerID) })
	}
	g.Go(func() error { return q.sweepLoop(ctx) })
	return g.Wait()
}

func (q *Queue) workerLoop(ctx context.Context, workerID string) error {
	log.Info(log.CatScrape, "worker started", "worker", workerID)
	for {
		if ctx.Err() != nil {
			log.Info(log.CatScrape, "worker stopped", "worker", workerID)
			return nil
		}
		job, err := q.db.ScrapeJobs().LockNextPendingJob(workerID, q.opts.LeaseSeconds)
		if err != nil {
			log.ErrorErr(log.CatScrape, "lock next job failed", err, "worker", workerID)
		}
		if job == nil {
			select {
			case <-ctx.Done():
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		q.process(ctx, workerID, job)
	}
}

// process runs one leased job through the scraper and settles it
// exactly once: markCompleted on success, markFailed on error or panic.
func (q *Queue) process(ctx context.Context, workerID string, job *store.ScrapeJob) {
	log.Info(log.CatScrape, "job started", "id", job.ID, "source", job.SourceID, "worker", workerID)
	q.bus.Emit(bus.NewEvent(bus.KindToolCallStarted, map[string]any{
		"tool":      "scrape_source",
		"job_id":    job.ID,
		"source_id": job.SourceID,
		"worker_id": workerID,
	}))

	rep := q.newReporter(job.ID)
	result, err := q.runScraper(ctx, job, rep.report)
	rep.flush()

	if err != nil {
		if merr := q.db.ScrapeJobs().MarkFailed(job.ID, err.Error()); merr != nil {
			log.ErrorErr(log.CatScrape, "mark failed write failed", merr, "id", job.ID)
		}
		log.Warn(log.CatScrape, "job failed", "id", job.ID, "error", err.Error())
		q.bus.Emit(bus.NewEvent(bus.KindToolCallFailed, map[string]any{
			"tool":      "scrape_source",
			"job_id":    job.ID,
			"source_id": job.SourceID,
			"error":     err.Error(),
		}))
		return
	}

	if merr := q.db.ScrapeJobs().MarkCompleted(job.ID, result); merr != nil {
		log.ErrorErr(log.CatScrape, "mark completed write failed", merr, "id", job.ID)
	}
	log.Info(log.CatScrape, "job completed", "id", job.ID, "pages", rep.count())
	q.bus.Emit(bus.NewEvent(bus.KindToolCallCompleted, map[string]any{
		"tool":          "scrape_source",
		"job_id":        job.ID,
		"source_id":     job.SourceID,
		"pages_scraped": rep.count(),
	}))
}

func (q *Queue) runScraper(ctx context.Context, job *store.ScrapeJob, report func(int)) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scraper panic: %v", r)
		}
	}()
	return q.scraper.Scrape(ctx, job, report)
}

func (q *Queue) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := q.CleanupExpiredLocks(); err != nil {
				log.ErrorErr(log.CatScrape, "expired lock sweep failed", err)
			} else if n > 0 {
				log.Info(log.CatScrape, "expired locks reset", "count", n)
			}
		}
	}
}

// CleanupExpiredLocks resets running jobs whose lease has lapsed back
// to pending and returns how many were reset.
func (q *Queue) CleanupExpiredLocks() (int, error) {
	expired, err := q.db.ScrapeJobs().FindExpiredLocks()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range expired {
		if err := q.db.ScrapeJobs().ResetExpired(job.ID); err != nil {
			log.Warn(log.CatScrape, "expired lock reset failed", "id", job.ID, "error", err.Error())
			continue
		}
		n++
	}
	return n, nil
}

// ForceUnlockStuckJobs resets running jobs older than the threshold,
// regardless of their lease accounting.
func (q *Queue) ForceUnlockStuckJobs(thresholdMinutes int) (int, error) {
	if thresholdMinutes <= 0 {
		thresholdMinutes = 60
	}
	stuck, err := q.db.ScrapeJobs().FindStuck(time.Duration(thresholdMinutes) * time.Minute)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range stuck {
		reason := fmt.Sprintf("Force unlocked after running longer than %d minutes", thresholdMinutes)
		if err := q.db.ScrapeJobs().ForceUnlockJob(job.ID, reason); err != nil {
			log.Warn(log.CatScrape, "force unlock failed", "id", job.ID, "error", err.Error())
			continue
		}
		n++
	}
	return n, nil
}

// CleanupOldJobs deletes terminal jobs older than the given number of
// days.
func (q *Queue) CleanupOldJobs(days int) (int64, error) {
	return q.db.ScrapeJobs().CleanupOldJobs(days)
}

// reporter throttles one job's progress persistence.
type reporter struct {
	q     *Queue
	jobID string

	mu        sync.Mutex
	pages     int
	persisted int
	lastWrite time.Time
	lastBeat  time.Time
}

func (q *Queue) newReporter(jobID string) *reporter {
	now := q.now()
	return &reporter{q: q, jobID: jobID, lastWrite: now, lastBeat: now}
}

func (r *reporter) report(pages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pages > r.pages {
		r.pages = pages
	}
	now := r.q.now()

	if r.pages-r.persisted >= persistPageStep || now.Sub(r.lastWrite) >= persistWindow {
		if err := r.q.db.ScrapeJobs().UpdateProgress(r.jobID, r.pages); err != nil {
			log.Warn(log.CatScrape, "progress write failed", "id", r.jobID, "error", err.Error())
			return
		}
		r.persisted = r.pages
		r.lastWrite = now
		r.lastBeat = now
		return
	}
	if now.Sub(r.lastBeat) >= heartbeatWindow {
		if err := r.q.db.ScrapeJobs().TouchHeartbeat(r.jobID); err != nil {
			log.Warn(log.CatScrape, "heartbeat write failed", "id", r.jobID, "error", err.Error())
			return
		}
		r.lastBeat = now
	}
}

// flush writes the final page count. Always called once per job.
func (r *reporter) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pages == r.persisted {
		return
	}
	if err := r.q.db.ScrapeJobs().UpdateProgress(r.jobID, r.pages); err != nil {
		log.Warn(log.CatScrape, "final progress write failed", "id", r.jobID, "error", err.Error())
		return
	}
	r.persisted = r.pages
}

func (r *reporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages
}
