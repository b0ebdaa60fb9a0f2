package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zmcptools/zmcp/internal/zerr"
)

// scrapeJobColumns is the list of columns to select for scrape job queries.
const scrapeJobColumns = `id, source_id, job_data, status, priority, locked_by, locked_at,
	lock_timeout_seconds, pages_scraped, started_at, completed_at, error_message, result_data,
	created_at, updated_at`

// ScrapeJobRepository persists the leased crawl job queue. Lease
// acquisition runs inside a transaction so at most one worker ever sees a
// given pending job.
type ScrapeJobRepository struct {
	db   *DB
	conn *sql.DB
}

func scanScrapeJob(scanner interface{ Scan(...any) error }) (*ScrapeJobModel, error) {
	var m ScrapeJobModel
	err := scanner.Scan(
		&m.ID, &m.SourceID, &m.JobData, &m.Status, &m.Priority, &m.LockedBy, &m.LockedAt,
		&m.LockTimeoutSeconds, &m.PagesScraped, &m.StartedAt, &m.CompletedAt, &m.ErrorMessage,
		&m.ResultData, &m.CreatedAt, &m.UpdatedAt,
	)
	return &m, err
}

// Create inserts a new job row.
func (r *ScrapeJobRepository) Create(j *ScrapeJob) error {
	m, err := toScrapeJobModel(j)
	if err != nil {
		return err
	}
	_, err = r.conn.Exec(
		`INSERT INTO scrape_jobs (`+scrapeJobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SourceID, m.JobData, m.Status, m.Priority, m.LockedBy, m.LockedAt,
		m.LockTimeoutSeconds, m.PagesScraped, m.StartedAt, m.CompletedAt, m.ErrorMessage,
		m.ResultData, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting scrape job: %w", err)
	}
	return nil
}

// FindByID retrieves a job by id. Returns NotFound when absent.
func (r *ScrapeJobRepository) FindByID(id string) (*ScrapeJob, error) {
	row := r.conn.QueryRow(`SELECT `+scrapeJobColumns+` FROM scrape_jobs WHERE id = ?`, id)
	m, err := scanScrapeJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "scrape job %s", id)
	}
	if err != nil {
		return nil, corrupt("scrape_job", err)
	}
	return m.toDomain()
}

// FindActiveBySource returns the pending or running job for a source, or
// NotFound. Used for queue idempotence.
func (r *ScrapeJobRepository) FindActiveBySource(sourceID string) (*ScrapeJob, error) {
	row := r.conn.QueryRow(
		`SELECT `+scrapeJobColumns+` FROM scrape_jobs
		 WHERE source_id = ? AND status IN ('pending', 'running')
		 ORDER BY created_at ASC LIMIT 1`,
		sourceID,
	)
	m, err := scanScrapeJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerr.New(zerr.KindNotFound, "no active job for source %s", sourceID)
	}
	if err != nil {
		return nil, corrupt("scrape_job", err)
	}
	return m.toDomain()
}

// LockNextPendingJob atomically leases the best pending job for a worker:
// lowest priority value first, then earliest created_at. The transaction
// boundary is the serialization point against concurrent workers. Returns
// nil without error when no job is available.
func (r *ScrapeJobRepository) LockNextPendingJob(workerID string, leaseSeconds int) (*ScrapeJob, error) {
	var job *ScrapeJob
	err := r.db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(
			`SELECT ` + scrapeJobColumns + ` FROM scrape_jobs
			 WHERE status = 'pending' AND locked_by IS NULL
			 ORDER BY priority ASC, created_at ASC LIMIT 1`,
		)
		m, err := scanScrapeJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return corrupt("scrape_job", err)
		}

		now := nowMillis()
		result, err := tx.Exec(
			`UPDATE scrape_jobs
			 SET locked_by = ?, locked_at = ?, status = 'running', started_at = ?,
			     lock_timeout_seconds = ?, updated_at = ?
			 WHERE id = ? AND status = 'pending' AND locked_by IS NULL`,
			workerID, now, now, leaseSeconds, now, m.ID,
		)
		if err != nil {
			return fmt.Errorf("locking job: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if affected == 0 {
			// Raced with another worker inside a weaker isolation level;
			// treat as no job available this round.
			return nil
		}

		m.LockedBy = &workerID
		m.LockedAt = &now
		m.Status = string(JobRunning)
		m.StartedAt = &now
		m.LockTimeoutSeconds = leaseSeconds
		m.UpdatedAt = now
		job, err = m.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateProgress persists the page counter. Throttling lives in the queue
// service; every call here writes.
func (r *ScrapeJobRepository) UpdateProgress(id string, pagesScraped int) error {
	return r.execOnJob(
		`UPDATE scrape_jobs SET pages_scraped = ?, updated_at = ? WHERE id = ?`,
		pagesScraped, nowMillis(), id,
	)
}

// TouchHeartbeat bumps only updated_at, proving the lease holder is alive.
func (r *ScrapeJobRepository) TouchHeartbeat(id string) error {
	return r.execOnJob(
		`UPDATE scrape_jobs SET updated_at = ? WHERE id = ?`,
		nowMillis(), id,
	)
}

// MarkCompleted finishes a running job, releasing the lease.
func (r *ScrapeJobRepository) MarkCompleted(id string, result map[string]any) error {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return err
	}
	now := nowMillis()
	return r.execOnJob(
		`UPDATE scrape_jobs
		 SET status = 'completed', result_data = ?, completed_at = ?,
		     locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		resultJSON, now, now, id,
	)
}

// MarkFailed fails a running job, releasing the lease.
func (r *ScrapeJobRepository) MarkFailed(id string, errMsg string) error {
	now := nowMillis()
	return r.execOnJob(
		`UPDATE scrape_jobs
		 SET status = 'failed', error_message = ?, completed_at = ?,
		     locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, now, now, id,
	)
}

// CancelJob cancels a job with a reason, releasing any lease.
func (r *ScrapeJobRepository) CancelJob(id string, reason string) error {
	now := nowMillis()
	return r.execOnJob(
		`UPDATE scrape_jobs
		 SET status = 'cancelled', error_message = ?, completed_at = ?,
		     locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		reason, now, now, id,
	)
}

// RetryJob rehydrates a failed job to pending, clearing lease and
// start/completion stamps. Only failed jobs are retryable.
func (r *ScrapeJobRepository) RetryJob(id string) error {
	result, err := r.conn.Exec(
		`UPDATE scrape_jobs
		 SET status = 'pending', locked_by = NULL, locked_at = NULL,
		     started_at = NULL, completed_at = NULL, error_message = NULL,
		     pages_scraped = 0, updated_at = ?
		 WHERE id = ? AND status = 'failed'`,
		nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("retrying job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		job, err := r.FindByID(id)
		if err != nil {
			return err
		}
		return zerr.New(zerr.KindIllegalTransition, "cannot retry job %s in status %s", id, job.Status)
	}
	return nil
}

// FindExpiredLocks returns running jobs whose lease has lapsed.
func (r *ScrapeJobRepository) FindExpiredLocks() ([]*ScrapeJob, error) {
	// Lease expiry is locked_at + lock_timeout_seconds, both stored in the row.
	return r.queryJobs(
		`SELECT `+scrapeJobColumns+` FROM scrape_jobs
		 WHERE status = 'running' AND locked_at IS NOT NULL
		   AND ? - locked_at > lock_timeout_seconds * 1000
		 ORDER BY locked_at ASC`,
		nowMillis(),
	)
}

// ResetExpired resets one expired job back to pending with the standard
// expiry note. Guarded so a just-completed job is never clobbered.
func (r *ScrapeJobRepository) ResetExpired(id string) error {
	return r.execOnJob(
		`UPDATE scrape_jobs
		 SET status = 'pending', locked_by = NULL, locked_at = NULL, started_at = NULL,
		     error_message = 'Job lock expired and was reset', updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		nowMillis(), id,
	)
}

// ForceUnlockJob resets a job to pending regardless of its lease state,
// recording the operator-supplied reason.
func (r *ScrapeJobRepository) ForceUnlockJob(id string, reason string) error {
	return r.execOnJob(
		`UPDATE scrape_jobs
		 SET status = 'pending', locked_by = NULL, locked_at = NULL, started_at = NULL,
		     error_message = ?, updated_at = ?
		 WHERE id = ?`,
		reason, nowMillis(), id,
	)
}

// FindStuck returns running jobs started more than threshold ago,
// regardless of their lease accounting.
func (r *ScrapeJobRepository) FindStuck(threshold time.Duration) ([]*ScrapeJob, error) {
	cutoff := time.Now().Add(-threshold).UnixMilli()
	return r.queryJobs(
		`SELECT `+scrapeJobColumns+` FROM scrape_jobs
		 WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?
		 ORDER BY started_at ASC`,
		cutoff,
	)
}

// CleanupOldJobs deletes terminal jobs older than the given number of days.
func (r *ScrapeJobRepository) CleanupOldJobs(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	result, err := r.conn.Exec(
		`DELETE FROM scrape_jobs
		 WHERE status IN ('completed', 'failed', 'cancelled', 'timeout') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up old jobs: %w", err)
	}
	return result.RowsAffected()
}

// List returns jobs filtered by status (all when empty), newest first.
func (r *ScrapeJobRepository) List(status JobStatus, limit int) ([]*ScrapeJob, error) {
	query := `SELECT ` + scrapeJobColumns + ` FROM scrape_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryJobs(query, args...)
}

func (r *ScrapeJobRepository) execOnJob(query string, args ...any) error {
	result, err := r.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating scrape job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		id := args[len(args)-1]
		return zerr.New(zerr.KindNotFound, "scrape job %v (or not in an eligible status)", id)
	}
	return nil
}

func (r *ScrapeJobRepository) queryJobs(query string, args ...any) ([]*ScrapeJob, error) {
	rows, err := r.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scrape jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*ScrapeJob
	for rows.Next() {
		m, err := scanScrapeJob(rows)
		if err != nil {
			return nil, corrupt("scrape_job", err)
		}
		j, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scrape job rows: %w", err)
	}
	return jobs, nil
}
