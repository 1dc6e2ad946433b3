package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

var (
	// ErrJobNotFound is returned when no job row matches.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned by Enqueue when a job with the same type and
	// dedupe key already exists.
	ErrDuplicateJob = errors.New("duplicate job")
)

// DefaultStaleAfter is how long a job may sit in processing before another
// worker may claim it again.
const DefaultStaleAfter = 10 * time.Minute

const jobColumns = `
	id, job_type, dedupe_key, payload, status, attempts, max_attempts,
	last_error, retry_after, worker_id, created_at, updated_at, completed_at`

const (
	insertJobSQL = `
INSERT INTO jobs (job_type, dedupe_key, payload, status, max_attempts)
VALUES ($1, $2, $3, 'pending', $4)
ON CONFLICT (job_type, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
RETURNING id, created_at, updated_at`

	// The inner SELECT skips rows other workers hold, so concurrent claims
	// never block on each other. A processing row untouched for $2 seconds
	// was left behind by a worker that exited mid-job and is claimed again.
	claimJobSQL = `
UPDATE jobs
   SET status = 'processing', worker_id = $1, attempts = attempts + 1, updated_at = NOW()
 WHERE id = (
       SELECT id FROM jobs
        WHERE (status = 'pending' AND (retry_after IS NULL OR retry_after <= NOW()))
           OR (status = 'processing' AND updated_at < NOW() - make_interval(secs => $2))
        ORDER BY created_at
        LIMIT 1
          FOR UPDATE SKIP LOCKED)
RETURNING` + jobColumns

	completeJobSQL = `
UPDATE jobs
   SET status = 'completed', completed_at = NOW(), last_error = NULL, updated_at = NOW()
 WHERE id = $1`

	failJobSQL = `
UPDATE jobs
   SET status = 'failed', last_error = $2, updated_at = NOW()
 WHERE id = $1`

	retryJobSQL = `
UPDATE jobs
   SET status = 'pending', last_error = $2, retry_after = $3, worker_id = NULL, updated_at = NOW()
 WHERE id = $1`

	// A released job gives back the attempt its claim consumed.
	releaseJobSQL = `
UPDATE jobs
   SET status = 'pending', worker_id = NULL, attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
 WHERE id = $1 AND status = 'processing'`
)

// JobStore is the Postgres-backed queue behind Stripe webhook processing.
type JobStore struct {
	db         *sql.DB
	staleAfter time.Duration
}

// NewJobStore creates a JobStore using the provided sql.DB connection.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db, staleAfter: DefaultStaleAfter}, nil
}

// SetStaleAfter changes how long a processing job is left alone before it
// is reclaimed. It must exceed the longest a job can run.
func (s *JobStore) SetStaleAfter(d time.Duration) {
	s.staleAfter = d
}

// Enqueue inserts job as pending and fills in its id and timestamps. A job
// whose DedupeKey was already queued for the same type is not inserted and
// ErrDuplicateJob is returned.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	err := s.db.QueryRowContext(ctx, insertJobSQL, job.JobType, job.DedupeKey, job.Payload, job.MaxAttempts).
		Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateJob
	}
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.JobType, err)
	}

	job.Status = models.JobStatusPending
	return nil
}

// GetByID returns one job, or ErrJobNotFound.
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ClaimNextJob marks the oldest runnable job as processing by workerID and
// returns it. Runnable means pending and due, or stuck in processing for
// longer than the stale timeout. It returns (nil, nil) when nothing is
// runnable.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	staleAfter := s.staleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, claimJobSQL, workerID, staleAfter.Seconds()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	return s.update(ctx, "complete", completeJobSQL, id)
}

// MarkFailed records a final failure; the job will not run again.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	return s.update(ctx, "fail", failJobSQL, id, errorMsg)
}

// ScheduleRetry returns a job to pending, runnable from retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	return s.update(ctx, "retry", retryJobSQL, id, errorMsg, retryAfter)
}

// ReleaseJob hands a job that was cut short by shutdown back to pending.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	return s.update(ctx, "release", releaseJobSQL, id)
}

// GetStats counts jobs by status.
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := &models.JobStats{}
	for rows.Next() {
		var (
			status models.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("job stats: scan: %w", err)
		}
		stats.Add(status, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

func (s *JobStore) update(ctx context.Context, op, query string, id int64, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s job %d: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s job %d: %w", op, id, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.JobType, &job.DedupeKey, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.LastError, &job.RetryAfter,
		&job.WorkerID, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
