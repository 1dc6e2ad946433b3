package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle position of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobTypeStripeEvent is a verified Stripe webhook event waiting to be applied
// to the subscriptions table. Its dedupe key is the Stripe event id.
const JobTypeStripeEvent = "stripe_event"

// DefaultJobMaxAttempts bounds retries for webhook-driven jobs.
const DefaultJobMaxAttempts = 5

// Job is one row of the jobs table.
type Job struct {
	ID          int64      `json:"id"`
	JobType     string     `json:"job_type"`
	DedupeKey   *string    `json:"dedupe_key,omitempty"`
	Payload     JSONB      `json:"payload"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	WorkerID    *string    `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the job can be enqueued, filling in defaults.
func (j *Job) Validate() error {
	if j.JobType == "" {
		return errors.New("job type is required")
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = DefaultJobMaxAttempts
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, got %d", j.MaxAttempts)
	}
	if j.DedupeKey != nil && *j.DedupeKey == "" {
		j.DedupeKey = nil
	}
	return nil
}

// JSONB stores a JSON object in a Postgres jsonb column. A nil map is
// written as {}.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = JSONB{}
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("jsonb: unsupported source type %T", src)
	}
}

// JobStats counts jobs by status.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Add folds n jobs of the given status into the counts.
func (s *JobStats) Add(status JobStatus, n int) {
	switch status {
	case JobStatusPending:
		s.Pending += n
	case JobStatusProcessing:
		s.Processing += n
	case JobStatusCompleted:
		s.Completed += n
	case JobStatusFailed:
		s.Failed += n
	}
	s.Total += n
}
