// Package worker applies queued Stripe webhook deliveries. The HTTP handler
// only verifies and stores an event; a worker claims it from the jobs table,
// dispatches it by job type and retries failures with backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

// ErrShutdownTimeout is returned by Stop when processors outlive the
// shutdown timeout.
var ErrShutdownTimeout = errors.New("worker: shutdown timeout exceeded")

// Handler runs one claimed job. Returning an error schedules a retry unless
// it is wrapped with Permanent or the job is out of attempts.
type Handler func(ctx context.Context, job *models.Job) error

// Queue is the job storage the worker drives. *store.JobStore implements it.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	ReleaseJob(ctx context.Context, id int64) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job is failed immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Backoff is an exponential retry schedule with ±20% jitter.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before retrying a job that has made attempt
// attempts so far.
func (b Backoff) Delay(attempt int) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	d := math.Min(float64(b.Base)*math.Pow(b.Multiplier, exp), float64(b.Max))
	return time.Duration(d * (0.8 + 0.4*rand.Float64()))
}

// Config tunes a Worker. Zero fields take DefaultConfig values.
type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	Backoff         Backoff
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig suits webhook traffic: a couple of processors, retries from
// five seconds up to ten minutes.
func DefaultConfig() Config {
	return Config{
		Concurrency:  2,
		PollInterval: 5 * time.Second,
		Backoff: Backoff{
			Base:       5 * time.Second,
			Max:        10 * time.Minute,
			Multiplier: 2,
		},
		JobTimeout:      time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.Backoff.Multiplier <= 1 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Stats is a point-in-time copy of the worker counters.
type Stats struct {
	Processed       int64     `json:"processed"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	Retried         int64     `json:"retried"`
	InFlight        int       `json:"inFlight"`
	LastProcessedAt time.Time `json:"lastProcessedAt"`
}

// Worker claims jobs from a Queue and dispatches them by job type.
type Worker struct {
	cfg   Config
	queue Queue
	id    string

	mu       sync.RWMutex
	handlers map[string]Handler
	inFlight map[int64]context.CancelFunc

	quit     chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	lastDone  atomic.Int64
}

// New returns a stopped worker with no handlers.
func New(cfg Config, queue Queue) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		queue:    queue,
		id:       "worker-" + uuid.NewString(),
		handlers: make(map[string]Handler),
		inFlight: make(map[int64]context.CancelFunc),
		quit:     make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a job type. Call before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// ID returns the worker id recorded on claimed jobs.
func (w *Worker) ID() string {
	return w.id
}

// Start launches the processors. They run until ctx is done or Stop is
// called.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[worker] %s starting %d processors", w.id, w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, fmt.Sprintf("%s/%d", w.id, i))
	}
}

// Stop halts polling, cancels running jobs and hands them back to the queue
// as pending so another worker can pick them up. It is safe to call twice.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.stopping.CompareAndSwap(false, true) {
		return nil
	}
	log.Printf("[worker] %s stopping", w.id)
	close(w.quit)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.ShutdownTimeout)
	defer cancel()

	w.releaseInFlight(ctx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[worker] %s stopped", w.id)
		return nil
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}

func (w *Worker) run(ctx context.Context, name string) {
	defer w.wg.Done()

	idle := time.NewTimer(0)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-idle.C:
		}

		claimed, err := w.processNextJob(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("[worker] %s: claim failed: %v", name, err)
		}

		wait := w.cfg.PollInterval
		if claimed {
			wait = 0
		}
		idle.Reset(wait)
	}
}

// processNextJob claims and runs one job. It reports whether a job was
// claimed so a busy queue is drained without waiting out the poll interval.
func (w *Worker) processNextJob(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, w.id)
	if err != nil || job == nil {
		return false, err
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *models.Job) {
	started := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	w.mu.Lock()
	w.inFlight[job.ID] = cancel
	handler, ok := w.handlers[job.JobType]
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, job.ID)
		w.mu.Unlock()
	}()

	log.Printf("[worker] job %d (%s) attempt %d/%d", job.ID, job.JobType, job.Attempts, job.MaxAttempts)

	var err error
	if ok {
		err = handler(jobCtx, job)
	} else {
		err = Permanent(fmt.Errorf("no handler registered for job type %q", job.JobType))
	}

	// Stop already put the row back to pending.
	if jobCtx.Err() != nil && w.stopping.Load() {
		return
	}

	// The job context may have timed out; the result must still be recorded.
	w.record(context.WithoutCancel(ctx), job, err, time.Since(started))
}

func (w *Worker) record(ctx context.Context, job *models.Job, jobErr error, took time.Duration) {
	w.processed.Add(1)
	w.lastDone.Store(time.Now().UnixNano())

	if jobErr == nil {
		w.succeeded.Add(1)
		log.Printf("[worker] job %d done in %v", job.ID, took)
		if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
			log.Printf("[worker] job %d: mark completed: %v", job.ID, err)
		}
		return
	}

	w.failed.Add(1)
	log.Printf("[worker] job %d failed after %v: %v", job.ID, took, jobErr)

	var permanent *permanentError
	if errors.As(jobErr, &permanent) || job.Attempts >= job.MaxAttempts {
		if err := w.queue.MarkFailed(ctx, job.ID, jobErr.Error()); err != nil {
			log.Printf("[worker] job %d: mark failed: %v", job.ID, err)
		}
		return
	}

	delay := w.cfg.Backoff.Delay(job.Attempts)
	w.retried.Add(1)
	log.Printf("[worker] job %d: retry in %v", job.ID, delay.Round(time.Millisecond))
	if err := w.queue.ScheduleRetry(ctx, job.ID, jobErr.Error(), time.Now().Add(delay)); err != nil {
		log.Printf("[worker] job %d: schedule retry: %v", job.ID, err)
	}
}

func (w *Worker) releaseInFlight(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.inFlight))
	for id, cancel := range w.inFlight {
		cancel()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			log.Printf("[worker] job %d: release: %v", id, err)
		}
	}
}

// GetStats returns the worker counters.
func (w *Worker) GetStats() Stats {
	w.mu.RLock()
	inFlight := len(w.inFlight)
	w.mu.RUnlock()

	var last time.Time
	if ns := w.lastDone.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Processed:       w.processed.Load(),
		Succeeded:       w.succeeded.Load(),
		Failed:          w.failed.Load(),
		Retried:         w.retried.Load(),
		InFlight:        inFlight,
		LastProcessedAt: last,
	}
}

// Enqueue stores a new pending job.
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	log.Printf("[worker] queued job %d (%s)", job.ID, job.JobType)
	return nil
}
