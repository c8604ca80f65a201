package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"schoolbot/server/internal/config"
)

// ErrQueueFull is returned when no slot is free in the queue.
var ErrQueueFull = errors.New("queue is full")

// ErrQueueStopped is returned after Stop.
var ErrQueueStopped = errors.New("queue is stopped")

const cleanupInterval = time.Minute

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobFunc is the work a job performs.
type JobFunc func(ctx context.Context) (any, error)

// Job is a queued unit of work.
type Job struct {
	ID        string
	Kind      string
	Run       JobFunc
	CreatedAt time.Time

	resultCh chan *JobResult
}

// JobResult is the outcome of a job, kept for later lookup.
type JobResult struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Status     JobStatus     `json:"status"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// JobQueue runs jobs on a fixed pool of workers.
type JobQueue struct {
	jobs    chan *Job
	results map[string]*JobResult
	mu      sync.RWMutex

	maxWorkers int
	resultTTL  time.Duration
	running    atomic.Int32
	stopped    atomic.Bool
	stopOnce   sync.Once
	wg         sync.WaitGroup

	logger *zap.Logger
	now    func() time.Time
}

// NewJobQueue creates a queue from the queue config section.
func NewJobQueue(cfg config.QueueConfig, logger *zap.Logger) *JobQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.MaxQueueSize
	if size <= 0 {
		size = 100
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	ttl := cfg.ResultTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JobQueue{
		jobs:       make(chan *Job, size),
		results:    make(map[string]*JobResult),
		maxWorkers: workers,
		resultTTL:  ttl,
		logger:     logger.Named("jobs"),
		now:        time.Now,
	}
}

// Start starts the workers and the result cleanup loop. They exit when ctx is
// cancelled or the queue is stopped.
func (q *JobQueue) Start(ctx context.Context) {
	for i := 0; i < q.maxWorkers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	go q.cleanup(ctx)
}

// Stop closes the queue and waits for in-flight jobs.
func (q *JobQueue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped.Store(true)
		close(q.jobs)
		q.mu.Unlock()
	})
	q.wg.Wait()
}

func (q *JobQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job)
		}
	}
}

func (q *JobQueue) run(ctx context.Context, job *Job) {
	q.running.Inc()
	defer q.running.Dec()

	q.setStatus(job.ID, JobRunning)
	start := q.now()
	out, err := safeRun(ctx, job.Run)

	result := &JobResult{
		ID:         job.ID,
		Kind:       job.Kind,
		Status:     JobCompleted,
		Output:     out,
		Duration:   q.now().Sub(start),
		CreatedAt:  job.CreatedAt,
		FinishedAt: q.now(),
	}
	if err != nil {
		result.Status = JobFailed
		result.Error = err.Error()
		q.logger.Error("job failed", zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.Error(err))
	} else {
		q.logger.Info("job completed", zap.String("job_id", job.ID), zap.String("kind", job.Kind),
			zap.Duration("duration", result.Duration))
	}

	q.mu.Lock()
	q.results[job.ID] = result
	q.mu.Unlock()

	if job.resultCh != nil {
		job.resultCh <- result
	}
}

func safeRun(ctx context.Context, fn JobFunc) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (q *JobQueue) setStatus(id string, status JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.results[id]; ok {
		r.Status = status
	}
}

// cleanup removes finished results older than the retention period.
func (q *JobQueue) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.PruneResults()
		}
	}
}

// PruneResults drops finished results past their retention; it returns how
// many were removed.
func (q *JobQueue) PruneResults() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	removed := 0
	for id, r := range q.results {
		if r.FinishedAt.IsZero() {
			continue
		}
		if now.Sub(r.FinishedAt) > q.resultTTL {
			delete(q.results, id)
			removed++
		}
	}
	return removed
}

// Enqueue adds a job without waiting and returns its ID.
func (q *JobQueue) Enqueue(kind string, fn JobFunc) (string, error) {
	job := &Job{ID: uuid.NewString(), Kind: kind, Run: fn, CreatedAt: q.now()}
	if err := q.enqueue(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *JobQueue) enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped.Load() {
		return ErrQueueStopped
	}

	select {
	case q.jobs <- job:
		q.results[job.ID] = &JobResult{
			ID:        job.ID,
			Kind:      job.Kind,
			Status:    JobQueued,
			CreatedAt: job.CreatedAt,
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueWithWait enqueues a job and waits for its result.
func (q *JobQueue) EnqueueWithWait(ctx context.Context, kind string, fn JobFunc) (*JobResult, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Run:       fn,
		CreatedAt: q.now(),
		resultCh:  make(chan *JobResult, 1),
	}
	if err := q.enqueue(job); err != nil {
		return nil, err
	}

	select {
	case result := <-job.resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result looks up a job by ID.
func (q *JobQueue) Result(id string) (*JobResult, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	r, ok := q.results[id]
	if !ok {
		return nil, false
	}
	c := *r
	return &c, true
}

// Size returns the number of jobs waiting.
func (q *JobQueue) Size() int {
	return len(q.jobs)
}

// Running returns the number of jobs being executed.
func (q *JobQueue) Running() int {
	return int(q.running.Load())
}

// Workers returns the pool size.
func (q *JobQueue) Workers() int {
	return q.maxWorkers
}
