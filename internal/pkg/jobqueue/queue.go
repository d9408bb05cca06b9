package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/cache"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobStatsKey      = "job_stats"
	JobDelayedKey    = "job_delayed"
	JobDeadKey       = "job_dead"

	JobTTL          = 24 * time.Hour // Jobs expire after 24 hours
	CompletedJobTTL = time.Hour      // Finished jobs stay readable through their handle

	deadListMax = 1000
)

var ErrUnknownJobType = errors.New("unknown job type")

// Handler runs one job. A returned Result is final. A returned error is
// retried when it is transient and fails the job otherwise.
type Handler func(ctx context.Context, job *Job) (Result, error)

// Queue manages background jobs using Redis
type Queue struct {
	client     *redis.Client
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool

	policy     RetryPolicy
	handlersMu sync.RWMutex
	handlers   map[JobType]Handler
}

// NewQueue creates a new job queue on the shared cache client
func NewQueue(workers int, policy RetryPolicy) *Queue {
	return NewQueueWithClient(cache.GetClient(), workers, policy)
}

func NewQueueWithClient(client *redis.Client, workers int, policy RetryPolicy) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:     client,
		workers:    workers,
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
		policy:     policy,
		handlers:   make(map[JobType]Handler),
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (q *Queue) Register(jobType JobType, handler Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[jobType] = handler
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Policy returns the retry policy the queue applies.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	// Initialize worker pool
	for len(q.workerPool) < q.workers {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, 1*time.Minute)

	q.wg.Add(1)
	go q.delayedPromoter(time.Second)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			if n, err := q.RecoverStuck(ctx, maxAge); err != nil {
				log.Errorf("[JobQueue] Sweeper error: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] Sweeper recovered %d stuck jobs", n)
			}
		}
	}
}

// RecoverStuck moves jobs that have been processing for longer than maxAge
// back to the pending queue.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	now := time.Now().UTC()
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Job data missing; remove from processing list
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper read error for %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}
		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job, JobTTL)
		_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
		_ = q.client.RPush(ctx, JobQueueKey, id).Err()
		recovered++
	}
	return recovered, nil
}

// delayedPromoter moves retries whose backoff has elapsed onto the queue.
func (q *Queue) delayedPromoter(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			if _, err := q.PromoteDue(ctx, now); err != nil {
				log.Errorf("[JobQueue] Promoting delayed jobs failed: %v", err)
			}
		}
	}
}

// PromoteDue pushes every delayed job due at or before now onto the queue.
// ZREM decides ownership, so concurrent promoters never double-queue a job.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			// Acquire worker slot
			<-q.workerPool

			job, err := q.dequeueJob(ctx, time.Second)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
				q.processJob(ctx, job)
			}

			// Release worker slot
			q.workerPool <- struct{}{}
		}
	}
}

// Schedule stores a job and queues it for the workers. The returned job ID
// is the handle for GetJob.
func (q *Queue) Schedule(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	if _, ok := q.handler(jobType); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: q.policy.MaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	jobKey := JobKeyPrefix + job.ID

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// RunNow executes a job in the calling goroutine with the same retry policy,
// sleeping between attempts. It is used by the CLI and by eager callers.
func (q *Queue) RunNow(ctx context.Context, jobType JobType, payload map[string]interface{}) (Result, error) {
	if _, ok := q.handler(jobType); !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	now := time.Now().UTC()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusProcessing,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: q.policy.MaxRetries,
	}

	for {
		result, err := q.execute(ctx, job)
		if err == nil {
			return result, nil
		}
		if !syncerr.IsTransient(err) {
			return Failed(syncerr.Reason(err), nil), nil
		}
		if !job.IsRetryable() {
			return Failed("retries exhausted: "+syncerr.Reason(err), nil), nil
		}
		delay := q.policy.Delay(job.RetryCount + 1)
		job.MarkAsRetrying(err.Error(), time.Now().Add(delay))
		log.Warnf("[JobQueue] %s attempt %d/%d failed, retrying in %s: %v", job.Type, job.RetryCount, job.MaxRetries, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Failed("cancelled: "+err.Error(), nil), ctx.Err()
		case <-timer.C:
		}
	}
}

// ProcessNext runs the next queued job, if any, without blocking. It returns
// the job in its post-run state, or nil when the queue is empty.
func (q *Queue) ProcessNext(ctx context.Context) (*Job, error) {
	job, err := q.dequeueJob(ctx, 0)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q.processJob(ctx, job)
	return job, nil
}

// dequeueJob gets the next job from the queue. A zero wait does not block.
func (q *Queue) dequeueJob(ctx context.Context, wait time.Duration) (*Job, error) {
	var jobID string
	var err error
	if wait > 0 {
		jobID, err = q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, wait).Result()
	} else {
		jobID, err = q.client.RPopLPush(ctx, JobQueueKey, JobProcessingKey).Result()
	}
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Job data missing or invalid, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not readable for ID %s: %w", jobID, err)
	}
	return job, nil
}

// execute calls the handler, converting panics into permanent failures.
func (q *Queue) execute(ctx context.Context, job *Job) (result Result, err error) {
	h, ok := q.handler(job.Type)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job, JobTTL)

	result, err := q.execute(ctx, job)
	switch {
	case err == nil:
		job.MarkAsFinished(result)
		if result.OK() {
			log.Infof("[JobQueue] Job %s completed successfully", job.ID)
			q.updateJobStats(ctx, JobStatusCompleted, 1)
		} else {
			log.Warnf("[JobQueue] Job %s (Type: %s) finished as failed: %s", job.ID, job.Type, result.Reason)
			q.updateJobStats(ctx, JobStatusFailed, 1)
		}
		q.updateJob(ctx, job, CompletedJobTTL)

	case syncerr.IsTransient(err) && job.IsRetryable():
		delay := q.policy.Delay(job.RetryCount + 1)
		next := time.Now().Add(delay)
		job.MarkAsRetrying(err.Error(), next)
		log.Warnf("[JobQueue] Retrying job %s in %s (Attempt %d/%d): %v", job.ID, delay, job.RetryCount, job.MaxRetries, err)
		q.updateJob(ctx, job, JobTTL)
		if zerr := q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(next.UnixMilli()), Member: job.ID}).Err(); zerr != nil {
			log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, zerr)
		}
		q.updateJobStats(ctx, JobStatusRetrying, 1)

	default:
		reason := syncerr.Reason(err)
		if syncerr.IsTransient(err) {
			reason = "retries exhausted: " + reason
			log.Errorf("[JobQueue] Job %s (Type: %s) permanently failed after %d retries: %v", job.ID, job.Type, job.RetryCount, err)
		} else {
			log.Errorf("[JobQueue] Job %s (Type: %s) failed: %v", job.ID, job.Type, err)
		}
		job.MarkAsFinished(Failed(reason, nil))
		q.updateJob(ctx, job, JobTTL)
		q.updateJobStats(ctx, JobStatusFailed, 1)
		pipe := q.client.TxPipeline()
		pipe.LPush(ctx, JobDeadKey, job.ID)
		pipe.LTrim(ctx, JobDeadKey, 0, deadListMax-1)
		if _, derr := pipe.Exec(ctx); derr != nil {
			log.Errorf("[JobQueue] Failed to record dead job %s: %v", job.ID, derr)
		}
	}

	q.removeFromProcessing(ctx, job.ID)
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job, ttl time.Duration) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	jobKey := JobKeyPrefix + job.ID
	if err := q.client.Set(ctx, jobKey, jobData, ttl).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobKey := JobKeyPrefix + jobID
	jobData, err := q.client.Get(ctx, jobKey).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[JobStatus(status)] = countInt
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetDelayedSize returns the number of jobs waiting out a backoff
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}

// GetDeadJobIDs returns the most recent permanently failed job ids
func (q *Queue) GetDeadJobIDs(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.client.LRange(ctx, JobDeadKey, 0, limit-1).Result()
}
