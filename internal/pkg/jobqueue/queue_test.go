package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/testutil"
)

const testJobType JobType = "test_job"

func newTestQueue(t *testing.T, policy RetryPolicy) *Queue {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	return NewQueueWithClient(client, 2, policy)
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
}

func transientErr() error {
	return &syncerr.TransientError{System: "stalwart", Op: "get principal", StatusCode: 503}
}

func TestNewQueueWithClient(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueueWithClient(nil, tt.workers, DefaultRetryPolicy())

			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.False(t, queue.running)
		})
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{60, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSchedule_UnknownType(t *testing.T) {
	q := newTestQueue(t, fastPolicy(1))

	_, err := q.Schedule(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestProcessNext_Success(t *testing.T) {
	q := newTestQueue(t, fastPolicy(3))
	q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
		return Success(map[string]interface{}{"echo": job.Payload["value"]}), nil
	})
	ctx := context.Background()

	scheduled, err := q.Schedule(ctx, testJobType, map[string]interface{}{"value": "hi"})
	require.NoError(t, err)

	job, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusCompleted, job.Status)

	stored, err := q.GetJob(ctx, scheduled.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Result)
	assert.Equal(t, ResultSuccess, stored.Result.Status)
	assert.Equal(t, "hi", stored.Result.Data["echo"])

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])

	next, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestProcessNext_TransientRetriesThenSucceeds(t *testing.T) {
	q := newTestQueue(t, fastPolicy(3))
	var calls int32
	q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return Result{}, transientErr()
		}
		return Success(nil), nil
	})
	ctx := context.Background()

	scheduled, err := q.Schedule(ctx, testJobType, nil)
	require.NoError(t, err)

	job, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.NextAttemptAt)

	delayed, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	// Nothing is due yet.
	promoted, err := q.PromoteDue(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, promoted)

	promoted, err = q.PromoteDue(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)

	stored, err := q.GetJob(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, stored.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProcessNext_ExhaustedGoesToDeadList(t *testing.T) {
	q := newTestQueue(t, fastPolicy(1))
	q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
		return Result{}, transientErr()
	})
	ctx := context.Background()

	scheduled, err := q.Schedule(ctx, testJobType, nil)
	require.NoError(t, err)

	job, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, job.Status)

	_, err = q.PromoteDue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	job, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.Result)
	assert.Contains(t, job.Result.Reason, "retries exhausted")

	dead, err := q.GetDeadJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{scheduled.ID}, dead)
}

func TestProcessNext_NonTransientFailsImmediately(t *testing.T) {
	q := newTestQueue(t, fastPolicy(5))
	var calls int32
	q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{}, &syncerr.SchemaViolationError{Field: "name", Action: "addItem"}
	})
	ctx := context.Background()

	_, err := q.Schedule(ctx, testJobType, nil)
	require.NoError(t, err)

	job, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 0, job.RetryCount)

	delayed, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, delayed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcessNext_FailedResultIsFinal(t *testing.T) {
	q := newTestQueue(t, fastPolicy(5))
	q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
		return Skipped("webhook is out of date"), nil
	})
	ctx := context.Background()

	_, err := q.Schedule(ctx, testJobType, nil)
	require.NoError(t, err)

	job, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.True(t, job.Result.IsSkipped())
	assert.Equal(t, "webhook is out of date", job.Result.Reason)

	dead, err := q.GetDeadJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestProcessNext_PanicIsPermanentFailure(t *testing.T) {
	q := newTestQueue(t, fastPolicy(5))
	q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
		panic("boom")
	})
	ctx := context.Background()

	_, err := q.Schedule(ctx, testJobType, nil)
	require.NoError(t, err)

	job, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMsg, "boom")
}

func TestRunNow(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		q := NewQueueWithClient(nil, 1, fastPolicy(3))
		var calls int32
		q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return Result{}, transientErr()
			}
			return Success(nil), nil
		})

		res, err := q.RunNow(context.Background(), testJobType, nil)
		require.NoError(t, err)
		assert.True(t, res.OK())
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		q := NewQueueWithClient(nil, 1, fastPolicy(2))
		var calls int32
		q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
			atomic.AddInt32(&calls, 1)
			return Result{}, transientErr()
		})

		res, err := q.RunNow(context.Background(), testJobType, nil)
		require.NoError(t, err)
		assert.Equal(t, ResultFailed, res.Status)
		assert.Contains(t, res.Reason, "retries exhausted")
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("remote error is not retried", func(t *testing.T) {
		q := NewQueueWithClient(nil, 1, fastPolicy(5))
		var calls int32
		q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
			atomic.AddInt32(&calls, 1)
			return Result{}, &syncerr.RemoteError{System: "stalwart", Op: "create principal", Code: "other", Details: "quota", Reason: "invalid"}
		})

		res, err := q.RunNow(context.Background(), testJobType, nil)
		require.NoError(t, err)
		assert.Equal(t, "quota: invalid", res.Reason)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("context cancellation stops backoff", func(t *testing.T) {
		q := NewQueueWithClient(nil, 1, RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
		q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
			return Result{}, transientErr()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res, err := q.RunNow(ctx, testJobType, nil)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, ResultFailed, res.Status)
	})
}

func TestRecoverStuck(t *testing.T) {
	q := newTestQueue(t, fastPolicy(1))
	q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) { return Success(nil), nil })
	ctx := context.Background()

	scheduled, err := q.Schedule(ctx, testJobType, nil)
	require.NoError(t, err)

	job, err := q.dequeueJob(ctx, 0)
	require.NoError(t, err)
	job.MarkAsProcessing()
	old := time.Now().Add(-time.Hour).UTC()
	job.ProcessedAt = &old
	q.updateJob(ctx, job, JobTTL)

	n, err := q.RecoverStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	stored, err := q.GetJob(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
}

func TestQueue_StartProcessesScheduledJobs(t *testing.T) {
	q := newTestQueue(t, fastPolicy(1))
	done := make(chan string, 1)
	q.Register(testJobType, func(ctx context.Context, job *Job) (Result, error) {
		done <- job.ID
		return Success(nil), nil
	})

	q.Start()
	defer q.Stop()

	scheduled, err := q.Schedule(context.Background(), testJobType, nil)
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, scheduled.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	assert.Eventually(t, func() bool {
		stored, err := q.GetJob(context.Background(), scheduled.ID)
		return err == nil && stored.Status == JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
