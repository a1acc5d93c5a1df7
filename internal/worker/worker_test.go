package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupesleuth/internal/dbstore"
	"dupesleuth/internal/logger"
	"dupesleuth/internal/models"
	"dupesleuth/internal/queue"
)

func TestRetryDelay_DoublesWithEachAttempt(t *testing.T) {
	plain := errors.New("boom")
	d1 := retryDelay(1, plain)
	d2 := retryDelay(2, plain)
	d3 := retryDelay(3, plain)
	assert.Equal(t, time.Second, d1)
	assert.Equal(t, 2*time.Second, d2)
	assert.Equal(t, 4*time.Second, d3)
}

func TestRetryDelay_InflatesBaseOnRateLimitError(t *testing.T) {
	rateLimited := errors.New("received HTTP 429 from upstream")
	d := retryDelay(1, rateLimited)
	assert.Equal(t, 60*time.Second, d)

	d2 := retryDelay(2, rateLimited)
	assert.Equal(t, 120*time.Second, d2)
}

func TestRetryDelay_ClampsAttemptsBelowOne(t *testing.T) {
	assert.Equal(t, retryDelay(1, nil), retryDelay(0, nil))
}

func newTestLoop(t *testing.T) (*Loop, *queue.Queue) {
	t.Helper()
	store, err := dbstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	q := queue.New(store.DB())
	return New(q, logger.New(false)), q
}

func TestTick_CompletesSuccessfulJob(t *testing.T) {
	loop, q := newTestLoop(t)
	loop.Register("noop", ProcessorFunc(func(ctx context.Context, job *models.Job) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))

	_, err := q.Enqueue("noop", map[string]any{}, queue.EnqueueOptions{})
	require.NoError(t, err)

	processed := loop.Tick(context.Background())
	assert.True(t, processed)

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

// A failing job with retries remaining is paused with a future run_after
// rather than terminally failed.
func TestTick_PausesRetryableFailure(t *testing.T) {
	loop, q := newTestLoop(t)
	loop.Register("flaky", ProcessorFunc(func(ctx context.Context, job *models.Job) (map[string]any, error) {
		return nil, errors.New("transient failure")
	}))

	_, err := q.Enqueue("flaky", map[string]any{}, queue.EnqueueOptions{MaxRetries: 3})
	require.NoError(t, err)

	processed := loop.Tick(context.Background())
	assert.True(t, processed)

	// Retried job is not immediately claimable again (run_after is in the
	// future).
	_, err = q.Dequeue()
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

// A job with no retries remaining is terminally failed and the
// onJobFailed callback fires.
func TestTick_FailsPermanentlyAfterRetriesExhausted(t *testing.T) {
	loop, q := newTestLoop(t)
	loop.Register("broken", ProcessorFunc(func(ctx context.Context, job *models.Job) (map[string]any, error) {
		return nil, errors.New("fatal")
	}))

	var failedJob *models.Job
	loop.SetOnJobFailed(func(job *models.Job, procErr error) {
		failedJob = job
	})

	id, err := q.Enqueue("broken", map[string]any{}, queue.EnqueueOptions{MaxRetries: 1})
	require.NoError(t, err)

	processed := loop.Tick(context.Background())
	assert.True(t, processed)
	require.NotNil(t, failedJob)
	assert.Equal(t, id, failedJob.ID)
}

func TestTick_UnknownJobTypeFailsPermanently(t *testing.T) {
	loop, q := newTestLoop(t)
	var failedJob *models.Job
	loop.SetOnJobFailed(func(job *models.Job, procErr error) { failedJob = job })

	_, err := q.Enqueue("mystery", map[string]any{}, queue.EnqueueOptions{})
	require.NoError(t, err)

	processed := loop.Tick(context.Background())
	assert.True(t, processed)
	require.NotNil(t, failedJob)
}

func TestTick_EmptyQueueReturnsFalse(t *testing.T) {
	loop, _ := newTestLoop(t)
	assert.False(t, loop.Tick(context.Background()))
}
