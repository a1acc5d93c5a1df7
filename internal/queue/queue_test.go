package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupesleuth/internal/dbstore"
	"dupesleuth/internal/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store, err := dbstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store.DB())
}

func TestQueue_EnqueueDequeueComplete(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue("ingest", map[string]any{"repo_id": 1}, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "ingest", job.Type)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, q.Complete(id, map[string]any{"ok": true}))
}

// A job claimed by one Dequeue is not claimable again until it is paused
// or recovered back to queued — simulating the queue's atomic claim-on-dequeue contract
// (spec.md §8 property 2).
func TestQueue_DequeueDoesNotDoubleClaim(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Enqueue("ingest", map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)

	_, err = q.Dequeue()
	require.NoError(t, err)

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

// A job paused with a future run_after is not claimable until that time
// passes.
func TestQueue_PauseDefersRunAfter(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue("ingest", map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	future := time.Now().Add(time.Hour)
	require.NoError(t, q.Pause(id, future, nil))

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

// RecoverRunningJobs returns jobs stuck in running (left behind by a crash
// mid-job) back to queued so they can be claimed again (spec.md §8
// property 3).
func TestQueue_RecoverRunningJobs(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue("ingest", map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue()
	require.NoError(t, err)

	n, err := q.RecoverRunningJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	// Attempts increments on every claim, including the post-recovery one.
	assert.Equal(t, 2, job.Attempts)
}

func TestQueue_Depth(t *testing.T) {
	q := newTestQueue(t)

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	_, err = q.Enqueue("ingest", map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue("detect", map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)

	depth, err = q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	_, err = q.Dequeue()
	require.NoError(t, err)

	depth, err = q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestQueue_Fail(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue("ingest", map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue()
	require.NoError(t, err)

	require.NoError(t, q.Fail(id, assertionError("boom")))

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrEmpty)
}

type assertionError string

func (e assertionError) Error() string { return string(e) }
