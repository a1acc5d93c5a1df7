// Package queue implements the durable, single-process job queue backing
// the worker loop: atomic claim-on-dequeue, retry-with-backoff via
// run_after, and crash recovery of jobs stuck in running (spec.md §4.4).
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dupesleuth/internal/models"
)

// ErrEmpty is returned by Dequeue when no job is currently claimable.
var ErrEmpty = errors.New("queue: empty")

// Queue is a job queue backed by dbstore's SQLite connection.
type Queue struct {
	db *sql.DB
}

// New wraps db for queue operations. db must be the same *sql.DB handle
// dbstore.Store.DB() returns, so jobs and entity rows live in one
// transactional domain.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// EnqueueOptions configures an Enqueue call.
type EnqueueOptions struct {
	MaxRetries int
	RunAfter   *time.Time
}

// Enqueue inserts a new queued job and returns its generated id.
func (q *Queue) Enqueue(jobType string, payload map[string]any, opts EnqueueOptions) (string, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling job payload: %w", err)
	}
	id := uuid.New().String()
	now := time.Now()
	_, err = q.db.Exec(`
		INSERT INTO jobs (id, type, payload, status, attempts, max_retries, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, jobType, string(payloadJSON), string(models.JobStatusQueued), opts.MaxRetries,
		nullTime(opts.RunAfter), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueuing %s job: %w", jobType, err)
	}
	return id, nil
}

// Dequeue atomically claims one eligible job: status=queued and
// (run_after IS NULL OR run_after <= now), ordered by created_at
// ascending, ties broken by creation order. The database connection must
// be opened with _txlock=immediate (dbstore.Open does this) so that
// q.db.Begin() below takes SQLite's write lock immediately rather than
// deferring it to the first write — otherwise two concurrent Dequeue
// calls could both pass the SELECT before either reaches the UPDATE
// (spec.md §4.4 concurrency contract, §8 property 2).
func (q *Queue) Dequeue() (*models.Job, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning dequeue tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var id string
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE status = ? AND (run_after IS NULL OR run_after <= ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`, string(models.JobStatusQueued), now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.JobStatusRunning), now, id, string(models.JobStatusQueued))
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claim result for job %s: %w", id, err)
	}
	if n == 0 {
		// Lost the race to another claim between SELECT and UPDATE.
		return nil, ErrEmpty
	}

	job, err := scanJob(tx.QueryRow(jobSelectCols+` WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reloading claimed job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing dequeue of job %s: %w", id, err)
	}
	return job, nil
}

const jobSelectCols = `SELECT id, type, payload, status, result, error, attempts, max_retries, run_after, created_at, updated_at FROM jobs`

func scanJob(row *sql.Row) (*models.Job, error) {
	var job models.Job
	var payload, status string
	var result, errStr sql.NullString
	var runAfter sql.NullTime
	err := row.Scan(&job.ID, &job.Type, &payload, &status, &result, &errStr,
		&job.Attempts, &job.MaxRetries, &runAfter, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("unmarshalling job payload: %w", err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &job.Result); err != nil {
			return nil, fmt.Errorf("unmarshalling job result: %w", err)
		}
	}
	if errStr.Valid {
		e := errStr.String
		job.Error = &e
	}
	if runAfter.Valid {
		t := runAfter.Time
		job.RunAfter = &t
	}
	return &job, nil
}

// Complete marks a job done, storing its result payload.
func (q *Queue) Complete(id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling job result: %w", err)
	}
	_, err = q.db.Exec(`UPDATE jobs SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		string(models.JobStatusDone), string(resultJSON), time.Now(), id)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return nil
}

// Fail marks a job terminally failed.
func (q *Queue) Fail(id string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	_, err := q.db.Exec(`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(models.JobStatusFailed), msg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

// Pause re-queues a job for a future activation time — used for retry
// backoff, so the next Dequeue skips it until runAfter has passed.
func (q *Queue) Pause(id string, runAfter time.Time, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	_, err := q.db.Exec(`
		UPDATE jobs SET status = ?, run_after = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(models.JobStatusQueued), runAfter, msg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("pausing job %s: %w", id, err)
	}
	return nil
}

// RecoverRunningJobs returns every job stuck in running back to queued.
// Called once at startup; this is the crash-safety contract of spec.md
// §4.4 and §8 property 3 — a process kill mid-job must never strand work.
func (q *Queue) RecoverRunningJobs() (int, error) {
	res, err := q.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		string(models.JobStatusQueued), time.Now(), string(models.JobStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recovering running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting recovered jobs: %w", err)
	}
	return int(n), nil
}

// Depth reports the number of jobs in the queued state, including those
// whose run_after is still in the future — sampled periodically into the
// queue_depth gauge by the process entrypoint.
func (q *Queue) Depth() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(models.JobStatusQueued)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queued jobs: %w", err)
	}
	return n, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
