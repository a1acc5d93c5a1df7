// Package worker implements the single-threaded polling loop that drives
// the job queue: one tick dequeues at most one job, dispatches it to a
// registered processor by job type, and classifies failures into a
// retry-with-backoff or terminal-fail decision (spec.md §4.5).
package worker

import (
	"context"
	"math"
	"regexp"
	"sync"
	"time"

	"dupesleuth/internal/logger"
	"dupesleuth/internal/metrics"
	"dupesleuth/internal/models"
	"dupesleuth/internal/queue"
)

// Processor handles one job type. Process may itself fan out internal
// concurrency (e.g. the ingester's per-PR pool); the loop around it stays
// single-threaded.
type Processor interface {
	Process(ctx context.Context, job *models.Job) (map[string]any, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *models.Job) (map[string]any, error)

func (f ProcessorFunc) Process(ctx context.Context, job *models.Job) (map[string]any, error) {
	return f(ctx, job)
}

// rateLimitPattern matches error messages the loop treats as rate-limit
// conditions, warranting a longer base backoff than a generic failure.
// Intentionally broad since chat/embedding providers report the
// condition inconsistently (spec.md §9): false positives only slow
// retries, they never drop a retryable job.
var rateLimitPattern = regexp.MustCompile(`(?i)429|rate limit|token limit|enqueued.*limit`)

const (
	defaultBaseDelay     = time.Second
	rateLimitBaseDelay   = 60 * time.Second
)

// Loop is a single logical worker: it ticks at a fixed poll interval,
// dequeuing and dispatching at most one job per tick.
type Loop struct {
	q          *queue.Queue
	log        *logger.Logger
	processors map[string]Processor
	onFailed   func(job *models.Job, err error)

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a worker loop over q.
func New(q *queue.Queue, log *logger.Logger) *Loop {
	return &Loop{
		q:          q,
		log:        log,
		processors: make(map[string]Processor),
	}
}

// Register associates a processor with a job type.
func (l *Loop) Register(jobType string, p Processor) {
	l.processors[jobType] = p
}

// SetOnJobFailed installs a callback invoked when a job exhausts its
// retries and is terminally failed — used to mark the owning scan as
// failed (spec.md §4.5, §7).
func (l *Loop) SetOnJobFailed(cb func(job *models.Job, err error)) {
	l.onFailed = cb
}

// Start begins polling at pollInterval in a background goroutine.
func (l *Loop) Start(ctx context.Context, pollInterval time.Duration) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.doneCh)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight tick, if any, to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	doneCh := l.doneCh
	l.mu.Unlock()
	<-doneCh
}

// Tick runs one dequeue-dispatch cycle. Returns true if a job was
// processed, false if the queue was empty.
func (l *Loop) Tick(ctx context.Context) bool {
	job, err := l.q.Dequeue()
	if err == queue.ErrEmpty {
		return false
	}
	if err != nil {
		l.log.Error("dequeue failed: %v", err)
		return false
	}

	start := time.Now()
	metrics.QueueJobsDequeued.Inc()
	metrics.DequeueLatency.Observe(start.Sub(job.CreatedAt).Seconds())
	jobLog := l.log.WithFields(map[string]any{"job_id": job.ID, "job_type": job.Type})

	processor, ok := l.processors[job.Type]
	if !ok {
		jobLog.Error("no processor registered for job type %q", job.Type)
		l.failPermanently(job, &unknownJobTypeError{jobType: job.Type})
		return true
	}

	result, procErr := processor.Process(ctx, job)
	metrics.ProcessorDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if procErr == nil {
		if err := l.q.Complete(job.ID, result); err != nil {
			jobLog.Error("marking job complete: %v", err)
		}
		return true
	}

	jobLog.Warn("processing failed (attempt %d/%d): %v", job.Attempts, job.MaxRetries, procErr)
	if job.Attempts < job.MaxRetries {
		metrics.QueueJobRetries.WithLabelValues(job.Type).Inc()
		delay := retryDelay(job.Attempts, procErr)
		runAfter := time.Now().Add(delay)
		if err := l.q.Pause(job.ID, runAfter, procErr); err != nil {
			jobLog.Error("pausing job for retry: %v", err)
		}
		return true
	}

	l.failPermanently(job, procErr)
	return true
}

func (l *Loop) failPermanently(job *models.Job, err error) {
	if failErr := l.q.Fail(job.ID, err); failErr != nil {
		l.log.Error("failing job %s: %v", job.ID, failErr)
	}
	if l.onFailed != nil {
		l.onFailed(job, err)
	}
}

// retryDelay computes base·2^(attempts-1), using an inflated base when the
// error looks like a rate-limit condition (spec.md §4.5, §8 property 4,
// §9 classification heuristic).
func retryDelay(attempts int, err error) time.Duration {
	base := defaultBaseDelay
	if err != nil && rateLimitPattern.MatchString(err.Error()) {
		base = rateLimitBaseDelay
	}
	n := attempts
	if n < 1 {
		n = 1
	}
	multiplier := math.Pow(2, float64(n-1))
	return time.Duration(float64(base) * multiplier)
}

type unknownJobTypeError struct {
	jobType string
}

func (e *unknownJobTypeError) Error() string {
	return "no processor registered for job type: " + e.jobType
}
