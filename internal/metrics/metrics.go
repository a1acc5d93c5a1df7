// Package metrics defines the Prometheus instruments the worker loop and
// pipeline update as they run. Registration happens at package init so
// every importer shares one set of collectors; exposing them over HTTP is
// out of scope (spec.md §1 Non-goals) — a future handler only needs to
// mount promhttp.Handler() against the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the number of jobs currently queued, sampled by
	// whatever polls it (cmd/dupesleuth wires a periodic sampler).
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dupesleuth",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of jobs currently in the queued state.",
	})

	// QueueJobsDequeued counts every successful claim.
	QueueJobsDequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dupesleuth",
		Subsystem: "queue",
		Name:      "jobs_dequeued_total",
		Help:      "Total number of jobs claimed from the queue.",
	})

	// QueueJobRetries counts paused-for-retry transitions by job type.
	QueueJobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dupesleuth",
		Subsystem: "queue",
		Name:      "job_retries_total",
		Help:      "Total number of job retry transitions, by job type.",
	}, []string{"job_type"})

	// DequeueLatency observes the time between a job's creation and its
	// claim, surfacing queue backlog.
	DequeueLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dupesleuth",
		Subsystem: "queue",
		Name:      "dequeue_latency_seconds",
		Help:      "Seconds between job creation and claim.",
		Buckets:   prometheus.DefBuckets,
	})

	// ProcessorDuration observes how long each job type's Process call
	// takes.
	ProcessorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dupesleuth",
		Subsystem: "pipeline",
		Name:      "processor_duration_seconds",
		Help:      "Seconds spent inside a processor's Process call, by job type.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
