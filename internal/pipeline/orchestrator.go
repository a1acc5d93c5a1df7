package pipeline

import (
	"context"
	"fmt"

	"dupesleuth/internal/dbstore"
	"dupesleuth/internal/models"
	"dupesleuth/internal/queue"
)

// OrchestratorProcessor is the head of every scan: it enqueues the ingest
// stage and then gets out of the way, since each later stage enqueues the
// next one itself (spec.md §4.10, §4.7 "the orchestrator enqueues only the
// head stage").
type OrchestratorProcessor struct {
	store *dbstore.Store
	q     *queue.Queue
}

// NewOrchestratorProcessor creates the scan orchestrator.
func NewOrchestratorProcessor(store *dbstore.Store, q *queue.Queue) *OrchestratorProcessor {
	return &OrchestratorProcessor{store: store, q: q}
}

func (p *OrchestratorProcessor) Process(_ context.Context, job *models.Job) (map[string]any, error) {
	scanID, err := payloadInt64(job.Payload, "scan_id")
	if err != nil {
		return nil, err
	}
	repoID, err := payloadInt64(job.Payload, "repo_id")
	if err != nil {
		return nil, err
	}
	accountID, err := payloadInt64(job.Payload, "account_id")
	if err != nil {
		return nil, err
	}
	owner, err := payloadString(job.Payload, "owner")
	if err != nil {
		return nil, err
	}
	repoName, err := payloadString(job.Payload, "repo")
	if err != nil {
		return nil, err
	}
	maxPRs := payloadIntOrZero(job.Payload, "max_prs")

	scan, err := p.store.GetScan(scanID)
	if err != nil {
		return nil, fmt.Errorf("loading scan %d: %w", scanID, err)
	}
	if scan.Status != models.ScanStatusQueued {
		// Already handed off to ingest by a previous (possibly crashed and
		// retried) attempt at this job; nothing left to do.
		return map[string]any{"status": string(scan.Status)}, nil
	}

	ingestPayload := map[string]any{
		"scan_id":    scanID,
		"repo_id":    repoID,
		"account_id": accountID,
		"owner":      owner,
		"repo":       repoName,
	}
	if maxPRs > 0 {
		ingestPayload["max_prs"] = maxPRs
	}
	ingestJobID, err := p.q.Enqueue("ingest", ingestPayload, queue.EnqueueOptions{})
	if err != nil {
		return nil, fmt.Errorf("enqueuing ingest job for scan %d: %w", scanID, err)
	}
	return map[string]any{"ingest_job_id": ingestJobID}, nil
}
