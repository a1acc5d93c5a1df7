package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"dupesleuth/internal/dbstore"
	"dupesleuth/internal/diffnorm"
	"dupesleuth/internal/ghclient"
	"dupesleuth/internal/logger"
	"dupesleuth/internal/models"
	"dupesleuth/internal/queue"
)

const ingestWorkerPoolSize = 10

// IngestProcessor lists a repository's open PRs, fetches and hashes
// whatever changed since the last scan, and hands the in-scope PR numbers
// to the detect stage (spec.md §4.11).
type IngestProcessor struct {
	store    *dbstore.Store
	q        *queue.Queue
	resolver *Resolver
	log      *logger.Logger
}

// NewIngestProcessor creates the ingest processor.
func NewIngestProcessor(store *dbstore.Store, q *queue.Queue, resolver *Resolver, log *logger.Logger) *IngestProcessor {
	return &IngestProcessor{store: store, q: q, resolver: resolver, log: log}
}

func (p *IngestProcessor) Process(ctx context.Context, job *models.Job) (map[string]any, error) {
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

	if err := p.store.UpdateScanStatus(scanID, models.ScanStatusIngesting, ""); err != nil {
		return nil, fmt.Errorf("setting scan %d to ingesting: %w", scanID, err)
	}

	acct, err := p.store.GetAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("loading account %d: %w", accountID, err)
	}
	svc, err := p.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}

	summaries, err := svc.GitHub.ListOpenPRs(ctx, owner, repoName, maxPRs)
	if err != nil {
		return nil, fmt.Errorf("listing open PRs for %s/%s: %w", owner, repoName, err)
	}

	var skipped, etagHits, diffTooLarge, completed int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(ingestWorkerPoolSize)

	prNumbers := make([]int, len(summaries))
	for i, summary := range summaries {
		prNumbers[i] = summary.Number
		summary := summary
		eg.Go(func() error {
			didSkip, didEtagHit, didOversize, err := p.ingestOne(egCtx, svc.GitHub, repoID, owner, repoName, summary)
			if err != nil {
				return fmt.Errorf("ingesting PR #%d: %w", summary.Number, err)
			}
			if didSkip {
				atomic.AddInt64(&skipped, 1)
			}
			if didEtagHit {
				atomic.AddInt64(&etagHits, 1)
			}
			if didOversize {
				atomic.AddInt64(&diffTooLarge, 1)
			}
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	p.log.Info("ingest repo=%s/%s pr_count=%d skipped=%d etag_hits=%d diff_too_large=%d completed=%d",
		owner, repoName, len(prNumbers), skipped, etagHits, diffTooLarge, completed)

	detectPayload := map[string]any{
		"scan_id":    scanID,
		"repo_id":    repoID,
		"account_id": accountID,
		"pr_numbers": toAnySlice(prNumbers),
	}
	detectJobID, err := p.q.Enqueue("detect", detectPayload, queue.EnqueueOptions{})
	if err != nil {
		return nil, fmt.Errorf("enqueuing detect job for scan %d: %w", scanID, err)
	}

	return map[string]any{
		"pr_count":       len(prNumbers),
		"skipped":        skipped,
		"etag_hits":      etagHits,
		"diff_too_large": diffTooLarge,
		"detect_job_id":  detectJobID,
	}, nil
}

// ingestOne fetches and stores one PR's metadata and diff hash, skipping
// the fetch entirely when GitHub's updated_at matches what is already
// stored (spec.md §4.11 step 4).
func (p *IngestProcessor) ingestOne(ctx context.Context, gh *ghclient.Client, repoID int64, owner, repoName string, summary ghclient.PRSummary) (skipped, etagHit, oversize bool, err error) {
	existing, err := p.store.GetPRByNumber(repoID, summary.Number)
	if err != nil && err != dbstore.ErrNotFound {
		return false, false, false, fmt.Errorf("loading existing PR: %w", err)
	}
	if existing != nil && existing.UpdatedAtGH.Equal(summary.UpdatedAt) {
		return true, false, false, nil
	}

	var filePaths []string
	var diffHash *string
	var etag string

	filePaths, err = gh.GetPRFiles(ctx, owner, repoName, summary.Number)
	if err != nil {
		return false, false, false, fmt.Errorf("fetching files: %w", err)
	}

	prevETag := ""
	if existing != nil && existing.GithubETag != nil {
		prevETag = *existing.GithubETag
	}
	diff, newETag, changed, diffSize, diffErr := gh.GetPRDiff(ctx, owner, repoName, summary.Number, prevETag)
	switch {
	case diffErr == ghclient.ErrDiffTooLarge:
		etag = newETag
		oversize = true
		if existing != nil {
			diffHash = nil
		}
		p.log.Warn("diff exceeds size limit, falling back to file paths repo_id=%d pr_number=%d diff_size=%s",
			repoID, summary.Number, humanize.IBytes(uint64(diffSize)))
	case diffErr != nil:
		return false, false, false, fmt.Errorf("fetching diff: %w", diffErr)
	case !changed:
		etagHit = true
		etag = prevETag
		if existing != nil {
			diffHash = existing.DiffHash
		}
	default:
		etag = newETag
		h := diffnorm.Hash(diff)
		diffHash = &h
	}

	pr := &models.PR{
		RepoID:      repoID,
		Number:      summary.Number,
		Title:       summary.Title,
		Body:        summary.Body,
		Author:      summary.User.Login,
		DiffHash:    diffHash,
		FilePaths:   filePaths,
		State:       ghclient.ToModelState(summary.State, summary.MergedAt),
		GithubETag:  nonEmptyPtr(etag),
		UpdatedAtGH: summary.UpdatedAt,
		UpdatedAt:   time.Now(),
	}
	if existing != nil {
		pr.ID = existing.ID
		pr.EmbedHash = existing.EmbedHash
		pr.IntentSummary = existing.IntentSummary
		pr.CreatedAt = existing.CreatedAt
	} else {
		pr.CreatedAt = time.Now()
	}
	if err := p.store.UpsertPR(pr); err != nil {
		return false, false, false, fmt.Errorf("upserting PR: %w", err)
	}
	return false, etagHit, oversize, nil
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toAnySlice(nums []int) []any {
	out := make([]any, len(nums))
	for i, n := range nums {
		out[i] = n
	}
	return out
}
