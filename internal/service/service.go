// Package service is the seam the outer HTTP layer (out of scope here,
// per spec.md §1) calls into: four plain Go methods on a Service struct
// backed by dbstore, queue, embedding, and vectorstore, matching how the
// teacher's internal/web/api.go sat above internal/web/data.go without
// the data layer itself knowing about HTTP (spec.md §6).
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dupesleuth/internal/dbstore"
	"dupesleuth/internal/models"
	"dupesleuth/internal/pipeline"
	"dupesleuth/internal/queue"
	"dupesleuth/internal/vectorstore"
)

// Service exposes the core's four outer-facing operations.
type Service struct {
	store    *dbstore.Store
	q        *queue.Queue
	resolver *pipeline.Resolver
}

// New creates a Service.
func New(store *dbstore.Store, q *queue.Queue, resolver *pipeline.Resolver) *Service {
	return &Service{store: store, q: q, resolver: resolver}
}

// EnqueueScan creates a scan row in the queued shell state and enqueues
// its orchestrate job (spec.md §4.10). maxPRs of 0 means no cap.
func (s *Service) EnqueueScan(repoID, accountID int64, owner, repo string, maxPRs int) (*models.Scan, error) {
	scan := &models.Scan{
		RepoID:    repoID,
		AccountID: accountID,
		Status:    models.ScanStatusQueued,
		StartedAt: time.Now(),
	}
	if err := s.store.InsertScan(scan); err != nil {
		return nil, fmt.Errorf("inserting scan for repo %d: %w", repoID, err)
	}

	payload := map[string]any{
		"scan_id":    scan.ID,
		"repo_id":    repoID,
		"account_id": accountID,
		"owner":      owner,
		"repo":       repo,
	}
	if maxPRs > 0 {
		payload["max_prs"] = maxPRs
	}
	if _, err := s.q.Enqueue("orchestrate", payload, queue.EnqueueOptions{}); err != nil {
		return nil, fmt.Errorf("enqueuing orchestrate job for scan %d: %w", scan.ID, err)
	}
	return scan, nil
}

// GetScanProgress reports a scan's current status and counters.
func (s *Service) GetScanProgress(scanID int64) (models.ScanProgress, error) {
	scan, err := s.store.GetScan(scanID)
	if err != nil {
		return models.ScanProgress{}, fmt.Errorf("loading scan %d: %w", scanID, err)
	}
	progress := models.ScanProgress{
		ScanID:         scan.ID,
		Status:         scan.Status,
		PRCount:        scan.PRCount,
		DupeGroupCount: scan.DupeGroupCount,
	}
	if scan.Error != nil {
		progress.Error = *scan.Error
	}
	return progress, nil
}

// ListDupeGroups returns every dupe group found by a completed (or
// in-progress) scan, ranked members included.
func (s *Service) ListDupeGroups(scanID int64) ([]models.DupeGroup, error) {
	groups, err := s.store.ListDupeGroups(scanID)
	if err != nil {
		return nil, fmt.Errorf("listing dupe groups for scan %d: %w", scanID, err)
	}
	return groups, nil
}

// FindDuplicatesForPR searches the most recent scan's vector state for
// PRs similar to one PR, embedding it on the fly if it is not yet in the
// local store (spec.md §6: "find duplicates for a specific PR (with
// on-the-fly embedding if the PR is not yet in the local store)").
func (s *Service) FindDuplicatesForPR(ctx context.Context, acct *models.Account, repoID int64, prNumber int, title, body string, filePaths []string) ([]vectorstore.SearchResult, error) {
	svc, err := s.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}

	pr, err := s.store.GetPRByNumber(repoID, prNumber)
	if err != nil && err != dbstore.ErrNotFound {
		return nil, fmt.Errorf("loading PR #%d: %w", prNumber, err)
	}

	var codeVec []float32
	if pr != nil && pr.EmbedHash != nil {
		id := vectorstore.PointID(repoID, prNumber, string(models.SpaceCode))
		vec, ok, err := svc.Vectors.GetVector(ctx, string(models.SpaceCode), id)
		if err != nil {
			return nil, fmt.Errorf("fetching existing vector for PR #%d: %w", prNumber, err)
		}
		if ok {
			codeVec = vec
		}
	}
	if len(codeVec) == 0 {
		text := title + "\n" + joinFilePaths(filePaths)
		vecs, _, err := svc.Embed.Embed(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("embedding PR #%d on the fly: %w", prNumber, err)
		}
		codeVec = vecs[0]
	}

	threshold := svc.CandidateThreshold()
	maxK := svc.MaxCandidatesPerPR()
	results, err := svc.Vectors.Search(ctx, string(models.SpaceCode), codeVec, vectorstore.SearchOptions{
		Limit:  2 * maxK,
		Filter: vectorstore.Filter{Must: []vectorstore.Condition{{Key: "repo_id", Match: repoID}}},
	})
	if err != nil {
		return nil, fmt.Errorf("searching duplicates for PR #%d: %w", prNumber, err)
	}

	matches := make([]vectorstore.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Payload.PRNumber == prNumber || r.Score < threshold {
			continue
		}
		matches = append(matches, r)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > maxK {
		matches = matches[:maxK]
	}
	return matches, nil
}

func joinFilePaths(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
