package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"dupesleuth/internal/clique"
	"dupesleuth/internal/dbstore"
	"dupesleuth/internal/embedding"
	"dupesleuth/internal/llm"
	"dupesleuth/internal/logger"
	"dupesleuth/internal/models"
	"dupesleuth/internal/vectorstore"
)

// maxGroupSize caps how many PRs one dupe group may contain. An
// equivalence class larger than this (e.g. hundreds of PRs sharing one
// diff_hash) is split into multiple groups rather than presented as one
// unwieldy clique.
const maxGroupSize = 50

const (
	embedItemCap     = 2048
	embedTokenBudget = 250_000
)

// DetectProcessor runs the unified detect strategy — cache partition,
// intent extraction, embedding, candidate retrieval, pairwise
// verification, clique grouping, ranking, and persistence — over one
// scan's in-scope PRs (spec.md §4.12, Phases A-H). A single processor
// implements all eight phases inline rather than one job per phase,
// since splitting them would mean re-deriving per-PR state (current
// hash, candidate set) from the database between every stage.
type DetectProcessor struct {
	store    *dbstore.Store
	resolver *Resolver
	log      *logger.Logger
}

// NewDetectProcessor creates the detect processor.
func NewDetectProcessor(store *dbstore.Store, resolver *Resolver, log *logger.Logger) *DetectProcessor {
	return &DetectProcessor{store: store, resolver: resolver, log: log}
}

// run carries one job's working state through phases A-H.
type run struct {
	p *DetectProcessor

	scanID, repoID, accountID int64
	svc                       *Services

	prs         map[int]*models.PR
	currentHash map[int]string
	changed     []int
	unchanged   []int

	vectors    map[int]map[models.EmbeddingSpace][]float32
	candidates []models.CandidateEdge
	confirmed  []models.ConfirmedEdge

	totalInputTokens, totalOutputTokens int64
	breakdown                           map[string]int64

	cursorStage, cursorSpace, cursorBatchID string
}

func (r *run) addUsage(phase string, input, output int64) {
	r.totalInputTokens += input
	r.totalOutputTokens += output
	r.breakdown[phase] += input + output
}

func (p *DetectProcessor) Process(ctx context.Context, job *models.Job) (map[string]any, error) {
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
	prNumbers, err := payloadIntSlice(job.Payload, "pr_numbers")
	if err != nil {
		return nil, err
	}

	scan, err := p.store.GetScan(scanID)
	if err != nil {
		return nil, fmt.Errorf("loading scan %d: %w", scanID, err)
	}
	acct, err := p.store.GetAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("loading account %d: %w", accountID, err)
	}
	svc, err := p.resolver.Resolve(acct)
	if err != nil {
		return nil, err
	}

	r := &run{
		p: p, scanID: scanID, repoID: repoID, accountID: accountID, svc: svc,
		breakdown: map[string]int64{},
	}
	if scan.PhaseCursor != nil && *scan.PhaseCursor != "" {
		r.cursorStage, r.cursorSpace, r.cursorBatchID = parseCursor(*scan.PhaseCursor)
	}
	cursorStr := ""
	if scan.PhaseCursor != nil {
		cursorStr = *scan.PhaseCursor
	}

	if err := r.phaseA(prNumbers); err != nil {
		return nil, err
	}

	if err := p.store.UpdateScanStatus(scanID, models.ScanStatusEmbedding, cursorStr); err != nil {
		return nil, fmt.Errorf("setting scan %d to embedding: %w", scanID, err)
	}
	if err := r.phaseB(ctx); err != nil {
		return nil, err
	}
	if err := r.phaseC(ctx); err != nil {
		return nil, err
	}

	if err := p.store.UpdateScanStatus(scanID, models.ScanStatusVerifying, cursorStr); err != nil {
		return nil, fmt.Errorf("setting scan %d to verifying: %w", scanID, err)
	}
	if err := r.phaseD(ctx); err != nil {
		return nil, err
	}
	if err := r.phaseE(ctx); err != nil {
		return nil, err
	}

	if err := p.store.UpdateScanStatus(scanID, models.ScanStatusRanking, ""); err != nil {
		return nil, fmt.Errorf("setting scan %d to ranking: %w", scanID, err)
	}
	groups := r.phaseF()
	dupeGroups, err := r.phaseG(ctx, groups)
	if err != nil {
		return nil, err
	}

	if err := r.phaseH(dupeGroups); err != nil {
		return nil, err
	}

	return map[string]any{
		"pr_count":         len(r.prs),
		"changed":          len(r.changed),
		"unchanged":        len(r.unchanged),
		"candidate_count":  len(r.candidates),
		"confirmed_count":  len(r.confirmed),
		"dupe_group_count": len(dupeGroups),
	}, nil
}

// currentHash computes the cache-partition key for one PR (spec.md §4.12
// Phase A): a PR is unchanged, for detection purposes, only if its diff,
// title, body, and file list are all identical to the last scan that
// embedded it.
func currentHash(pr *models.PR) string {
	diffHash := ""
	if pr.DiffHash != nil {
		diffHash = *pr.DiffHash
	}
	sum := sha256.Sum256([]byte(diffHash + "|" + pr.Title + "|" + pr.Body + "|" + strings.Join(pr.FilePaths, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// phaseA partitions the scan's in-scope PRs into changed (need
// re-embedding) and unchanged (reuse cached embed_hash/vectors) sets.
func (r *run) phaseA(prNumbers []int) error {
	prs, err := r.p.store.ListPRsByRepo(r.repoID)
	if err != nil {
		return fmt.Errorf("listing PRs for repo %d: %w", r.repoID, err)
	}
	byNumber := make(map[int]*models.PR, len(prs))
	for _, pr := range prs {
		byNumber[pr.Number] = pr
	}

	r.prs = make(map[int]*models.PR, len(prNumbers))
	r.currentHash = make(map[int]string, len(prNumbers))
	for _, n := range prNumbers {
		pr, ok := byNumber[n]
		if !ok {
			// Ingest enqueued a PR number it just upserted; a missing row
			// here would mean a bug upstream, not a normal race, but skip
			// rather than fail the whole scan over it.
			r.p.log.Warn("detect: PR #%d in scope but not found in repo %d, skipping", n, r.repoID)
			continue
		}
		r.prs[n] = pr
		h := currentHash(pr)
		r.currentHash[n] = h
		if pr.EmbedHash != nil && *pr.EmbedHash == h && pr.IntentSummary != nil && *pr.IntentSummary != "" {
			r.unchanged = append(r.unchanged, n)
		} else {
			r.changed = append(r.changed, n)
		}
	}
	sort.Ints(r.changed)
	sort.Ints(r.unchanged)
	return nil
}

// phaseB extracts an intent summary for every changed PR lacking one yet,
// persisting each result immediately so a crash mid-batch loses no
// already-answered work (spec.md §4.12 Phase B, §5 crash-safety).
func (r *run) phaseB(ctx context.Context) error {
	var needIntent []int
	for _, n := range r.changed {
		pr := r.prs[n]
		if pr.IntentSummary == nil || *pr.IntentSummary == "" {
			needIntent = append(needIntent, n)
		}
	}
	if len(needIntent) == 0 {
		return nil
	}

	if r.svc.Chat.SupportsBatch() && len(needIntent) > 1 {
		reqs := make([]llm.BatchRequest, len(needIntent))
		for i, n := range needIntent {
			reqs[i] = llm.BatchRequest{CustomID: fmt.Sprintf("intent:%d", n), Messages: buildIntentPrompt(r.prs[n])}
		}
		existingBatchID := ""
		if r.cursorStage == "intent" {
			existingBatchID = r.cursorBatchID
		}
		results, err := r.svc.Chat.ChatBatch(ctx, reqs, llm.BatchControl{
			ExistingBatchID: existingBatchID,
			OnBatchCreated: func(id string) {
				_ = r.p.store.UpdateScanStatus(r.scanID, models.ScanStatusEmbedding, cursorFor("intent", "", id))
			},
		})
		if err != nil {
			return fmt.Errorf("chat batch for intent extraction: %w", err)
		}
		if err := r.p.store.UpdateScanStatus(r.scanID, models.ScanStatusEmbedding, ""); err != nil {
			return fmt.Errorf("clearing intent batch cursor: %w", err)
		}
		for _, res := range results {
			n := parseTaggedNumber(res.CustomID)
			if res.Err != nil {
				r.p.log.Warn("intent extraction failed for PR #%d: %v", n, res.Err)
				continue
			}
			r.addUsage("intent", res.Usage.InputTokens, res.Usage.OutputTokens)
			if err := r.persistIntent(n, res.Response); err != nil {
				return err
			}
		}
		return nil
	}

	for _, n := range needIntent {
		res, err := r.svc.Chat.Chat(ctx, buildIntentPrompt(r.prs[n]))
		if err != nil {
			return fmt.Errorf("extracting intent for PR #%d: %w", n, err)
		}
		r.addUsage("intent", res.Usage.InputTokens, res.Usage.OutputTokens)
		if err := r.persistIntent(n, res.Response); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) persistIntent(n int, summary string) error {
	pr := r.prs[n]
	if err := r.p.store.SetPRIntentSummary(pr.ID, summary, time.Now()); err != nil {
		return fmt.Errorf("persisting intent summary for PR #%d: %w", n, err)
	}
	pr.IntentSummary = &summary
	return nil
}

// phaseC embeds every changed PR into both the code and intent vector
// spaces and writes embed_hash only after the vector upsert succeeds, so
// a crash between the two never leaves a PR marked cached without a
// vector to back it (spec.md §4.12 Phase C, §9 crash-safety boundaries).
// Unchanged PRs retrieve their existing vectors instead of re-embedding.
func (r *run) phaseC(ctx context.Context) error {
	dim := r.svc.Embed.Dimensions()
	if err := r.svc.Vectors.EnsureCollection(ctx, string(models.SpaceCode), dim); err != nil {
		return fmt.Errorf("ensuring code collection: %w", err)
	}
	if err := r.svc.Vectors.EnsureCollection(ctx, string(models.SpaceIntent), dim); err != nil {
		return fmt.Errorf("ensuring intent collection: %w", err)
	}

	r.vectors = make(map[int]map[models.EmbeddingSpace][]float32, len(r.prs))

	if len(r.changed) > 0 {
		if err := r.embedSpace(ctx, models.SpaceIntent, r.changed, func(pr *models.PR) string {
			if pr.IntentSummary != nil && *pr.IntentSummary != "" {
				return *pr.IntentSummary
			}
			return pr.Title
		}); err != nil {
			return err
		}
		if err := r.embedSpace(ctx, models.SpaceCode, r.changed, func(pr *models.PR) string {
			return pr.Title + "\n" + strings.Join(pr.FilePaths, "\n")
		}); err != nil {
			return err
		}

		now := time.Now()
		for _, n := range r.changed {
			pr := r.prs[n]
			if _, gotCode := r.vectors[n][models.SpaceCode]; !gotCode {
				continue
			}
			if _, gotIntent := r.vectors[n][models.SpaceIntent]; !gotIntent {
				continue
			}
			intentSummary := ""
			if pr.IntentSummary != nil {
				intentSummary = *pr.IntentSummary
			}
			h := r.currentHash[n]
			if err := r.p.store.SetPREmbedCache(pr.ID, h, intentSummary, now); err != nil {
				return fmt.Errorf("persisting embed cache for PR #%d: %w", n, err)
			}
			pr.EmbedHash = &h
		}
	}

	for _, n := range r.unchanged {
		if r.vectors[n] == nil {
			r.vectors[n] = map[models.EmbeddingSpace][]float32{}
		}
		for _, space := range []models.EmbeddingSpace{models.SpaceCode, models.SpaceIntent} {
			id := vectorstore.PointID(r.repoID, n, string(space))
			vec, ok, err := r.svc.Vectors.GetVector(ctx, string(space), id)
			if err != nil {
				return fmt.Errorf("fetching existing %s vector for PR #%d: %w", space, n, err)
			}
			if ok {
				r.vectors[n][space] = vec
			}
		}
	}
	return nil
}

// embedSpace embeds nums' text (as rendered by textFor) into space,
// batching through the provider's async API when available, and upserts
// the resulting vectors.
func (r *run) embedSpace(ctx context.Context, space models.EmbeddingSpace, nums []int, textFor func(*models.PR) string) error {
	reqs := make([]embedding.BatchRequest, len(nums))
	for i, n := range nums {
		reqs[i] = embedding.BatchRequest{CustomID: fmt.Sprintf("%d:%s", n, space), Text: textFor(r.prs[n])}
	}
	chunks := embedding.Chunk(reqs, r.svc.Embed.CountTokens, r.svc.Embed.MaxInputTokens(), embedItemCap, embedTokenBudget)

	for _, chunk := range chunks {
		var results []embedding.BatchResult

		if r.svc.Embed.SupportsBatch() && len(chunk) > 1 {
			existingBatchID := ""
			if r.cursorStage == "embed" && r.cursorSpace == string(space) {
				existingBatchID = r.cursorBatchID
			}
			var err error
			results, err = r.svc.Embed.EmbedBatch(ctx, chunk, embedding.BatchControl{
				ExistingBatchID: existingBatchID,
				OnBatchCreated: func(id string) {
					_ = r.p.store.UpdateScanStatus(r.scanID, models.ScanStatusEmbedding, cursorFor("embed", string(space), id))
				},
			})
			if err != nil {
				return fmt.Errorf("embed batch (%s): %w", space, err)
			}
			if err := r.p.store.UpdateScanStatus(r.scanID, models.ScanStatusEmbedding, ""); err != nil {
				return fmt.Errorf("clearing embed batch cursor: %w", err)
			}
		} else {
			texts := make([]string, len(chunk))
			for i, c := range chunk {
				texts[i] = c.Text
			}
			vecs, usage, err := r.svc.Embed.Embed(ctx, texts)
			if err != nil {
				return fmt.Errorf("embedding (%s): %w", space, err)
			}
			r.addUsage(string(space)+"_embed", usage.InputTokens, 0)
			results = make([]embedding.BatchResult, len(chunk))
			for i, c := range chunk {
				results[i] = embedding.BatchResult{CustomID: c.CustomID, Vector: vecs[i]}
			}
		}

		var points []models.VectorPoint
		for _, res := range results {
			n, _ := parsePairedCustomID(res.CustomID)
			if res.Err != nil {
				r.p.log.Warn("embedding failed for PR #%d space=%s: %v", n, space, res.Err)
				continue
			}
			r.addUsage(string(space)+"_embed", res.Usage.InputTokens, 0)
			pr := r.prs[n]
			if pr == nil {
				continue
			}
			if r.vectors[n] == nil {
				r.vectors[n] = map[models.EmbeddingSpace][]float32{}
			}
			r.vectors[n][space] = res.Vector
			points = append(points, models.VectorPoint{
				ID:      vectorstore.PointID(r.repoID, n, string(space)),
				Vector:  res.Vector,
				Payload: models.VectorPayload{RepoID: r.repoID, PRNumber: n, PRID: pr.ID},
			})
		}
		if len(points) > 0 {
			if err := r.svc.Vectors.Upsert(ctx, string(space), points); err != nil {
				return fmt.Errorf("upserting %s vectors: %w", space, err)
			}
		}
	}
	return nil
}

// phaseD retrieves, per PR and per embedding space, the nearest
// neighbours above the candidate threshold, producing a deduped set of
// candidate pairs restricted to PRs in this scan's scope (spec.md §4.12
// Phase D: "stale neighbour PRs silently ignored").
func (r *run) phaseD(ctx context.Context) error {
	maxK := r.svc.MaxCandidatesPerPR()
	threshold := r.svc.CandidateThreshold()
	seen := map[[2]int]bool{}

	for n := range r.prs {
		for _, space := range []models.EmbeddingSpace{models.SpaceCode, models.SpaceIntent} {
			vec := r.vectors[n][space]
			if len(vec) == 0 {
				continue
			}
			results, err := r.svc.Vectors.Search(ctx, string(space), vec, vectorstore.SearchOptions{
				Limit: 2 * maxK,
				Filter: vectorstore.Filter{Must: []vectorstore.Condition{
					{Key: "repo_id", Match: r.repoID},
				}},
			})
			if err != nil {
				return fmt.Errorf("searching %s for PR #%d: %w", space, n, err)
			}
			for _, res := range results {
				if res.Score < threshold {
					continue
				}
				other := res.Payload.PRNumber
				if other == n {
					continue
				}
				if r.prs[other] == nil {
					continue
				}
				key := pairKey(n, other)
				if seen[key] {
					continue
				}
				seen[key] = true
				r.candidates = append(r.candidates, models.CandidateEdge{PRA: key[0], PRB: key[1]})
			}
		}
	}
	return nil
}

// phaseE verifies every candidate pair, reusing the pairwise cache where
// both sides' current hashes still match and falling back to the
// verifier LLM otherwise (spec.md §4.12 Phase E).
func (r *run) phaseE(ctx context.Context) error {
	var toVerify []models.CandidateEdge
	var confirmed []models.ConfirmedEdge

	for _, c := range r.candidates {
		hashA, hashB := r.currentHash[c.PRA], r.currentHash[c.PRB]
		cached, ok, err := r.p.store.GetPairwiseCache(r.repoID, c.PRA, c.PRB, hashA, hashB)
		if err != nil {
			return fmt.Errorf("looking up pairwise cache for (%d,%d): %w", c.PRA, c.PRB, err)
		}
		if ok {
			if cached.IsDuplicate {
				confirmed = append(confirmed, models.ConfirmedEdge{PRA: c.PRA, PRB: c.PRB, Result: *cached})
			}
			continue
		}
		toVerify = append(toVerify, c)
	}

	if r.svc.Chat.SupportsBatch() && len(toVerify) > 1 {
		reqs := make([]llm.BatchRequest, len(toVerify))
		for i, c := range toVerify {
			reqs[i] = llm.BatchRequest{
				CustomID: fmt.Sprintf("verify:%d:%d", c.PRA, c.PRB),
				Messages: buildVerifyPrompt(r.svc.Chat, r.prs[c.PRA], r.prs[c.PRB]),
			}
		}
		existingBatchID := ""
		if r.cursorStage == "verify" {
			existingBatchID = r.cursorBatchID
		}
		results, err := r.svc.Chat.ChatBatch(ctx, reqs, llm.BatchControl{
			ExistingBatchID: existingBatchID,
			OnBatchCreated: func(id string) {
				_ = r.p.store.UpdateScanStatus(r.scanID, models.ScanStatusVerifying, cursorFor("verify", "", id))
			},
		})
		if err != nil {
			return fmt.Errorf("chat batch for verification: %w", err)
		}
		if err := r.p.store.UpdateScanStatus(r.scanID, models.ScanStatusVerifying, ""); err != nil {
			return fmt.Errorf("clearing verify batch cursor: %w", err)
		}
		for _, res := range results {
			a, b := parsePairCustomID(res.CustomID)
			if res.Err != nil {
				r.p.log.Warn("verification failed for (%d,%d): %v", a, b, res.Err)
				continue
			}
			r.addUsage("verify", res.Usage.InputTokens, res.Usage.OutputTokens)
			result, err := parseVerifyResult(res.Response)
			if err != nil {
				r.p.log.Warn("verification result unparsable for (%d,%d): %v", a, b, err)
				continue
			}
			if err := r.persistPairwise(a, b, result); err != nil {
				return err
			}
			if result.IsDuplicate {
				confirmed = append(confirmed, models.ConfirmedEdge{PRA: a, PRB: b, Result: result})
			}
		}
	} else {
		for _, c := range toVerify {
			chatRes, err := r.svc.Chat.Chat(ctx, buildVerifyPrompt(r.svc.Chat, r.prs[c.PRA], r.prs[c.PRB]))
			if err != nil {
				return fmt.Errorf("verifying (%d,%d): %w", c.PRA, c.PRB, err)
			}
			r.addUsage("verify", chatRes.Usage.InputTokens, chatRes.Usage.OutputTokens)
			result, err := parseVerifyResult(chatRes.Response)
			if err != nil {
				r.p.log.Warn("verification result unparsable for (%d,%d): %v", c.PRA, c.PRB, err)
				continue
			}
			if err := r.persistPairwise(c.PRA, c.PRB, result); err != nil {
				return err
			}
			if result.IsDuplicate {
				confirmed = append(confirmed, models.ConfirmedEdge{PRA: c.PRA, PRB: c.PRB, Result: result})
			}
		}
	}

	r.confirmed = confirmed
	return nil
}

func (r *run) persistPairwise(a, b int, result models.VerifyResult) error {
	if err := r.p.store.SetPairwiseCache(r.repoID, a, b, r.currentHash[a], r.currentHash[b], result, time.Now()); err != nil {
		return fmt.Errorf("persisting pairwise cache for (%d,%d): %w", a, b, err)
	}
	return nil
}

// phaseF groups confirmed edges into strict cliques and splits any clique
// larger than maxGroupSize, since an oversized equivalence class (many
// PRs sharing one diff_hash) is still every pair's mutual duplicate but
// not a useful single group to present.
func (r *run) phaseF() []clique.Group {
	groups := clique.GroupEdges(r.confirmed)
	return splitOversizedGroups(groups, maxGroupSize)
}

func splitOversizedGroups(groups []clique.Group, maxSize int) []clique.Group {
	var out []clique.Group
	for _, g := range groups {
		if len(g.Members) <= maxSize {
			out = append(out, g)
			continue
		}
		members := append([]int(nil), g.Members...)
		sort.Ints(members)
		for start := 0; start < len(members); start += maxSize {
			end := start + maxSize
			if end > len(members) {
				end = len(members)
			}
			chunk := members[start:end]
			if len(chunk) < 2 {
				continue
			}
			out = append(out, clique.Group{
				Members:      append([]int(nil), chunk...),
				Confidence:   g.Confidence,
				Relationship: g.Relationship,
			})
		}
	}
	return out
}

// phaseG ranks each group's members by code quality and completeness and
// assigns consecutive ranks from 1, highest score first; members with
// equal scores keep their group order and still get distinct ranks
// (spec.md §4.12 Phase G). A
// group whose membership and every member's current_hash match a prior
// scan's ranking is served from rank_cache instead of re-querying the
// chat provider, so a no-op re-scan issues zero chat calls (spec.md §8
// scenario S4).
func (r *run) phaseG(ctx context.Context, groups []clique.Group) ([]models.DupeGroup, error) {
	dupeGroups := make([]models.DupeGroup, 0, len(groups))
	for _, g := range groups {
		members := make([]*models.PR, 0, len(g.Members))
		for _, n := range g.Members {
			members = append(members, r.prs[n])
		}

		groupKey := rankGroupKey(g.Members, r.currentHash)
		ranks, hit, err := r.p.store.GetRankCache(r.repoID, groupKey)
		if err != nil {
			return nil, fmt.Errorf("reading rank cache for group %v: %w", g.Members, err)
		}

		if !hit {
			chatRes, err := r.svc.Chat.Chat(ctx, buildRankPrompt(r.svc.Chat, members))
			if err != nil {
				return nil, fmt.Errorf("ranking group %v: %w", g.Members, err)
			}
			r.addUsage("rank", chatRes.Usage.InputTokens, chatRes.Usage.OutputTokens)

			ranks, err = parseRankResults(chatRes.Response)
			if err != nil {
				r.p.log.Warn("rank result unparsable for group %v: %v", g.Members, err)
				ranks = nil
			}
			if err := r.p.store.SetRankCache(r.repoID, groupKey, ranks, time.Now()); err != nil {
				return nil, fmt.Errorf("caching rank result for group %v: %w", g.Members, err)
			}
		}

		byNumber := map[int]models.RankResult{}
		for _, rr := range ranks {
			if _, exists := byNumber[rr.PRNumber]; !exists {
				byNumber[rr.PRNumber] = rr
			}
		}

		dupeMembers := make([]models.DupeGroupMember, 0, len(members))
		for _, pr := range members {
			rr, ok := byNumber[pr.Number]
			if !ok {
				rr = models.RankResult{PRNumber: pr.Number, Score: 0, Rationale: "no rank result returned"}
			}
			dupeMembers = append(dupeMembers, models.DupeGroupMember{
				PRID: pr.ID, PRNumber: pr.Number, Score: rr.Score, Rationale: rr.Rationale,
			})
		}
		sort.SliceStable(dupeMembers, func(i, j int) bool { return dupeMembers[i].Score > dupeMembers[j].Score })
		for i := range dupeMembers {
			dupeMembers[i].Rank = i + 1
		}

		dupeGroups = append(dupeGroups, models.DupeGroup{
			RepoID:       r.repoID,
			Label:        groupLabel(g),
			PRCount:      len(dupeMembers),
			Confidence:   g.Confidence,
			Relationship: g.Relationship,
			Members:      dupeMembers,
		})
	}
	return dupeGroups, nil
}

func groupLabel(g clique.Group) string {
	return fmt.Sprintf("%s (%d PRs)", g.Relationship, len(g.Members))
}

// phaseH atomically replaces the scan's dupe groups, accumulates token
// usage, and marks the scan done (spec.md §4.12 Phase H).
func (r *run) phaseH(dupeGroups []models.DupeGroup) error {
	if err := r.p.store.ReplaceDupeGroups(r.scanID, r.repoID, dupeGroups); err != nil {
		return fmt.Errorf("replacing dupe groups for scan %d: %w", r.scanID, err)
	}
	if err := r.p.store.CompleteScan(r.scanID, len(r.prs), len(dupeGroups), r.totalInputTokens, r.totalOutputTokens, r.breakdown, time.Now()); err != nil {
		return fmt.Errorf("completing scan %d: %w", r.scanID, err)
	}
	if err := r.p.store.TouchRepoScanned(r.repoID, time.Now()); err != nil {
		return fmt.Errorf("touching repo %d: %w", r.repoID, err)
	}
	return nil
}

// rankGroupKey digests a clique's membership and each member's current
// content hash into a stable cache key: ranking only depends on the
// members present and their content, so a group with the same members at
// the same hashes as a prior scan's ranking can reuse that result
// verbatim (spec.md §8 scenario S4).
func rankGroupKey(members []int, currentHash map[int]string) string {
	sorted := append([]int(nil), members...)
	sort.Ints(sorted)
	var b strings.Builder
	for _, n := range sorted {
		fmt.Fprintf(&b, "%d:%s|", n, currentHash[n])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// pairKey canonicalises an unordered PR pair so both directions of a
// search hit collapse to one candidate edge.
func pairKey(a, b int) [2]int {
	if a < b {
		return [2]int{a, b}
	}
	return [2]int{b, a}
}

// cursorFor/parseCursor encode a resumable async-batch reference into a
// scan's phase_cursor: "stage:space:batchID", with space omitted when
// not applicable.
func cursorFor(stage, space, batchID string) string {
	if space == "" {
		return stage + ":" + batchID
	}
	return stage + ":" + space + ":" + batchID
}

func parseCursor(cursor string) (stage, space, batchID string) {
	parts := strings.SplitN(cursor, ":", 3)
	switch len(parts) {
	case 3:
		return parts[0], parts[1], parts[2]
	case 2:
		return parts[0], "", parts[1]
	default:
		return "", "", ""
	}
}

// parseTaggedNumber extracts the PR number from a "tag:123"-shaped
// custom id.
func parseTaggedNumber(customID string) int {
	parts := strings.SplitN(customID, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	n, _ := strconv.Atoi(parts[1])
	return n
}

// parsePairedCustomID extracts the PR number from a "123:space"-shaped
// custom id (used for embed requests).
func parsePairedCustomID(customID string) (int, models.EmbeddingSpace) {
	parts := strings.SplitN(customID, ":", 2)
	if len(parts) != 2 {
		return 0, ""
	}
	n, _ := strconv.Atoi(parts[0])
	return n, models.EmbeddingSpace(parts[1])
}

// parsePairCustomID extracts both PR numbers from a "verify:a:b"-shaped
// custom id.
func parsePairCustomID(customID string) (int, int) {
	parts := strings.Split(customID, ":")
	if len(parts) != 3 {
		return 0, 0
	}
	a, _ := strconv.Atoi(parts[1])
	b, _ := strconv.Atoi(parts[2])
	return a, b
}
