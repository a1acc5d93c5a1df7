package dbstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupesleuth/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedRepo(t *testing.T, store *Store) *models.Repo {
	t.Helper()
	repo := &models.Repo{Owner: "acme", Name: "widgets", CreatedAt: time.Now()}
	require.NoError(t, store.UpsertRepo(repo))
	return repo
}

func seedPR(t *testing.T, store *Store, repoID int64, number int) *models.PR {
	t.Helper()
	now := time.Now()
	pr := &models.PR{
		RepoID: repoID, Number: number, Title: "t", Body: "b", Author: "alice",
		FilePaths: []string{"a.go"}, State: models.PRStateOpen,
		UpdatedAtGH: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.UpsertPR(pr))
	return pr
}

func TestUpsertPR_RoundTripsAndFillsID(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	pr := seedPR(t, store, repo.ID, 1)
	require.NotZero(t, pr.ID)

	loaded, err := store.GetPRByNumber(repo.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "t", loaded.Title)
	assert.Equal(t, []string{"a.go"}, loaded.FilePaths)
}

// SetPREmbedCache persists embed_hash/intent_summary, the cache a future
// scan checks to decide whether a PR needs re-embedding (spec.md §8
// property 8).
func TestSetPREmbedCache_PersistsHashAndSummary(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	pr := seedPR(t, store, repo.ID, 1)

	require.NoError(t, store.SetPREmbedCache(pr.ID, "hash-abc", "summary text", time.Now()))

	loaded, err := store.GetPR(pr.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.EmbedHash)
	assert.Equal(t, "hash-abc", *loaded.EmbedHash)
	require.NotNil(t, loaded.IntentSummary)
	assert.Equal(t, "summary text", *loaded.IntentSummary)
}

func TestListPRsByRepo_OrdersByNumber(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	seedPR(t, store, repo.ID, 3)
	seedPR(t, store, repo.ID, 1)
	seedPR(t, store, repo.ID, 2)

	prs, err := store.ListPRsByRepo(repo.ID)
	require.NoError(t, err)
	require.Len(t, prs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{prs[0].Number, prs[1].Number, prs[2].Number})
}

// A miss on an unseen pair returns ok=false without error.
func TestPairwiseCache_MissWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	result, ok, err := store.GetPairwiseCache(repo.ID, 1, 2, "ha", "hb")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, result)
}

// The cache is canonicalized by PR number so looking up (a,b) and (b,a)
// hits the same stored row (spec.md §8 property 9).
func TestPairwiseCache_CanonicalizesPairOrder(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)

	result := models.VerifyResult{IsDuplicate: true, Confidence: 0.8, Relationship: models.RelationshipNearDuplicate}
	require.NoError(t, store.SetPairwiseCache(repo.ID, 5, 2, "hash5", "hash2", result, time.Now()))

	got, ok, err := store.GetPairwiseCache(repo.ID, 2, 5, "hash2", "hash5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result, *got)
}

// A hash mismatch against either side of the pair invalidates the cache
// entry — a stale cached verdict is never reused after either PR changes
// (spec.md §8 property 9).
func TestPairwiseCache_HashMismatchIsAMiss(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)

	result := models.VerifyResult{IsDuplicate: true, Confidence: 0.8}
	require.NoError(t, store.SetPairwiseCache(repo.ID, 1, 2, "hash1-old", "hash2", result, time.Now()))

	_, ok, err := store.GetPairwiseCache(repo.ID, 1, 2, "hash1-new", "hash2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPairwiseCache_SetOverwritesStaleEntry(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)

	first := models.VerifyResult{IsDuplicate: false, Confidence: 0.1}
	require.NoError(t, store.SetPairwiseCache(repo.ID, 1, 2, "h1", "h2", first, time.Now()))

	second := models.VerifyResult{IsDuplicate: true, Confidence: 0.95}
	require.NoError(t, store.SetPairwiseCache(repo.ID, 1, 2, "h1-new", "h2-new", second, time.Now()))

	got, ok, err := store.GetPairwiseCache(repo.ID, 1, 2, "h1-new", "h2-new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, *got)
}

func TestRankCache_MissWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)

	results, ok, err := store.GetRankCache(repo.ID, "some-group-key")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, results)
}

func TestRankCache_RoundTrips(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)

	ranks := []models.RankResult{
		{PRNumber: 1, Score: 0.9, Rationale: "most complete"},
		{PRNumber: 2, Score: 0.4, Rationale: "missing tests"},
	}
	require.NoError(t, store.SetRankCache(repo.ID, "group-1-2", ranks, time.Now()))

	got, ok, err := store.GetRankCache(repo.ID, "group-1-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ranks, got)
}

func TestRankCache_SetOverwritesStaleEntry(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)

	first := []models.RankResult{{PRNumber: 1, Score: 0.1}}
	require.NoError(t, store.SetRankCache(repo.ID, "group-1", first, time.Now()))

	second := []models.RankResult{{PRNumber: 1, Score: 0.99, Rationale: "updated"}}
	require.NoError(t, store.SetRankCache(repo.ID, "group-1", second, time.Now()))

	got, ok, err := store.GetRankCache(repo.ID, "group-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestScanLifecycle_InsertUpdateAndComplete(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	acct := &models.Account{APIKey: "key-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.UpsertAccount(acct))

	scan := &models.Scan{
		RepoID: repo.ID, AccountID: acct.ID, Status: models.ScanStatusQueued,
		StartedAt: time.Now(),
	}
	require.NoError(t, store.InsertScan(scan))
	require.NotZero(t, scan.ID)

	require.NoError(t, store.UpdateScanStatus(scan.ID, models.ScanStatusEmbedding, "embed:code:batch-1"))
	loaded, err := store.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusEmbedding, loaded.Status)
	require.NotNil(t, loaded.PhaseCursor)
	assert.Equal(t, "embed:code:batch-1", *loaded.PhaseCursor)

	require.NoError(t, store.CompleteScan(scan.ID, 10, 2, 100, 50, map[string]int64{"embed": 100}, time.Now()))
	loaded, err = store.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusDone, loaded.Status)
	// CompleteScan clears any residual phase_cursor.
	assert.Nil(t, loaded.PhaseCursor)
}
