package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupesleuth/internal/clique"
	"dupesleuth/internal/models"
)

func TestPairKey_OrderIndependent(t *testing.T) {
	assert.Equal(t, pairKey(1, 2), pairKey(2, 1))
	assert.Equal(t, [2]int{1, 2}, pairKey(2, 1))
}

func TestCursorFor_RoundTripsWithAndWithoutSpace(t *testing.T) {
	c := cursorFor("intent", "", "batch-123")
	stage, space, batchID := parseCursor(c)
	assert.Equal(t, "intent", stage)
	assert.Equal(t, "", space)
	assert.Equal(t, "batch-123", batchID)

	c = cursorFor("embed", "code", "batch-456")
	stage, space, batchID = parseCursor(c)
	assert.Equal(t, "embed", stage)
	assert.Equal(t, "code", space)
	assert.Equal(t, "batch-456", batchID)
}

func TestParseCursor_EmptyInput(t *testing.T) {
	stage, space, batchID := parseCursor("")
	assert.Equal(t, "", stage)
	assert.Equal(t, "", space)
	assert.Equal(t, "", batchID)
}

func TestParseTaggedNumber_ExtractsTrailingNumber(t *testing.T) {
	assert.Equal(t, 123, parseTaggedNumber("intent:123"))
	assert.Equal(t, 0, parseTaggedNumber("no-colon"))
}

func TestParsePairedCustomID_ExtractsNumberAndSpace(t *testing.T) {
	n, space := parsePairedCustomID("42:code")
	assert.Equal(t, 42, n)
	assert.Equal(t, models.EmbeddingSpace("code"), space)
}

func TestParsePairCustomID_ExtractsBothNumbers(t *testing.T) {
	a, b := parsePairCustomID("verify:7:9")
	assert.Equal(t, 7, a)
	assert.Equal(t, 9, b)

	a, b = parsePairCustomID("malformed")
	assert.Equal(t, 0, a)
	assert.Equal(t, 0, b)
}

func TestCurrentHash_StableAndLength(t *testing.T) {
	diff := "abc123"
	p1 := &models.PR{DiffHash: &diff, Title: "t", Body: "b", FilePaths: []string{"a.go", "b.go"}}
	p2 := &models.PR{DiffHash: &diff, Title: "t", Body: "b", FilePaths: []string{"a.go", "b.go"}}
	assert.Equal(t, currentHash(p1), currentHash(p2))
	assert.Len(t, currentHash(p1), 16)
}

func TestCurrentHash_ChangesWithTitle(t *testing.T) {
	diff := "abc123"
	p1 := &models.PR{DiffHash: &diff, Title: "original title", Body: "b"}
	p2 := &models.PR{DiffHash: &diff, Title: "edited title", Body: "b"}
	assert.NotEqual(t, currentHash(p1), currentHash(p2))
}

// A 150-member equivalence class must be split into groups of at most 50
// (scenario S3).
func TestSplitOversizedGroups_SplitsIntoCappedChunks(t *testing.T) {
	members := make([]int, 150)
	for i := range members {
		members[i] = i + 1
	}
	groups := []clique.Group{{Members: members, Confidence: 0.9, Relationship: models.RelationshipExactDuplicate}}

	out := splitOversizedGroups(groups, 50)
	require.Len(t, out, 3)
	for _, g := range out {
		assert.LessOrEqual(t, len(g.Members), 50)
		assert.Equal(t, 0.9, g.Confidence)
	}
	total := 0
	for _, g := range out {
		total += len(g.Members)
	}
	assert.Equal(t, 150, total)
}

func TestSplitOversizedGroups_LeavesSmallGroupsUntouched(t *testing.T) {
	groups := []clique.Group{{Members: []int{1, 2, 3}, Confidence: 0.5}}
	out := splitOversizedGroups(groups, 50)
	require.Len(t, out, 1)
	assert.Equal(t, []int{1, 2, 3}, out[0].Members)
}

// A singleton remainder chunk (fewer than 2 members) is dropped rather
// than emitted as a meaningless one-PR "duplicate group".
func TestSplitOversizedGroups_DropsSingletonRemainder(t *testing.T) {
	members := make([]int, 51)
	for i := range members {
		members[i] = i + 1
	}
	groups := []clique.Group{{Members: members}}
	out := splitOversizedGroups(groups, 50)
	require.Len(t, out, 1)
	assert.Len(t, out[0].Members, 50)
}

func TestRankGroupKey_OrderIndependent(t *testing.T) {
	hashes := map[int]string{1: "aaa", 2: "bbb", 3: "ccc"}
	assert.Equal(t, rankGroupKey([]int{1, 2, 3}, hashes), rankGroupKey([]int{3, 1, 2}, hashes))
}

func TestRankGroupKey_ChangesWithMemberHash(t *testing.T) {
	members := []int{1, 2}
	before := rankGroupKey(members, map[int]string{1: "aaa", 2: "bbb"})
	after := rankGroupKey(members, map[int]string{1: "aaa", 2: "different"})
	assert.NotEqual(t, before, after)
}

func TestRankGroupKey_ChangesWithMembership(t *testing.T) {
	hashes := map[int]string{1: "aaa", 2: "bbb", 3: "ccc"}
	assert.NotEqual(t, rankGroupKey([]int{1, 2}, hashes), rankGroupKey([]int{1, 2, 3}, hashes))
}
