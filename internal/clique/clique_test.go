package clique

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupesleuth/internal/models"
)

func edge(a, b int, confidence float64, dup bool) models.ConfirmedEdge {
	return models.ConfirmedEdge{
		PRA: a,
		PRB: b,
		Result: models.VerifyResult{
			IsDuplicate:  dup,
			Confidence:   confidence,
			Relationship: models.RelationshipExactDuplicate,
		},
	}
}

// Three mutually confirmed PRs form one clique of all three (spec.md §8
// property 6).
func TestGroupEdges_FormsFullClique(t *testing.T) {
	edges := []models.ConfirmedEdge{
		edge(1, 2, 0.9, true),
		edge(2, 3, 0.9, true),
		edge(1, 3, 0.9, true),
	}
	groups := GroupEdges(edges)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []int{1, 2, 3}, groups[0].Members)
}

// PR 1-2 and 2-3 are confirmed, but 1-3 is not: no transitive promotion
// should ever merge all three into one clique (spec.md §8 property 7). The
// (1,2) edge claims PR 2 first, so the later (2,3) edge cannot seed its own
// group — PR 3 is left out rather than folded in transitively.
func TestGroupEdges_NoTransitivePromotion(t *testing.T) {
	edges := []models.ConfirmedEdge{
		edge(1, 2, 0.9, true),
		edge(2, 3, 0.9, true),
	}
	groups := GroupEdges(edges)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []int{1, 2}, groups[0].Members)
}

// Edges with isDuplicate=false must be excluded entirely, even when they
// have the highest confidence.
func TestGroupEdges_ExcludesNonDuplicateEdges(t *testing.T) {
	edges := []models.ConfirmedEdge{
		edge(1, 2, 0.99, false),
		edge(3, 4, 0.5, true),
	}
	groups := GroupEdges(edges)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []int{3, 4}, groups[0].Members)
}

// Higher-confidence edges seed their clique first: once PR 2 is claimed by
// the higher-confidence (1,2) pair, the lower-confidence (2,3) edge can no
// longer seed a group of its own — PR 3 is left ungrouped rather than
// transitively folded in.
func TestGroupEdges_ProcessesInDescendingConfidenceOrder(t *testing.T) {
	edges := []models.ConfirmedEdge{
		edge(2, 3, 0.5, true),
		edge(1, 2, 0.95, true),
	}
	groups := GroupEdges(edges)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []int{1, 2}, groups[0].Members)
}

// Confidence for a clique is the average across all pairwise confirmed
// edges within it, not just the seed edge.
func TestGroupEdges_AverageConfidenceAcrossAllPairs(t *testing.T) {
	edges := []models.ConfirmedEdge{
		edge(1, 2, 1.0, true),
		edge(2, 3, 0.8, true),
		edge(1, 3, 0.6, true),
	}
	groups := GroupEdges(edges)
	require.Len(t, groups, 1)
	assert.InDelta(t, (1.0+0.8+0.6)/3, groups[0].Confidence, 1e-9)
}

func TestGroupEdges_EmptyInput(t *testing.T) {
	assert.Empty(t, GroupEdges(nil))
}

func TestGroupEdges_SingleEdgeConfidenceIsItsOwn(t *testing.T) {
	edges := []models.ConfirmedEdge{edge(10, 20, 0.42, true)}
	groups := GroupEdges(edges)
	require.Len(t, groups, 1)
	assert.Equal(t, 0.42, groups[0].Confidence)
	assert.ElementsMatch(t, []int{10, 20}, groups[0].Members)
}
