// Package clique implements the strict-clique grouper (spec.md §4.13):
// confirmed duplicate edges are grouped greedily by descending
// confidence, and a PR joins a candidate group only if it has a
// confirmed edge to every existing member — no transitive promotion.
package clique

import (
	"sort"

	"dupesleuth/internal/models"
)

// Group is one strict clique of mutually-confirmed duplicate PRs.
type Group struct {
	Members      []int
	Confidence   float64
	Relationship models.Relationship
}

// GroupEdges forms strict cliques from edges, keeping only isDuplicate=true
// edges, processed in descending confidence order (stable on insertion
// order for ties). A PR numbered c joins a clique only if confirmed
// edges exist between c and every current member; no transitive
// promotion ever merges two partially-linked chains (spec.md §4.13,
// §8 properties 6–7).
func GroupEdges(edges []models.ConfirmedEdge) []Group {
	confirmed := make([]models.ConfirmedEdge, 0, len(edges))
	for _, e := range edges {
		if e.Result.IsDuplicate {
			confirmed = append(confirmed, e)
		}
	}

	// sort.SliceStable preserves input order for ties, matching "stable
	// on insertion order" in spec.md §4.13.
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].Result.Confidence > confirmed[j].Result.Confidence
	})

	edgeSet := make(map[[2]int]models.VerifyResult, len(confirmed))
	for _, e := range confirmed {
		edgeSet[pairKey(e.PRA, e.PRB)] = e.Result
	}
	hasEdge := func(a, b int) (models.VerifyResult, bool) {
		r, ok := edgeSet[pairKey(a, b)]
		return r, ok
	}

	used := make(map[int]bool)
	var groups []Group

	// All PRs appearing in any confirmed edge, in first-seen order, used
	// as the pool of candidates a clique can absorb beyond its seed pair.
	var allPRs []int
	seenPR := make(map[int]bool)
	for _, e := range confirmed {
		for _, pr := range []int{e.PRA, e.PRB} {
			if !seenPR[pr] {
				seenPR[pr] = true
				allPRs = append(allPRs, pr)
			}
		}
	}

	for _, e := range confirmed {
		if used[e.PRA] || used[e.PRB] {
			continue
		}
		members := []int{e.PRA, e.PRB}
		used[e.PRA] = true
		used[e.PRB] = true
		relationship := e.Result.Relationship

		for _, c := range allPRs {
			if used[c] {
				continue
			}
			if memberOfClique(c, members, hasEdge) {
				members = append(members, c)
				used[c] = true
			}
		}

		groups = append(groups, Group{
			Members:      members,
			Confidence:   averageConfidence(members, hasEdge),
			Relationship: relationship,
		})
	}

	return groups
}

func memberOfClique(candidate int, members []int, hasEdge func(a, b int) (models.VerifyResult, bool)) bool {
	for _, m := range members {
		if _, ok := hasEdge(candidate, m); !ok {
			return false
		}
	}
	return true
}

func averageConfidence(members []int, hasEdge func(a, b int) (models.VerifyResult, bool)) float64 {
	var sum float64
	var n int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if r, ok := hasEdge(members[i], members[j]); ok {
				sum += r.Confidence
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func pairKey(a, b int) [2]int {
	if a <= b {
		return [2]int{a, b}
	}
	return [2]int{b, a}
}
