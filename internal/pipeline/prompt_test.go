package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dupesleuth/internal/llm"
	"dupesleuth/internal/models"
)

// fakeChatProvider counts tokens as one per four characters, a crude but
// deterministic stand-in for a real tokenizer in prompt-budgeting tests.
type fakeChatProvider struct {
	maxContext int
}

func (f fakeChatProvider) CountTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

func (f fakeChatProvider) MaxContextTokens() int { return f.maxContext }

func (f fakeChatProvider) Chat(ctx context.Context, messages []llm.Message) (llm.ChatResult, error) {
	return llm.ChatResult{}, nil
}

func (f fakeChatProvider) ChatBatch(ctx context.Context, reqs []llm.BatchRequest, ctrl llm.BatchControl) ([]llm.BatchResult, error) {
	return nil, nil
}

func (f fakeChatProvider) SupportsBatch() bool { return false }

func pr(n int, title string, bodyLen int) *models.PR {
	return &models.PR{
		Number:    n,
		Title:     title,
		Body:      strings.Repeat("x", bodyLen),
		FilePaths: []string{"a.go", "b.go", "c.go"},
	}
}

func TestBuildBudgetedPrompt_FitsWithinGenerousBudget(t *testing.T) {
	chat := fakeChatProvider{maxContext: 100_000}
	msgs := buildVerifyPrompt(chat, pr(1, "Fix bug", 100), pr(2, "Fix the bug", 100))
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "PR #1")
	assert.Contains(t, msgs[1].Content, "PR #2")
	// Full, untruncated bodies should be present under a generous budget.
	assert.NotContains(t, msgs[1].Content, "…")
}

// With more than two PRs and an impossibly tight budget, the escalating
// truncation ladder falls all the way to the floor: exactly two PRs,
// bodies capped at floorBodyTruncateChars, the rest noted as omitted.
func TestBuildBudgetedPrompt_FloorsToTwoPRsUnderTightBudget(t *testing.T) {
	chat := fakeChatProvider{maxContext: 10}
	prs := []*models.PR{
		pr(1, "one", 5000), pr(2, "two", 5000), pr(3, "three", 5000), pr(4, "four", 5000),
	}
	msgs := buildRankPrompt(chat, prs)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "PR #1")
	assert.Contains(t, msgs[1].Content, "PR #2")
	assert.NotContains(t, msgs[1].Content, "PR #3")
	assert.NotContains(t, msgs[1].Content, "PR #4")
	assert.Contains(t, msgs[1].Content, "2 additional PRs omitted for length.")
}

// Exactly two PRs always take the first, untruncated render regardless of
// budget — the ladder only ever drops below two PRs' worth of content by
// truncating fields, never by dropping a PR outright.
func TestBuildBudgetedPrompt_TwoPRsNeverDroppedEvenUnderTightBudget(t *testing.T) {
	chat := fakeChatProvider{maxContext: 10}
	msgs := buildVerifyPrompt(chat, pr(1, "Fix bug", 5000), pr(2, "Fix the bug", 5000))
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "PR #1")
	assert.Contains(t, msgs[1].Content, "PR #2")
}

func TestBuildBudgetedPrompt_DropsTrailingPRsUnderMediumBudget(t *testing.T) {
	chat := fakeChatProvider{maxContext: 2550}
	prs := []*models.PR{
		pr(1, "one", 400), pr(2, "two", 400), pr(3, "three", 400), pr(4, "four", 400),
	}
	msgs := buildRankPrompt(chat, prs)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "additional PRs omitted for length")
}

func TestBuildIntentPrompt_TruncatesLongBody(t *testing.T) {
	p := pr(1, "Title", bodyTruncateChars+100)
	msgs := buildIntentPrompt(p)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "…")
}

func TestExtractJSON_StripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"isDuplicate\": true}\n```"
	assert.Equal(t, `{"isDuplicate": true}`, extractJSON(raw))
}

func TestExtractJSON_TrimsSurroundingProse(t *testing.T) {
	raw := "Sure, here you go:\n{\"isDuplicate\": false}\nHope that helps!"
	assert.Equal(t, `{"isDuplicate": false}`, extractJSON(raw))
}

func TestParseVerifyResult_ParsesCleanJSON(t *testing.T) {
	result, err := parseVerifyResult(`{"isDuplicate": true, "confidence": 0.9, "relationship": "exact_duplicate", "rationale": "same fix"}`)
	require.NoError(t, err)
	assert.True(t, result.IsDuplicate)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Equal(t, models.RelationshipExactDuplicate, result.Relationship)
}

func TestParseRankResults_AcceptsWrappedAndBareArray(t *testing.T) {
	wrapped, err := parseRankResults(`{"results": [{"prNumber": 1, "score": 80, "rationale": "solid"}]}`)
	require.NoError(t, err)
	require.Len(t, wrapped, 1)
	assert.Equal(t, 1, wrapped[0].PRNumber)

	bare, err := parseRankResults(`[{"prNumber": 2, "score": 60, "rationale": "ok"}]`)
	require.NoError(t, err)
	require.Len(t, bare, 1)
	assert.Equal(t, 2, bare[0].PRNumber)
}

func TestParseRankResults_InvalidJSONErrors(t *testing.T) {
	_, err := parseRankResults("not json at all")
	assert.Error(t, err)
}
