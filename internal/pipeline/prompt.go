package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"dupesleuth/internal/llm"
	"dupesleuth/internal/models"
)

const (
	verifyOutputReserveTokens = 500
	rankOutputReserveTokens   = 2000
	bodyTruncateChars         = 500
	fileListTruncateEntries   = 20
	floorBodyTruncateChars    = 150
	floorFileListEntries      = 5
)

const verifySystemPrompt = `You are verifying whether two GitHub pull requests are duplicates of each other. Respond with strict JSON only, no prose: {"isDuplicate": bool, "confidence": number between 0 and 1, "relationship": one of "exact_duplicate", "near_duplicate", "related", "rationale": short string}.`

const verifyInstruction = `Compare the following two pull requests and decide whether they are duplicates of one another.`

const rankSystemPrompt = `You are ranking a group of duplicate GitHub pull requests to recommend which one to keep. Respond with strict JSON only, no prose: {"results": [{"prNumber": number, "score": number 0-100 (codeQuality 0-50 plus completeness 0-50), "rationale": short string}, ...]} with exactly one entry per PR.`

const rankInstruction = `Score each of the following pull requests on code quality (0-50) and completeness (0-50); the sum is its 0-100 score.`

// buildVerifyPrompt builds the pairwise-duplicate verification prompt for
// two PRs (spec.md §4.12 Phase E).
func buildVerifyPrompt(chat llm.Provider, a, b *models.PR) []llm.Message {
	return buildBudgetedPrompt(chat, verifySystemPrompt, verifyInstruction, []*models.PR{a, b}, verifyOutputReserveTokens)
}

// buildRankPrompt builds the quality-ranking prompt for a clique's members
// (spec.md §4.12 Phase G).
func buildRankPrompt(chat llm.Provider, members []*models.PR) []llm.Message {
	return buildBudgetedPrompt(chat, rankSystemPrompt, rankInstruction, members, rankOutputReserveTokens)
}

// buildBudgetedPrompt renders prs into a user message that fits the chat
// provider's context window, following spec.md §4.8's escalating
// truncation: full summaries, then truncated bodies/file-lists, then
// dropping trailing PRs (noting the omission), floored at the first two
// PRs under aggressive truncation.
func buildBudgetedPrompt(chat llm.Provider, system, instruction string, prs []*models.PR, outputReserve int) []llm.Message {
	overhead := chat.CountTokens(system) + chat.CountTokens(instruction) + outputReserve
	budget := chat.MaxContextTokens() - overhead
	if budget < 0 {
		budget = 0
	}

	render := func(bodyChars, maxFiles int, set []*models.PR, omitted int) (string, int) {
		var b strings.Builder
		b.WriteString(instruction)
		b.WriteString("\n\n")
		for _, pr := range set {
			b.WriteString(summarizePR(pr, bodyChars, maxFiles))
			b.WriteString("\n")
		}
		if omitted > 0 {
			fmt.Fprintf(&b, "%d additional PRs omitted for length.\n", omitted)
		}
		text := b.String()
		return text, chat.CountTokens(text)
	}

	toMessages := func(text string) []llm.Message {
		return []llm.Message{{Role: "system", Content: system}, {Role: "user", Content: text}}
	}

	if text, tokens := render(0, 0, prs, 0); tokens <= budget || len(prs) <= 2 {
		return toMessages(text)
	}
	if text, tokens := render(bodyTruncateChars, fileListTruncateEntries, prs, 0); tokens <= budget || len(prs) <= 2 {
		return toMessages(text)
	}

	set := prs
	for len(set) > 2 {
		set = set[:len(set)-1]
		omitted := len(prs) - len(set)
		if text, tokens := render(bodyTruncateChars, fileListTruncateEntries, set, omitted); tokens <= budget {
			return toMessages(text)
		}
	}

	floor := prs
	if len(floor) > 2 {
		floor = floor[:2]
	}
	text, _ := render(floorBodyTruncateChars, floorFileListEntries, floor, len(prs)-len(floor))
	return toMessages(text)
}

func summarizePR(pr *models.PR, bodyChars, maxFiles int) string {
	body := pr.Body
	if bodyChars > 0 && len(body) > bodyChars {
		body = body[:bodyChars] + "…"
	}
	files := pr.FilePaths
	omittedFiles := 0
	if maxFiles > 0 && len(files) > maxFiles {
		omittedFiles = len(files) - maxFiles
		files = files[:maxFiles]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "PR #%d: %s\n", pr.Number, pr.Title)
	if body != "" {
		fmt.Fprintf(&b, "Description: %s\n", body)
	}
	fmt.Fprintf(&b, "Files changed (%d):\n", len(pr.FilePaths))
	for _, f := range files {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	if omittedFiles > 0 {
		fmt.Fprintf(&b, "  ... %d additional files omitted\n", omittedFiles)
	}
	return b.String()
}

// buildIntentPrompt builds the intent-extraction prompt for one PR
// (spec.md §4.12 Phase B).
func buildIntentPrompt(pr *models.PR) []llm.Message {
	files := pr.FilePaths
	if len(files) > fileListTruncateEntries {
		files = files[:fileListTruncateEntries]
	}
	body := pr.Body
	if len(body) > bodyTruncateChars {
		body = body[:bodyTruncateChars] + "…"
	}
	content := fmt.Sprintf("Title: %s\n\nDescription:\n%s\n\nFiles changed:\n%s",
		pr.Title, body, strings.Join(files, "\n"))
	return []llm.Message{
		{Role: "system", Content: "Summarize this pull request's intent in one or two concise sentences. Respond with the summary only, no preamble."},
		{Role: "user", Content: content},
	}
}

// extractJSON strips a leading/trailing markdown code fence (```json ...
// ```) if present, then returns the substring between the first JSON
// opening bracket and its matching closing bracket — tolerant of a model
// prefacing or trailing its JSON answer with prose.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open := s[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}
	end := strings.LastIndexByte(s, close)
	if end < start {
		return s
	}
	return s[start : end+1]
}

func parseVerifyResult(raw string) (models.VerifyResult, error) {
	var result models.VerifyResult
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return models.VerifyResult{}, fmt.Errorf("parsing verify result: %w", err)
	}
	return result, nil
}

func parseRankResults(raw string) ([]models.RankResult, error) {
	var wrapped struct {
		Results []models.RankResult `json:"results"`
	}
	text := extractJSON(raw)
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && len(wrapped.Results) > 0 {
		return wrapped.Results, nil
	}
	var bare []models.RankResult
	if err := json.Unmarshal([]byte(text), &bare); err != nil {
		return nil, fmt.Errorf("parsing rank results: %w", err)
	}
	return bare, nil
}
