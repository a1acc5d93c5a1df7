// Package embedding provides the embedding provider abstraction used by
// Phase C of the detect pipeline: a synchronous Embed call and an
// asynchronous EmbedBatch built on the shared batch protocol, plus the
// chunking/sanitization rules batch requests must obey (spec.md §4.8).
package embedding

import (
	"context"
	"strings"
)

// Usage reports token consumption for billing/budget tracking.
type Usage struct {
	InputTokens int64
}

// BatchRequest is one item submitted to EmbedBatch, keyed by an
// application-chosen CustomID (e.g. "pr:123:code") so vectors can be
// matched back to their PR and embedding space.
type BatchRequest struct {
	CustomID string
	Text     string
}

// BatchResult is one EmbedBatch outcome. Err is set per-item so one
// malformed response does not fail the whole batch.
type BatchResult struct {
	CustomID string
	Vector   []float32
	Usage    Usage
	Err      error
}

// BatchControl lets a caller resume an in-flight batch after a crash and
// learn the batch id as soon as it's created.
type BatchControl struct {
	ExistingBatchID string
	OnBatchCreated  func(batchID string)
}

// Provider is the embedding capability set common to every backend.
type Provider interface {
	// CountTokens estimates the token cost of text.
	CountTokens(text string) int
	// Dimensions reports the vector width this provider produces.
	Dimensions() int
	// MaxInputTokens reports the per-request token limit.
	MaxInputTokens() int
	// Embed performs synchronous embedding of each text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, Usage, error)
	// EmbedBatch performs many embeddings via the provider's async batch
	// API. SupportsBatch reports whether this is meaningful.
	EmbedBatch(ctx context.Context, reqs []BatchRequest, ctrl BatchControl) ([]BatchResult, error)
	SupportsBatch() bool
}

// Sanitize replaces an empty input with a single space, since embedding
// APIs reject empty strings (spec.md §4.8 "Embedding batching
// constraints").
func Sanitize(text string) string {
	if strings.TrimSpace(text) == "" {
		return " "
	}
	return text
}

// Chunk splits requests into batches that respect both a per-request item
// cap and a per-batch token budget, truncating any single input that
// alone exceeds the per-input token limit. Chunking never reorders
// requests.
func Chunk(reqs []BatchRequest, countTokens func(string) int, perInputTokenLimit, itemCap, tokenBudget int) [][]BatchRequest {
	var chunks [][]BatchRequest
	var current []BatchRequest
	var currentTokens int

	for _, r := range reqs {
		text := Sanitize(r.Text)
		if tokens := countTokens(text); tokens > perInputTokenLimit {
			text = truncateToTokens(text, perInputTokenLimit, countTokens)
		}
		r.Text = text
		tokens := countTokens(text)

		if len(current) > 0 && (len(current) >= itemCap || currentTokens+tokens > tokenBudget) {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, r)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// truncateToTokens shrinks text until it fits within limit tokens,
// estimating by proportional character truncation then re-checking —
// avoids requiring a real tokenizer for a conservative budget guard.
func truncateToTokens(text string, limit int, countTokens func(string) int) string {
	for countTokens(text) > limit && len(text) > 0 {
		cut := len(text) * limit / countTokens(text)
		if cut >= len(text) {
			cut = len(text) - 1
		}
		if cut <= 0 {
			return ""
		}
		text = text[:cut]
	}
	return text
}
