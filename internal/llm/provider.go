// Package llm provides the chat/intent-extraction provider abstraction:
// a synchronous Chat call and an asynchronous ChatBatch built on the
// shared batch protocol (spec.md §4.8).
package llm

import "context"

// Message is one turn in a chat-style prompt.
type Message struct {
	Role    string
	Content string
}

// Usage reports token consumption for billing/budget tracking.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ChatResult is the outcome of one Chat call.
type ChatResult struct {
	Response string
	Usage    Usage
}

// BatchRequest is one item submitted to ChatBatch, keyed by an
// application-chosen CustomID so results can be matched back to their PR
// or pair.
type BatchRequest struct {
	CustomID string
	Messages []Message
}

// BatchResult is one ChatBatch outcome, matched to its request by
// CustomID. Err is set per-item so one malformed response does not fail
// the whole batch (spec.md §7: "Per-item error in batch").
type BatchResult struct {
	CustomID string
	Response string
	Usage    Usage
	Err      error
}

// BatchControl lets a caller resume an in-flight batch after a crash and
// learn the batch id as soon as it's created, so it can be persisted to
// the scan's phase_cursor (spec.md §4.8).
type BatchControl struct {
	ExistingBatchID string
	OnBatchCreated  func(batchID string)
}

// Provider is the chat/intent-extraction capability set common to every
// backend.
type Provider interface {
	// CountTokens estimates the token cost of text for budget-aware
	// prompt building.
	CountTokens(text string) int
	// MaxContextTokens reports the model's context window.
	MaxContextTokens() int
	// Chat performs one synchronous chat completion.
	Chat(ctx context.Context, messages []Message) (ChatResult, error)
	// ChatBatch performs many chat completions via the provider's async
	// batch API. SupportsBatch reports whether this is meaningful; callers
	// fall back to sequential Chat calls when it returns false.
	ChatBatch(ctx context.Context, reqs []BatchRequest, ctrl BatchControl) ([]BatchResult, error)
	SupportsBatch() bool
}
