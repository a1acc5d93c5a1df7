package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient is a Provider backed by a local or self-hosted Ollama
// instance. Ollama has no batch endpoint, so ChatBatch falls back to
// sequential Chat calls and SupportsBatch reports false.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	maxContext int
}

// NewOllamaClient creates a client for an Ollama server at baseURL using
// model for every Chat/ChatBatch call.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		maxContext: 8192,
	}
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

// CountTokens approximates token count at 4 characters per token — Ollama
// does not expose a tokenizer endpoint.
func (c *OllamaClient) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// MaxContextTokens reports the context window this client was configured
// with.
func (c *OllamaClient) MaxContextTokens() int {
	return c.maxContext
}

// SupportsBatch always reports false: Ollama has no async batch endpoint.
func (c *OllamaClient) SupportsBatch() bool {
	return false
}

// Chat sends messages as a flattened prompt to Ollama's /api/generate
// endpoint and returns its response along with an approximate token
// usage (Ollama's eval counts, when present).
func (c *OllamaClient) Chat(ctx context.Context, messages []Message) (ChatResult, error) {
	prompt := flattenMessages(messages)
	if prompt == "" {
		return ChatResult{}, fmt.Errorf("llm: chat prompt is empty")
	}

	reqBody := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": 0.2,
			"num_predict": 1024,
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshalling ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return ChatResult{}, fmt.Errorf("building ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ChatResult{}, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("reading ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResult{}, fmt.Errorf("ollama returned %s: %s", resp.Status, respBody)
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return ChatResult{}, fmt.Errorf("parsing ollama response: %w", err)
	}
	if parsed.Response == "" {
		return ChatResult{}, fmt.Errorf("ollama returned an empty response")
	}

	return ChatResult{
		Response: parsed.Response,
		Usage:    Usage{InputTokens: parsed.PromptEvalCount, OutputTokens: parsed.EvalCount},
	}, nil
}

// ChatBatch runs each request through Chat sequentially. It exists so
// callers can treat every Provider uniformly; SupportsBatch tells them
// not to expect async efficiency from it.
func (c *OllamaClient) ChatBatch(ctx context.Context, reqs []BatchRequest, _ BatchControl) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(reqs))
	for _, r := range reqs {
		res, err := c.Chat(ctx, r.Messages)
		if err != nil {
			results = append(results, BatchResult{CustomID: r.CustomID, Err: err})
			continue
		}
		results = append(results, BatchResult{CustomID: r.CustomID, Response: res.Response, Usage: res.Usage})
	}
	return results, nil
}

func flattenMessages(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role != "" {
			b.WriteString(m.Role)
			b.WriteString(": ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
