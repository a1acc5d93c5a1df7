package embedding

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

// LocalClient is a Provider backed by a self-hosted embedding server
// exposing Ollama's /api/embeddings shape. It has no batch endpoint, so
// EmbedBatch falls back to sequential Embed calls.
type LocalClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
	maxInput   int
}

// NewLocalClient creates a client for a local embedding server.
func NewLocalClient(baseURL, model string, dimensions int) *LocalClient {
	if dimensions <= 0 {
		dimensions = 768
	}
	return &LocalClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		dimensions: dimensions,
		maxInput:   8192,
	}
}

func (c *LocalClient) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (c *LocalClient) Dimensions() int {
	return c.dimensions
}

func (c *LocalClient) MaxInputTokens() int {
	return c.maxInput
}

func (c *LocalClient) SupportsBatch() bool {
	return false
}

type localEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type localEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests one embedding per text, sequentially — Ollama's
// embeddings endpoint accepts a single input per call.
func (c *LocalClient) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	vectors := make([][]float32, len(texts))
	var usage Usage
	for i, text := range texts {
		vec, tokens, err := c.embedOne(ctx, Sanitize(text))
		if err != nil {
			return nil, Usage{}, fmt.Errorf("embedding item %d: %w", i, err)
		}
		vectors[i] = vec
		usage.InputTokens += tokens
	}
	return vectors, usage, nil
}

func (c *LocalClient) embedOne(ctx context.Context, text string) ([]float32, int64, error) {
	payload, err := json.Marshal(localEmbedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, 0, fmt.Errorf("marshalling embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("calling embedding server: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("embedding server returned %s: %s", resp.Status, body)
	}

	var parsed localEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("parsing embed response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, 0, fmt.Errorf("embedding server returned an empty vector")
	}
	return parsed.Embedding, int64(c.CountTokens(text)), nil
}

// EmbedBatch runs each request through Embed sequentially.
func (c *LocalClient) EmbedBatch(ctx context.Context, reqs []BatchRequest, _ BatchControl) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(reqs))
	for _, r := range reqs {
		vecs, usage, err := c.Embed(ctx, []string{r.Text})
		if err != nil {
			results = append(results, BatchResult{CustomID: r.CustomID, Err: err})
			continue
		}
		results = append(results, BatchResult{CustomID: r.CustomID, Vector: vecs[0], Usage: usage})
	}
	return results, nil
}
