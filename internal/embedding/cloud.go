package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"dupesleuth/internal/batchproto"
	"dupesleuth/internal/httpx"
)

// CloudClient is a Provider backed by an OpenAI-compatible /embeddings +
// batch API (spec.md §6).
type CloudClient struct {
	http       *httpx.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	maxInput   int
}

// NewCloudClient creates a cloud embedding client.
func NewCloudClient(httpClient *httpx.Client, baseURL, apiKey, model string, dimensions int) *CloudClient {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &CloudClient{
		http:       httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		maxInput:   250_000,
	}
}

func (c *CloudClient) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (c *CloudClient) Dimensions() int {
	return c.dimensions
}

func (c *CloudClient) MaxInputTokens() int {
	return c.maxInput
}

func (c *CloudClient) SupportsBatch() bool {
	return true
}

func (c *CloudClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int64 `json:"prompt_tokens"`
	} `json:"usage"`
}

// Embed requests embeddings for every text in one call.
func (c *CloudClient) Embed(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	sanitized := make([]string, len(texts))
	for i, t := range texts {
		sanitized[i] = Sanitize(t)
	}

	payload, err := json.Marshal(embeddingsRequest{Model: c.model, Input: sanitized})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("marshalling embeddings request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(payload)), nil }

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("calling embeddings: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("reading embeddings response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Usage{}, fmt.Errorf("embeddings returned %s: %s", resp.Status, body)
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, Usage{}, fmt.Errorf("parsing embeddings response: %w", err)
	}
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, Usage{InputTokens: parsed.Usage.PromptTokens}, nil
}

// EmbedBatch runs the requests through the shared async batch protocol
// against /embeddings.
func (c *CloudClient) EmbedBatch(ctx context.Context, reqs []BatchRequest, ctrl BatchControl) ([]BatchResult, error) {
	items := make([]batchproto.Request, len(reqs))
	for i, r := range reqs {
		body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: []string{Sanitize(r.Text)}})
		if err != nil {
			return nil, fmt.Errorf("marshalling batch item %s: %w", r.CustomID, err)
		}
		items[i] = batchproto.Request{CustomID: r.CustomID, Method: http.MethodPost, URL: "/v1/embeddings", Body: body}
	}

	results, err := batchproto.Run(ctx, &cloudBatchBackend{c}, items, batchproto.Options{
		ExistingBatchID: ctrl.ExistingBatchID,
		Endpoint:        "/v1/embeddings",
		OnBatchCreated:  ctrl.OnBatchCreated,
	})
	if err != nil {
		return nil, err
	}

	out := make([]BatchResult, 0, len(results))
	for _, r := range results {
		if len(r.Error) > 0 {
			out = append(out, BatchResult{CustomID: r.CustomID, Err: fmt.Errorf("batch item error: %s", r.Error)})
			continue
		}
		var parsed struct {
			Body embeddingsResponse `json:"body"`
		}
		if err := json.Unmarshal(r.Response, &parsed); err != nil {
			out = append(out, BatchResult{CustomID: r.CustomID, Err: fmt.Errorf("parsing batch response: %w", err)})
			continue
		}
		if len(parsed.Body.Data) == 0 {
			out = append(out, BatchResult{CustomID: r.CustomID, Err: fmt.Errorf("batch item returned no embedding")})
			continue
		}
		out = append(out, BatchResult{
			CustomID: r.CustomID,
			Vector:   parsed.Body.Data[0].Embedding,
			Usage:    Usage{InputTokens: parsed.Body.Usage.PromptTokens},
		})
	}
	return out, nil
}

// cloudBatchBackend adapts CloudClient to batchproto.Backend.
type cloudBatchBackend struct {
	c *CloudClient
}

func (b *cloudBatchBackend) UploadFile(ctx context.Context, jsonl []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", "batch_input.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(jsonl); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := b.c.newRequest(ctx, http.MethodPost, "/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.c.http.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 500 {
		return "", &batchproto.ServerError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", body)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("uploading batch file: %s: %s", resp.Status, body)
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing upload response: %w", err)
	}
	return parsed.ID, nil
}

func (b *cloudBatchBackend) CreateBatch(ctx context.Context, inputFileID, endpoint string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": "24h",
	})
	if err != nil {
		return "", err
	}
	req, err := b.c.newRequest(ctx, http.MethodPost, "/batches", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(payload)), nil }

	resp, err := b.c.http.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 500 {
		return "", &batchproto.ServerError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", body)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("creating batch: %s: %s", resp.Status, body)
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing create-batch response: %w", err)
	}
	return parsed.ID, nil
}

func (b *cloudBatchBackend) PollBatch(ctx context.Context, batchID string) (batchproto.Status, string, string, error) {
	req, err := b.c.newRequest(ctx, http.MethodGet, "/batches/"+batchID, nil)
	if err != nil {
		return "", "", "", err
	}
	resp, err := b.c.http.Do(ctx, req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", "", err
	}
	if resp.StatusCode >= 500 {
		return "", "", "", &batchproto.ServerError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", body)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("polling batch %s: %s: %s", batchID, resp.Status, body)
	}

	var parsed struct {
		Status       string `json:"status"`
		OutputFileID string `json:"output_file_id"`
		Errors       struct {
			Data []struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", "", fmt.Errorf("parsing batch status: %w", err)
	}
	firstErr := ""
	if len(parsed.Errors.Data) > 0 {
		firstErr = parsed.Errors.Data[0].Message
	}
	return batchproto.Status(parsed.Status), parsed.OutputFileID, firstErr, nil
}

func (b *cloudBatchBackend) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	req, err := b.c.newRequest(ctx, http.MethodGet, "/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, &batchproto.ServerError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading batch output %s: %s: %s", fileID, resp.Status, body)
	}
	return body, nil
}
