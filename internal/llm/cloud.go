package llm

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

// CloudClient is a Provider backed by an OpenAI-compatible chat
// completions + batch API (spec.md §6: "/chat/completions", "/files",
// "/batches", "/batches/{id}", "/files/{id}/content").
type CloudClient struct {
	http       *httpx.Client
	baseURL    string
	apiKey     string
	model      string
	maxContext int
}

// NewCloudClient creates a cloud chat client.
func NewCloudClient(httpClient *httpx.Client, baseURL, apiKey, model string, maxContext int) *CloudClient {
	if maxContext <= 0 {
		maxContext = 128_000
	}
	return &CloudClient{
		http:       httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		maxContext: maxContext,
	}
}

func (c *CloudClient) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (c *CloudClient) MaxContextTokens() int {
	return c.maxContext
}

func (c *CloudClient) SupportsBatch() bool {
	return true
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []apiMsg  `json:"messages"`
}

type apiMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message apiMsg `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *CloudClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// Chat performs a synchronous /chat/completions call.
func (c *CloudClient) Chat(ctx context.Context, messages []Message) (ChatResult, error) {
	apiMessages := make([]apiMsg, len(messages))
	for i, m := range messages {
		apiMessages[i] = apiMsg{Role: m.Role, Content: m.Content}
	}
	payload, err := json.Marshal(chatCompletionRequest{Model: c.model, Messages: apiMessages})
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshalling chat request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return ChatResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(payload)), nil }

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("calling chat completions: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("reading chat completions response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResult{}, fmt.Errorf("chat completions returned %s: %s", resp.Status, body)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ChatResult{}, fmt.Errorf("parsing chat completions response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("chat completions returned no choices")
	}
	return ChatResult{
		Response: parsed.Choices[0].Message.Content,
		Usage:    Usage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens},
	}, nil
}

// ChatBatch runs the requests through the shared async batch protocol
// against /chat/completions.
func (c *CloudClient) ChatBatch(ctx context.Context, reqs []BatchRequest, ctrl BatchControl) ([]BatchResult, error) {
	items := make([]batchproto.Request, len(reqs))
	for i, r := range reqs {
		apiMessages := make([]apiMsg, len(r.Messages))
		for j, m := range r.Messages {
			apiMessages[j] = apiMsg{Role: m.Role, Content: m.Content}
		}
		body, err := json.Marshal(chatCompletionRequest{Model: c.model, Messages: apiMessages})
		if err != nil {
			return nil, fmt.Errorf("marshalling batch item %s: %w", r.CustomID, err)
		}
		items[i] = batchproto.Request{CustomID: r.CustomID, Method: http.MethodPost, URL: "/v1/chat/completions", Body: body}
	}

	results, err := batchproto.Run(ctx, &cloudBatchBackend{c}, items, batchproto.Options{
		ExistingBatchID: ctrl.ExistingBatchID,
		Endpoint:        "/v1/chat/completions",
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
			Body chatCompletionResponse `json:"body"`
		}
		if err := json.Unmarshal(r.Response, &parsed); err != nil {
			out = append(out, BatchResult{CustomID: r.CustomID, Err: fmt.Errorf("parsing batch response: %w", err)})
			continue
		}
		if len(parsed.Body.Choices) == 0 {
			out = append(out, BatchResult{CustomID: r.CustomID, Err: fmt.Errorf("batch item returned no choices")})
			continue
		}
		out = append(out, BatchResult{
			CustomID: r.CustomID,
			Response: parsed.Body.Choices[0].Message.Content,
			Usage: Usage{
				InputTokens:  parsed.Body.Usage.PromptTokens,
				OutputTokens: parsed.Body.Usage.CompletionTokens,
			},
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
