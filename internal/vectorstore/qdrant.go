// Package vectorstore wraps a Qdrant-shaped vector database: collection
// lifecycle, batched upsert, filtered k-NN search, and point retrieval
// (spec.md §4.9). The wire protocol is Qdrant's REST API, built directly
// on internal/httpx rather than a generated client so it shares the same
// retry/backoff policy as every other outbound call in the detector.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"dupesleuth/internal/httpx"
	"dupesleuth/internal/models"
)

const maxUpsertBatch = 256

// Store is a Qdrant-REST-backed vector store.
type Store struct {
	http    *httpx.Client
	baseURL string
}

// New creates a store against a Qdrant instance at baseURL (e.g.
// "http://localhost:6333").
func New(httpClient *httpx.Client, baseURL string) *Store {
	return &Store{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// PointID derives a stable point id for a (repo, PR, embedding space)
// triple so re-embedding the same PR in the same space upserts in place
// instead of creating a duplicate point.
func PointID(repoID int64, prNumber int, space string) string {
	name := fmt.Sprintf("%d:%d:%s", repoID, prNumber, space)
	return uuid.NewMD5(uuid.Nil, []byte(name)).String()
}

// Condition is an exact-match filter term, e.g. {Key: "repo_id", Match: 7}.
type Condition struct {
	Key   string
	Match any
}

// Filter restricts a search or delete to points whose payload satisfies
// every condition.
type Filter struct {
	Must []Condition
}

func (f Filter) toWire() map[string]any {
	if len(f.Must) == 0 {
		return nil
	}
	must := make([]map[string]any, len(f.Must))
	for i, c := range f.Must {
		must[i] = map[string]any{
			"key":   c.Key,
			"match": map[string]any{"value": c.Match},
		}
	}
	return map[string]any{"must": must}
}

// SearchOptions tunes a k-NN search.
type SearchOptions struct {
	Limit  int
	Filter Filter
}

// SearchResult is one k-NN hit.
type SearchResult struct {
	ID      string
	Score   float64
	Payload models.VectorPayload
}

func (s *Store) url(path string) string {
	return s.baseURL + path
}

func (s *Store) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling vectorstore request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("building vectorstore request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(raw)), nil }
	}

	resp, err := s.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling vectorstore %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading vectorstore response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vectorstore %s %s returned %s: %s", method, path, resp.Status, respBody)
	}
	return respBody, nil
}

type collectionInfoResponse struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// EnsureCollection makes sure collection exists with cosine distance and
// vector width dim. If it exists with a different width, it is dropped and
// recreated, since a dimension change means switching embedding models and
// stale vectors can no longer be compared (spec.md §4.9).
func (s *Store) EnsureCollection(ctx context.Context, collection string, dim int) error {
	body, err := s.do(ctx, http.MethodGet, "/collections/"+collection, nil)
	if err == nil {
		var info collectionInfoResponse
		if jsonErr := json.Unmarshal(body, &info); jsonErr == nil {
			if info.Result.Config.Params.Vectors.Size == dim {
				return nil
			}
		}
		if _, dropErr := s.do(ctx, http.MethodDelete, "/collections/"+collection, nil); dropErr != nil {
			return fmt.Errorf("dropping mismatched collection %s: %w", collection, dropErr)
		}
	}

	_, err = s.do(ctx, http.MethodPut, "/collections/"+collection, map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}
	return nil
}

// Upsert writes points in batches of at most 256 (spec.md §4.9).
func (s *Store) Upsert(ctx context.Context, collection string, points []models.VectorPoint) error {
	for start := 0; start < len(points); start += maxUpsertBatch {
		end := start + maxUpsertBatch
		if end > len(points) {
			end = len(points)
		}
		if err := s.upsertBatch(ctx, collection, points[start:end]); err != nil {
			return fmt.Errorf("upserting points %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func (s *Store) upsertBatch(ctx context.Context, collection string, points []models.VectorPoint) error {
	wire := make([]map[string]any, len(points))
	for i, p := range points {
		wire[i] = map[string]any{
			"id":     p.ID,
			"vector": p.Vector,
			"payload": map[string]any{
				"repo_id":   p.Payload.RepoID,
				"pr_number": p.Payload.PRNumber,
				"pr_id":     p.Payload.PRID,
			},
		}
	}
	_, err := s.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", map[string]any{
		"points": wire,
	})
	return err
}

type searchResponse struct {
	Result []struct {
		ID      string  `json:"id"`
		Score   float64 `json:"score"`
		Payload struct {
			RepoID   int64 `json:"repo_id"`
			PRNumber int   `json:"pr_number"`
			PRID     int64 `json:"pr_id"`
		} `json:"payload"`
	} `json:"result"`
}

// Search returns the nearest neighbours of vec in collection, most similar
// first.
func (s *Store) Search(ctx context.Context, collection string, vec []float32, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	payload := map[string]any{
		"vector":       vec,
		"limit":        opts.Limit,
		"with_payload": true,
	}
	if filter := opts.Filter.toWire(); filter != nil {
		payload["filter"] = filter
	}

	body, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", payload)
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", collection, err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing search response: %w", err)
	}

	results := make([]SearchResult, len(parsed.Result))
	for i, r := range parsed.Result {
		results[i] = SearchResult{
			ID:    r.ID,
			Score: r.Score,
			Payload: models.VectorPayload{
				RepoID:   r.Payload.RepoID,
				PRNumber: r.Payload.PRNumber,
				PRID:     r.Payload.PRID,
			},
		}
	}
	return results, nil
}

// DeleteByFilter removes every point in collection matching filter. The
// detect pipeline does not call it: re-embedding overwrites a PR's point in
// place under its stable PointID.
func (s *Store) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	wire := filter.toWire()
	if wire == nil {
		return fmt.Errorf("vectorstore: refusing to delete with an empty filter")
	}
	_, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", map[string]any{
		"filter": wire,
	})
	if err != nil {
		return fmt.Errorf("deleting points from %s: %w", collection, err)
	}
	return nil
}

type retrieveResponse struct {
	Result []struct {
		ID     string    `json:"id"`
		Vector []float32 `json:"vector"`
	} `json:"result"`
}

// GetVector fetches the stored vector for id, returning ok=false if it is
// not present.
func (s *Store) GetVector(ctx context.Context, collection, id string) (vec []float32, ok bool, err error) {
	body, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points", map[string]any{
		"ids":         []string{id},
		"with_vector": true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("retrieving point %s from %s: %w", id, collection, err)
	}
	var parsed retrieveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("parsing retrieve response: %w", err)
	}
	if len(parsed.Result) == 0 {
		return nil, false, nil
	}
	return parsed.Result[0].Vector, true, nil
}
