// Package ghclient provides the GitHub REST client used by the detection
// pipeline: paginated open-PR listing, file/diff fetch with ETag
// revalidation, and the one write operation the pipeline needs
// (commenting + closing a PR), all routed through a rate-limited
// httpx.Client (spec.md §4.2).
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"dupesleuth/internal/httpx"
	"dupesleuth/internal/logger"
	"dupesleuth/internal/models"
)

const (
	apiBase      = "https://api.github.com"
	perPage      = 100
	maxDiffBytes = 1 << 20 // 1MiB; larger diffs trigger DiffTooLarge
)

// ErrDiffTooLarge is returned by GetPRDiff when the provider's diff exceeds
// the size limit this client enforces; the ingester falls back to
// recording file paths only (spec.md §4.2, §7).
var ErrDiffTooLarge = errors.New("ghclient: diff too large")

// Client is a GitHub REST client bounded by a shared rate-limited
// httpx.Client.
type Client struct {
	http     *httpx.Client
	token    string
	cache    *responseCache
	cacheTTL time.Duration
	log      *logger.Logger

	rl *rateLimitTracker
}

// New creates a GitHub client for one account's token.
func New(token string, maxConcurrent int, cacheTTLMinutes int, log *logger.Logger) *Client {
	rl := &rateLimitTracker{remaining: 5000}
	httpClient := httpx.New(httpx.Config{
		MaxConcurrent: maxConcurrent,
		MaxRetries:    4,
		BaseBackoff:   time.Second,
		MaxBackoff:    2 * time.Minute,
		Extract:       rl.extractBackoff,
	}, log)

	return &Client{
		http:     httpClient,
		token:    token,
		cache:    newResponseCache(),
		cacheTTL: time.Duration(cacheTTLMinutes) * time.Minute,
		log:      log,
		rl:       rl,
	}
}

// rateLimitTracker mirrors the teacher's RateLimiter shape, generalized to
// a BackoffExtractor: when a response's X-RateLimit-Remaining is below a
// small buffer, the next retry waits until X-RateLimit-Reset instead of
// falling through to generic jittered backoff.
type rateLimitTracker struct {
	remaining int
	reset     time.Time
}

func (rl *rateLimitTracker) extractBackoff(resp *http.Response) (time.Duration, bool) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	reset := resp.Header.Get("X-RateLimit-Reset")
	if remaining == "" || reset == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(remaining); err == nil {
		rl.remaining = n
	}
	if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
		rl.reset = time.Unix(secs, 0)
	}
	if rl.remaining > 10 {
		return 0, false
	}
	return time.Until(rl.reset) + 2*time.Second, true
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	return req, nil
}

// TokenSource exposes an oauth2.TokenSource for callers (e.g. a future
// GraphQL or go-github based helper) that want the same static token this
// client already authenticates with.
func (c *Client) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token})
}

// PRSummary is one entry from the open-PR listing endpoint.
type PRSummary struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	User   struct {
		Login string `json:"login"`
	} `json:"user"`
	State     string     `json:"state"`
	MergedAt  *time.Time `json:"merged_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ListOpenPRs lists open pull requests, paginating at 100 per page until a
// short page ends or max is reached (spec.md §4.2, §6).
func (c *Client) ListOpenPRs(ctx context.Context, owner, repo string, max int) ([]PRSummary, error) {
	var all []PRSummary
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/pulls?state=open&per_page=%d&page=%d", apiBase, owner, repo, perPage, page)
		req, err := c.newRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("listing open PRs page %d: %w", page, err)
		}
		body, err := readAndClose(resp)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("listing open PRs: %s: %s", resp.Status, body)
		}

		var batch []PRSummary
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("decoding PR list: %w", err)
		}
		all = append(all, batch...)

		if max > 0 && len(all) >= max {
			all = all[:max]
			break
		}
		if len(batch) < perPage {
			break
		}
	}
	return all, nil
}

// FetchPR fetches a single PR's metadata.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, number int) (PRSummary, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", apiBase, owner, repo, number)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PRSummary{}, err
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return PRSummary{}, fmt.Errorf("fetching PR #%d: %w", number, err)
	}
	body, err := readAndClose(resp)
	if err != nil {
		return PRSummary{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return PRSummary{}, fmt.Errorf("fetching PR #%d: %s: %s", number, resp.Status, body)
	}
	var pr PRSummary
	if err := json.Unmarshal(body, &pr); err != nil {
		return PRSummary{}, fmt.Errorf("decoding PR #%d: %w", number, err)
	}
	return pr, nil
}

// GetPRFiles fetches the list of changed file paths for a PR, paginated and
// cached for cacheTTL to avoid refetching within one ingest pass.
func (c *Client) GetPRFiles(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var paths []string
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=%d&page=%d", apiBase, owner, repo, number, perPage, page)
		cacheKey := url
		var body []byte
		if cached, ok := c.cache.Get(cacheKey, c.cacheTTL); ok {
			body = cached
		} else {
			req, err := c.newRequest(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := c.http.Do(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("fetching files for PR #%d: %w", number, err)
			}
			b, err := readAndClose(resp)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("fetching files for PR #%d: %s: %s", number, resp.Status, b)
			}
			c.cache.Set(cacheKey, b)
			body = b
		}

		var batch []struct {
			Filename string `json:"filename"`
		}
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("decoding files for PR #%d: %w", number, err)
		}
		for _, f := range batch {
			paths = append(paths, f.Filename)
		}
		if len(batch) < perPage {
			break
		}
	}
	return paths, nil
}

// GetPRDiff fetches the raw unified diff for a PR using If-None-Match
// revalidation against etag when non-empty. A 304 response returns
// ("", etag, false, 0, nil) so the caller keeps the previously stored
// hash. A diff larger than the provider limit returns ErrDiffTooLarge with
// the ETag and the byte count still populated, since the caller must fall
// back to file paths only but should still remember the revision it fell
// back on. The body is read only up to one byte past the limit, so on this
// path size is maxDiffBytes+1, not the diff's full length.
func (c *Client) GetPRDiff(ctx context.Context, owner, repo string, number int, etag string) (diff string, newETag string, changed bool, size int, err error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", apiBase, owner, repo, number)
	req, reqErr := c.newRequest(ctx, http.MethodGet, url, nil)
	if reqErr != nil {
		return "", "", false, 0, reqErr
	}
	req.Header.Set("Accept", "application/vnd.github.diff")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, doErr := c.http.Do(ctx, req)
	if doErr != nil {
		return "", "", false, 0, fmt.Errorf("fetching diff for PR #%d: %w", number, doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return "", etag, false, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", "", false, 0, fmt.Errorf("fetching diff for PR #%d: %s: %s", number, resp.Status, body)
	}

	limited := io.LimitReader(resp.Body, maxDiffBytes+1)
	body, readErr := io.ReadAll(limited)
	if readErr != nil {
		return "", "", false, 0, fmt.Errorf("reading diff for PR #%d: %w", number, readErr)
	}
	if len(body) > maxDiffBytes {
		return "", resp.Header.Get("ETag"), true, len(body), ErrDiffTooLarge
	}

	return string(body), resp.Header.Get("ETag"), true, len(body), nil
}

// ClosePRWithComment posts a comment and then closes the given PR. Whether
// to invoke this at all is a decision the outer product layer makes from
// a dupe group's rank; this core only ever produces the recommendation
// (spec.md §1 Non-goals) but still needs the capability wired end to end.
func (c *Client) ClosePRWithComment(ctx context.Context, owner, repo string, number int, comment string) error {
	commentURL := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", apiBase, owner, repo, number)
	payload, _ := json.Marshal(map[string]string{"body": comment})
	req, err := c.newRequest(ctx, http.MethodPost, commentURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("commenting on PR #%d: %w", number, err)
	}
	body, err := readAndClose(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("commenting on PR #%d: %s: %s", number, resp.Status, body)
	}

	closeURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", apiBase, owner, repo, number)
	closePayload, _ := json.Marshal(map[string]string{"state": "closed"})
	req, err = c.newRequest(ctx, http.MethodPatch, closeURL, bytes.NewReader(closePayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(closePayload)), nil
	}
	resp, err = c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("closing PR #%d: %w", number, err)
	}
	body, err = readAndClose(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("closing PR #%d: %s: %s", number, resp.Status, body)
	}
	return nil
}

// ToModelState maps GitHub's state strings onto models.PRState, treating a
// merged PR (state=closed, merged_at set) as distinct from an abandoned
// close.
func ToModelState(state string, mergedAt *time.Time) models.PRState {
	if state == "closed" && mergedAt != nil {
		return models.PRStateMerged
	}
	if state == "closed" {
		return models.PRStateClosed
	}
	return models.PRStateOpen
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}
