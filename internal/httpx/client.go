// Package httpx provides a concurrency-bounded, retry/backoff HTTP fetch
// wrapper used by every outbound call in the detector: GitHub, chat,
// embedding, and vector-store clients all build on one httpx.Client so
// rate-limit handling lives in exactly one place (spec.md §4.1).
package httpx

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"dupesleuth/internal/logger"
)

// BackoffExtractor inspects a rate-limited response and, if it can, returns
// how long to wait before retrying. GitHub's client supplies one that reads
// x-ratelimit-reset; providers with no such header return ok=false so the
// caller falls through to Retry-After and then jittered exponential.
type BackoffExtractor func(resp *http.Response) (wait time.Duration, ok bool)

// Client wraps http.Client with a concurrency semaphore and retry/backoff
// policy for 429/403 responses.
type Client struct {
	HTTP        *http.Client
	sem         chan struct{}
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Extract     BackoffExtractor
	log         *logger.Logger
}

// Config bundles the tunables for New.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Timeout       time.Duration
	Extract       BackoffExtractor
}

// New creates a rate-limited HTTP client. Zero values in cfg fall back to
// sane defaults (10 concurrent, 3 retries, 1s base backoff, 60s cap).
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		HTTP:        &http.Client{Timeout: cfg.Timeout},
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		MaxRetries:  cfg.MaxRetries,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		Extract:     cfg.Extract,
		log:         log,
	}
}

// Do performs req, retrying on 429/403 and transient network errors up to
// MaxRetries times. Backoff is computed, in order: the caller-supplied
// Extractor; the Retry-After header (seconds or HTTP-date); exponential
// with full jitter base*2^attempt*U(0.5,1.0), clamped to MaxBackoff. On
// retry exhaustion the last response is returned without an error so
// callers can inspect its status code (spec.md §4.1).
//
// req.GetBody must be set (e.g. via http.NewRequestWithContext with a
// nil or rewindable body) if the request is retried with a body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			body, rebuildErr := rebuildBody(req)
			if rebuildErr != nil {
				return nil, rebuildErr
			}
			req = body
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt == c.MaxRetries {
				break
			}
			c.sleep(ctx, c.jitteredBackoff(attempt))
			continue
		}

		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusForbidden {
			return resp, nil
		}

		lastResp = resp
		lastErr = nil
		if attempt == c.MaxRetries {
			break
		}

		wait := c.backoffFor(resp, attempt)
		resp.Body.Close()
		if c.log != nil {
			c.log.Debug("retrying %s %s after %v (attempt %d/%d, status %d)",
				req.Method, req.URL.Path, wait, attempt+1, c.MaxRetries, resp.StatusCode)
		}
		c.sleep(ctx, wait)
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func rebuildBody(req *http.Request) (*http.Request, error) {
	if req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func (c *Client) backoffFor(resp *http.Response, attempt int) time.Duration {
	if c.Extract != nil {
		if wait, ok := c.Extract(resp); ok {
			return clamp(wait, c.MaxBackoff)
		}
	}
	if wait, ok := retryAfter(resp); ok {
		return clamp(wait, c.MaxBackoff)
	}
	return c.jitteredBackoff(attempt)
}

// jitteredBackoff computes base*2^attempt*U(0.5,1.0), clamped to MaxBackoff
// (spec.md §4.1, §8 property 4).
func (c *Client) jitteredBackoff(attempt int) time.Duration {
	exp := float64(c.BaseBackoff) * float64(uint64(1)<<uint(attempt))
	jitter := 0.5 + rand.Float64()*0.5
	return clamp(time.Duration(exp*jitter), c.MaxBackoff)
}

func clamp(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(v); err == nil {
		return time.Until(when), true
	}
	return 0, false
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
