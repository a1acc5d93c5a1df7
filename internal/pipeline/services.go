// Package pipeline implements the detection pipeline's three processors —
// orchestrator, ingest, and the unified detect strategy — wired onto
// worker.Processor so the worker loop can dispatch them like any other job
// (spec.md §4.10–§4.13).
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"dupesleuth/internal/embedding"
	"dupesleuth/internal/ghclient"
	"dupesleuth/internal/httpx"
	"dupesleuth/internal/llm"
	"dupesleuth/internal/logger"
	"dupesleuth/internal/models"
	"dupesleuth/internal/vectorstore"
)

// Default scan thresholds (spec.md §4.12 Phase D, §6 configuration).
const (
	defaultCandidateThreshold = 0.65
	defaultMaxCandidatesPerPR = 10
)

// Services bundles every external-facing client one account needs to run a
// scan.
type Services struct {
	GitHub     *ghclient.Client
	Chat       llm.Provider
	Embed      embedding.Provider
	Vectors    *vectorstore.Store
	Thresholds models.ScanThresholds
}

// CandidateThreshold returns the configured threshold or the spec default.
func (s *Services) CandidateThreshold() float64 {
	if s.Thresholds.CandidateThreshold != nil {
		return *s.Thresholds.CandidateThreshold
	}
	return defaultCandidateThreshold
}

// MaxCandidatesPerPR returns the configured cap or the spec default.
func (s *Services) MaxCandidatesPerPR() int {
	if s.Thresholds.MaxCandidatesPerPR != nil {
		return *s.Thresholds.MaxCandidatesPerPR
	}
	return defaultMaxCandidatesPerPR
}

// Resolver builds and caches per-account Services so repeated jobs for the
// same account reuse one set of HTTP/vector-store clients instead of
// reconnecting every tick.
type Resolver struct {
	log             *logger.Logger
	maxConcurrent   int
	cacheTTLMinutes int

	mu    sync.Mutex
	cache map[int64]cachedServices
}

type cachedServices struct {
	updatedAt time.Time
	services  *Services
}

// NewResolver creates a Resolver. maxConcurrent bounds outbound HTTP
// concurrency for every client it builds (spec.md §4.1).
func NewResolver(log *logger.Logger, maxConcurrent, cacheTTLMinutes int) *Resolver {
	return &Resolver{
		log:             log,
		maxConcurrent:   maxConcurrent,
		cacheTTLMinutes: cacheTTLMinutes,
		cache:           make(map[int64]cachedServices),
	}
}

// Resolve returns the Services for acct, rebuilding them only when acct's
// UpdatedAt differs from the cached entry's; a config change that leaves
// UpdatedAt as it was is served from the cache.
func (r *Resolver) Resolve(acct *models.Account) (*Services, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[acct.ID]; ok && cached.updatedAt.Equal(acct.UpdatedAt) {
		return cached.services, nil
	}

	svc, err := r.build(acct)
	if err != nil {
		return nil, err
	}
	r.cache[acct.ID] = cachedServices{updatedAt: acct.UpdatedAt, services: svc}
	return svc, nil
}

func (r *Resolver) build(acct *models.Account) (*Services, error) {
	cfg := acct.Config
	if cfg.GitHub.Token == "" {
		return nil, fmt.Errorf("pipeline: account %d has no github token configured", acct.ID)
	}

	gh := ghclient.New(cfg.GitHub.Token, r.maxConcurrent, r.cacheTTLMinutes, r.log)

	providerHTTP := httpx.New(httpx.Config{MaxConcurrent: r.maxConcurrent}, r.log)

	chat, err := r.buildChat(cfg.LLM, providerHTTP)
	if err != nil {
		return nil, fmt.Errorf("building chat provider for account %d: %w", acct.ID, err)
	}
	embed, err := r.buildEmbed(cfg.Embedding, providerHTTP)
	if err != nil {
		return nil, fmt.Errorf("building embedding provider for account %d: %w", acct.ID, err)
	}

	if cfg.VectorStore.URL == "" {
		return nil, fmt.Errorf("pipeline: account %d has no vector_store.url configured", acct.ID)
	}
	vectors := vectorstore.New(providerHTTP, cfg.VectorStore.URL)

	return &Services{
		GitHub:     gh,
		Chat:       chat,
		Embed:      embed,
		Vectors:    vectors,
		Thresholds: cfg.Scan,
	}, nil
}

func (r *Resolver) buildChat(cfg models.LLMConfig, httpClient *httpx.Client) (llm.Provider, error) {
	switch cfg.Provider {
	case "ollama", "local":
		return llm.NewOllamaClient(cfg.URL, cfg.Model), nil
	case "cloud", "":
		if cfg.URL == "" {
			return nil, fmt.Errorf("cloud llm provider requires a url")
		}
		return llm.NewCloudClient(httpClient, cfg.URL, cfg.APIKey, cfg.Model, 0), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func (r *Resolver) buildEmbed(cfg models.EmbeddingConfig, httpClient *httpx.Client) (embedding.Provider, error) {
	switch cfg.Provider {
	case "ollama", "local":
		return embedding.NewLocalClient(cfg.URL, cfg.Model, 0), nil
	case "cloud", "":
		if cfg.URL == "" {
			return nil, fmt.Errorf("cloud embedding provider requires a url")
		}
		return embedding.NewCloudClient(httpClient, cfg.URL, cfg.APIKey, cfg.Model, 0), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
