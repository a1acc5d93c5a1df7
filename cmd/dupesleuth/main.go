// Command dupesleuth runs the duplicate pull request detector: one
// worker loop draining the durable job queue through the
// orchestrate/ingest/detect pipeline (spec.md §4.10-§4.12).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dupesleuth/internal/config"
	"dupesleuth/internal/dbstore"
	"dupesleuth/internal/logger"
	"dupesleuth/internal/metrics"
	"dupesleuth/internal/models"
	"dupesleuth/internal/pipeline"
	"dupesleuth/internal/progress"
	"dupesleuth/internal/queue"
	"dupesleuth/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	quiet := flag.Bool("quiet", false, "disable the terminal spinner")
	flag.Parse()

	cfg, err := config.New(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	verbose := false
	if cfg.Verbose != nil {
		verbose = *cfg.Verbose
	}
	appLogger := logger.New(verbose)
	appLogger.Info("starting dupesleuth, db=%s", cfg.DBPath)

	store, err := dbstore.Open(cfg.DBPath)
	if err != nil {
		appLogger.Fatal("opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error("closing database: %v", err)
		}
	}()

	acct, err := bootstrapAccount(store, cfg)
	if err != nil {
		appLogger.Fatal("bootstrapping account: %v", err)
	}
	if acct != nil {
		appLogger.Info("bootstrapped account id=%d", acct.ID)
	}

	q := queue.New(store.DB())
	recovered, err := q.RecoverRunningJobs()
	if err != nil {
		appLogger.Fatal("recovering in-flight jobs: %v", err)
	}
	if recovered > 0 {
		appLogger.Info("recovered %d job(s) left running by a prior crash", recovered)
	}

	maxConcurrent := 10
	if cfg.MaxConcurrent != nil {
		maxConcurrent = *cfg.MaxConcurrent
	}
	cacheTTL := 60
	if cfg.CacheTTL != nil {
		cacheTTL = *cfg.CacheTTL
	}
	resolver := pipeline.NewResolver(appLogger, maxConcurrent, cacheTTL)

	loop := worker.New(q, appLogger)
	loop.Register("orchestrate", pipeline.NewOrchestratorProcessor(store, q))
	loop.Register("ingest", pipeline.NewIngestProcessor(store, q, resolver, appLogger))
	loop.Register("detect", pipeline.NewDetectProcessor(store, resolver, appLogger))
	loop.SetOnJobFailed(func(job *models.Job, procErr error) {
		scanID, ok := scanIDFromPayload(job.Payload)
		if !ok {
			return
		}
		if err := store.FailScan(scanID, procErr.Error(), time.Now()); err != nil {
			appLogger.Error("marking scan %d failed: %v", scanID, err)
		}
	})

	pollInterval := 2 * time.Second
	if cfg.PollIntervalMS != nil {
		pollInterval = time.Duration(*cfg.PollIntervalMS) * time.Millisecond
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spinner := progress.New(!*quiet && verbose)
	defer spinner.Stop()

	metricsStop := startQueueDepthSampler(ctx, q, appLogger, spinner)
	defer metricsStop()

	loop.Start(ctx, pollInterval)
	appLogger.Info("worker loop running, poll_interval=%s", pollInterval)
	appLogger.Info("press Ctrl+C to stop")

	<-ctx.Done()
	appLogger.Info("shutting down...")
	loop.Stop()
	appLogger.Info("stopped")
}

// bootstrapAccount seeds account id 1 from GITHUB_TOKEN (and sibling env
// vars for the LLM/embedding/vector-store backends) the first time the
// process runs against a fresh database — account management proper is
// out of scope (spec.md §1 Non-goals).
func bootstrapAccount(store *dbstore.Store, cfg *config.Config) (*models.Account, error) {
	const bootstrapAccountID = 1

	existing, err := store.GetAccount(bootstrapAccountID)
	if err == nil {
		return existing, nil
	}
	if err != dbstore.ErrNotFound {
		return nil, fmt.Errorf("checking for existing account: %w", err)
	}
	if cfg.BootstrapGitHubToken == "" {
		return nil, nil
	}

	now := time.Now()
	acct := &models.Account{
		ID:     bootstrapAccountID,
		Label:  "bootstrap",
		APIKey: os.Getenv("DUPESLEUTH_API_KEY"),
		Config: models.AccountConfig{
			GitHub: models.GitHubConfig{Token: cfg.BootstrapGitHubToken},
			LLM: models.LLMConfig{
				Provider: envOrDefault("LLM_PROVIDER", "cloud"),
				URL:      os.Getenv("LLM_URL"),
				Model:    os.Getenv("LLM_MODEL"),
				APIKey:   os.Getenv("LLM_API_KEY"),
			},
			Embedding: models.EmbeddingConfig{
				Provider: envOrDefault("EMBEDDING_PROVIDER", "cloud"),
				URL:      os.Getenv("EMBEDDING_URL"),
				Model:    os.Getenv("EMBEDDING_MODEL"),
				APIKey:   os.Getenv("EMBEDDING_API_KEY"),
			},
			VectorStore: models.VectorStoreConfig{
				URL:    os.Getenv("VECTOR_STORE_URL"),
				APIKey: os.Getenv("VECTOR_STORE_API_KEY"),
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.UpsertAccount(acct); err != nil {
		return nil, fmt.Errorf("inserting bootstrap account: %w", err)
	}
	return acct, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// scanIDFromPayload extracts scan_id from a job payload decoded from
// JSON, where numbers always arrive as float64.
func scanIDFromPayload(payload map[string]any) (int64, bool) {
	v, ok := payload["scan_id"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// startQueueDepthSampler periodically updates the queue_depth gauge
// until ctx is cancelled, returning a function that blocks until the
// sampler goroutine has exited.
func startQueueDepthSampler(ctx context.Context, q *queue.Queue, log *logger.Logger, spinner *progress.Spinner) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := q.Depth()
				if err != nil {
					log.Error("sampling queue depth: %v", err)
					continue
				}
				metrics.QueueDepth.Set(float64(depth))
				spinner.Describe(fmt.Sprintf("%d job(s) queued", depth))
			}
		}
	}()
	return func() { <-done }
}
