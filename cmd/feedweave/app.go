package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kalambet/feedweave/internal/clustering"
	"github.com/kalambet/feedweave/internal/config"
	"github.com/kalambet/feedweave/internal/feed"
	"github.com/kalambet/feedweave/internal/feedsync"
	"github.com/kalambet/feedweave/internal/ingest"
	"github.com/kalambet/feedweave/internal/metrics"
	"github.com/kalambet/feedweave/internal/ollama"
	"github.com/kalambet/feedweave/internal/pipeline"
	"github.com/kalambet/feedweave/internal/retrieval"
	"github.com/kalambet/feedweave/internal/retry"
	"github.com/kalambet/feedweave/internal/scheduler"
	"github.com/kalambet/feedweave/internal/storage"
)

// app is the assembled ingestion core.
type app struct {
	store    *storage.Store
	metrics  *metrics.Metrics
	queue    *ingest.Manager
	pipeline *pipeline.Pipeline
	closers  []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("closing", "error", err)
		}
	}
}

// openStore opens the data dir, falling back to an in-memory store when
// allowed.
func openStore(cfg config.StorageConfig, logger *slog.Logger) (*storage.Store, error) {
	store, err := storage.Open(cfg.DataDir)
	if err == nil {
		return store, nil
	}
	if !cfg.MemoryFallback {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	logger.Warn("storage unavailable, using in-memory store; data will not persist",
		"data_dir", cfg.DataDir, "error", err)
	store, memErr := storage.Open(":memory:")
	if memErr != nil {
		return nil, fmt.Errorf("opening in-memory storage: %w", memErr)
	}
	return store, nil
}

// newSimilarCache picks Redis when configured and reachable, else the
// in-process cache.
func newSimilarCache(ctx context.Context, cfg config.Config, logger *slog.Logger) (retrieval.Cache, io.Closer) {
	if cfg.Redis.Addr == "" {
		return retrieval.NewMemoryCache(cfg.Similar.CacheTTL), nil
	}
	client, err := retrieval.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("redis unavailable, using in-process similar-articles cache",
			"addr", cfg.Redis.Addr, "error", err)
		return retrieval.NewMemoryCache(cfg.Similar.CacheTTL), nil
	}
	logger.Info("similar-articles cache on redis", "addr", cfg.Redis.Addr)
	return retrieval.NewRedisCache(client, cfg.Similar.CacheTTL, logger), client
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a := &app{store: store, metrics: metrics.New(), closers: []io.Closer{store}}

	cache, cacheCloser := newSimilarCache(ctx, cfg, logger)
	if cacheCloser != nil {
		a.closers = append(a.closers, cacheCloser)
	}

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	embedder := retrieval.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel)

	similar := retrieval.NewSearcher(store,
		retrieval.WithCache(cache),
		retrieval.WithThreshold(cfg.Similar.Threshold),
		retrieval.WithTopK(cfg.Similar.TopK),
		retrieval.WithLogger(logger),
		retrieval.WithMetrics(a.metrics),
	)

	policy := retry.DefaultQueuePolicy()
	if cfg.Queue.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Queue.MaxAttempts
	}
	a.queue = ingest.NewManager(store, embedder, ingest.Config{
		Policy:      policy,
		Concurrency: cfg.Queue.Concurrency,
		DailyLimit:  cfg.Queue.DailyLimit,
		RateLimit:   cfg.Queue.RateLimit,
	},
		ingest.WithInvalidator(similar),
		ingest.WithLogger(logger),
		ingest.WithMetrics(a.metrics),
	)

	fetcher := feed.NewHTTPFetcher(nil)
	exec := feedsync.NewExecutor(store, fetcher, feed.NewParser(), a.queue, feedsync.WithLogger(logger))
	sched := scheduler.New(store, exec, scheduler.Config{
		Intervals: scheduler.Intervals{
			High:   cfg.Schedule.HighInterval,
			Medium: cfg.Schedule.MediumInterval,
			Low:    cfg.Schedule.LowInterval,
		},
		Backoff:     retry.DefaultSchedulePolicy(),
		FanOut:      cfg.Schedule.FanOut,
		FeedTimeout: cfg.Schedule.FeedTimeout,
	},
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(a.metrics),
	)

	clusterOpts := []clustering.Option{clustering.WithLogger(logger), clustering.WithMetrics(a.metrics)}
	if cfg.Ollama.ChatModel != "" {
		clusterOpts = append(clusterOpts, clustering.WithSummarizer(clustering.NewLLMSummarizer(ollamaClient, cfg.Ollama.ChatModel)))
	}
	clusters := clustering.NewEngine(store, clustering.Config{
		Window:          cfg.Clustering.Window,
		Threshold:       cfg.Clustering.Threshold,
		MinSources:      cfg.Clustering.MinSources,
		MinArticles:     cfg.Clustering.MinArticles,
		KeywordFallback: cfg.Clustering.KeywordFallback,
	}, clusterOpts...)

	a.pipeline = pipeline.New(store, pipeline.Components{
		Scheduler:  sched,
		Health:     scheduler.NewHealth(store),
		Queue:      a.queue,
		Clusters:   clusters,
		Similar:    similar,
		Discoverer: feed.NewDiscoverer(fetcher),
	}, pipeline.WithLogger(logger))

	return a, nil
}

// ensureOllama checks the provider and pulls missing models.
func ensureOllama(ctx context.Context, cfg config.Config, w io.Writer) error {
	return ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL), cfg.Ollama.EmbedModel, cfg.Ollama.ChatModel, w)
}
