package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/agentic"
	"github.com/hyperjump/kensaku/internal/cache"
	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/indexer"
	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/pipeline"
	"github.com/hyperjump/kensaku/internal/quota"
	"github.com/hyperjump/kensaku/internal/ratelimit"
	"github.com/hyperjump/kensaku/internal/rerank"
	"github.com/hyperjump/kensaku/internal/search"
	"github.com/hyperjump/kensaku/internal/storage"
)

// Components holds initialized services.
type Components struct {
	Storage  *storage.SQLiteStorage
	Embedder embedding.Embedder
	Keyword  *keyword.BleveIndex
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Service  *pipeline.Service

	// memoryStore is set when the distributed tier runs in process and needs sweeping.
	memoryStore *cache.MemoryStore
}

// Close releases every component that holds files or connections.
func (c *Components) Close() {
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.Keyword != nil {
		_ = c.Keyword.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// RunBackground starts the sweepers of in-process state until ctx is done.
func (c *Components) RunBackground(ctx context.Context, cfg *config.Config) {
	if c.Limiter != nil {
		go c.Limiter.Run(ctx, cfg.RateLimit.SweepInterval)
	}
	if c.memoryStore != nil {
		go c.memoryStore.Run(ctx, cfg.Cache.MemoryMaxTTL)
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{Metrics: metrics.New(metrics.WithRuntimeCollectors())}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	c.Embedder, err = embedding.New(embedding.Options{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		ModelPath:  cfg.Embedding.ModelPath,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
		MaxTokens:  cfg.Embedding.MaxTokens,
		CacheSize:  cfg.Embedding.CacheSize,
		Timeout:    cfg.Embedding.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	c.Keyword, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	store, err := newCacheStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if ms, ok := store.(*cache.MemoryStore); ok {
		c.memoryStore = ms
	}
	c.Cache, err = cache.New(store, cache.Config{
		MemoryCapacity: cfg.Cache.MemoryCapacity,
		MemoryMaxTTL:   cfg.Cache.MemoryMaxTTL,
		DefaultTTL:     cfg.Cache.DefaultTTL,
	}, cache.WithLogger(logger), cache.WithMetrics(c.Metrics))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	chunker, err := indexer.NewSemanticChunker(indexer.ChunkerConfig{
		MinSize:             cfg.Chunking.MinSize,
		TargetSize:          cfg.Chunking.TargetSize,
		MaxSize:             cfg.Chunking.MaxSize,
		SimilarityThreshold: cfg.Chunking.SimilarityThreshold,
		PreserveStructures:  cfg.Chunking.PreserveStructuresOrDefault(),
		WindowSize:          cfg.Chunking.WindowSize,
	}, c.Embedder)
	if err != nil {
		return nil, err
	}
	idx := indexer.NewIndexer(c.Storage, c.Embedder, c.Keyword, chunker,
		indexer.WithLogger(logger), indexer.WithCache(c.Cache), indexer.WithMetrics(c.Metrics))

	engine := search.NewEngine(c.Storage, c.Embedder, c.Keyword, search.Config{
		DefaultLimit:       cfg.Search.DefaultLimit,
		MaxLimit:           cfg.Search.MaxLimit,
		HybridVectorWeight: cfg.Search.HybridVectorWeight,
		CandidatePool:      cfg.Search.CandidatePool,
		ProximitySeconds:   cfg.Search.ProximitySeconds,
	}, search.WithLogger(logger), search.WithMetrics(c.Metrics))

	reranker, err := newReranker(cfg.Rerank, logger, c.Metrics)
	if err != nil {
		return nil, err
	}

	orchestrator := agentic.New(engine, agentic.Config{
		MaxIterations:        cfg.Agentic.MaxIterations,
		EnableSelfReflection: cfg.Agentic.EnableSelfReflection,
		EnableReranking:      cfg.Agentic.EnableReranking,
		OverfetchFactor:      cfg.Agentic.OverfetchFactor,
		CoverageTarget:       cfg.Agentic.CoverageTarget,
		MaxLimit:             cfg.Search.MaxLimit,
	}, agentic.WithLogger(logger), agentic.WithReranker(reranker))

	quotas, err := quota.NewManager(c.Storage, cfg.Quota, quota.WithLogger(logger), quota.WithMetrics(c.Metrics))
	if err != nil {
		return nil, err
	}

	c.Limiter, err = ratelimit.New(cfg.RateLimit, ratelimit.WithLogger(logger), ratelimit.WithMetrics(c.Metrics))
	if err != nil {
		return nil, err
	}

	c.Service = pipeline.New(engine, idx, c.Storage, orchestrator, reranker, pipeline.Config{
		DefaultThreshold: cfg.Search.DefaultThreshold,
		AudioWeight:      cfg.Search.AudioWeight,
		VisualWeight:     cfg.Search.VisualWeight,
		CacheTTL:         cfg.Search.CacheTTL,
	},
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(c.Metrics),
		pipeline.WithCache(c.Cache),
		pipeline.WithQuota(quotas),
		pipeline.WithRateLimiter(c.Limiter),
	)
	return c, nil
}

// newCacheStore returns the distributed cache tier, or nil for a memory-only cache.
func newCacheStore(cfg *config.Config, logger *zap.Logger) (cache.Store, error) {
	switch cfg.Cache.Distributed {
	case "badger":
		store, err := cache.NewBadgerStore(cfg.Storage.CachePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		return store, nil
	case "memory":
		return cache.NewMemoryStore(), nil
	case "none":
		return nil, nil
	default:
		return nil, &models.ConfigurationError{
			Component: "cache",
			Message:   fmt.Sprintf("unknown distributed cache %q (supported: badger, memory, none)", cfg.Cache.Distributed),
		}
	}
}

// newReranker builds the reranker. A provider without credentials degrades to an
// unconfigured reranker that keeps the original order.
func newReranker(cfg config.RerankConfig, logger *zap.Logger, m *metrics.Metrics) (*rerank.Reranker, error) {
	var provider rerank.Provider
	switch cfg.Provider {
	case "http":
		p, err := rerank.NewHTTPProvider(rerank.HTTPProviderConfig{
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
		switch {
		case errors.Is(err, rerank.ErrNotConfigured):
			logger.Info("rerank provider not configured; results keep their retrieval order")
		case err != nil:
			return nil, err
		default:
			provider = p
		}
	case "none", "":
	default:
		return nil, &models.ConfigurationError{
			Component: "rerank",
			Message:   fmt.Sprintf("unknown rerank provider %q (supported: http, none)", cfg.Provider),
		}
	}
	return rerank.New(provider, rerank.Config{
		Model:     cfg.Model,
		TopN:      cfg.TopN,
		TimeoutMs: cfg.TimeoutMs,
		UnitCost:  cfg.UnitCost,
	}, rerank.WithLogger(logger), rerank.WithMetrics(m)), nil
}
