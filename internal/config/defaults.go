package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/kensaku/data/db/kensaku.db"
	}
	if cfg.Storage.CachePath == "" {
		cfg.Storage.CachePath = "/usr/local/var/kensaku/data/cache"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "mock"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/kensaku/data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}

	if cfg.Chunking.MinSize == 0 {
		cfg.Chunking.MinSize = 200
	}
	if cfg.Chunking.TargetSize == 0 {
		cfg.Chunking.TargetSize = 800
	}
	if cfg.Chunking.MaxSize == 0 {
		cfg.Chunking.MaxSize = 1500
	}
	if cfg.Chunking.SimilarityThreshold == 0 {
		cfg.Chunking.SimilarityThreshold = 0.5
	}
	if cfg.Chunking.WindowSize == 0 {
		cfg.Chunking.WindowSize = 2
	}

	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.DefaultThreshold == 0 {
		cfg.Search.DefaultThreshold = 0.7
	}
	if cfg.Search.HybridVectorWeight == 0 {
		cfg.Search.HybridVectorWeight = 0.7
	}
	if cfg.Search.AudioWeight == 0 && cfg.Search.VisualWeight == 0 {
		cfg.Search.AudioWeight = 0.7
		cfg.Search.VisualWeight = 0.3
	}
	if cfg.Search.ProximitySeconds == 0 {
		cfg.Search.ProximitySeconds = 5
	}
	if cfg.Search.CacheTTL == 0 {
		cfg.Search.CacheTTL = 5 * time.Minute
	}

	if cfg.Rerank.Provider == "" {
		cfg.Rerank.Provider = "http"
	}
	if cfg.Rerank.BaseURL == "" {
		cfg.Rerank.BaseURL = "https://api.cohere.com/v1"
	}
	if cfg.Rerank.Model == "" {
		cfg.Rerank.Model = "rerank-english-v3.0"
	}
	if cfg.Rerank.TopN == 0 {
		cfg.Rerank.TopN = 10
	}
	if cfg.Rerank.TimeoutMs == 0 {
		cfg.Rerank.TimeoutMs = 2000
	}
	if cfg.Rerank.UnitCost == 0 {
		cfg.Rerank.UnitCost = 0.001
	}
	if cfg.Rerank.RequestsPerSecond == 0 {
		cfg.Rerank.RequestsPerSecond = 10
	}
	if cfg.Rerank.Burst == 0 {
		cfg.Rerank.Burst = 5
	}

	if cfg.Agentic.MaxIterations == 0 {
		cfg.Agentic.MaxIterations = 3
	}
	if cfg.Agentic.OverfetchFactor == 0 {
		cfg.Agentic.OverfetchFactor = 1.5
	}
	if cfg.Agentic.CoverageTarget == 0 {
		cfg.Agentic.CoverageTarget = 0.75
	}

	if cfg.Cache.MemoryCapacity == 0 {
		cfg.Cache.MemoryCapacity = 1000
	}
	if cfg.Cache.MemoryMaxTTL == 0 {
		cfg.Cache.MemoryMaxTTL = 5 * time.Minute
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = time.Hour
	}
	if cfg.Cache.Distributed == "" {
		cfg.Cache.Distributed = "badger"
	}

	if cfg.Quota.DefaultPlan == "" {
		cfg.Quota.DefaultPlan = "free"
	}
	if cfg.Quota.Plans == nil {
		cfg.Quota.Plans = DefaultPlans()
	}
	if cfg.Quota.Periods == nil {
		cfg.Quota.Periods = map[string]string{
			"search":    "monthly",
			"recording": "monthly",
			"api_call":  "monthly",
			"storage":   "never",
		}
	}

	if cfg.RateLimit.Rules == nil {
		cfg.RateLimit.Rules = DefaultRateLimitRules()
	}
	if cfg.RateLimit.SweepInterval == 0 {
		cfg.RateLimit.SweepInterval = time.Minute
	}
}

// DefaultPlans returns the built-in plan table.
func DefaultPlans() map[string]map[string]int64 {
	const gb = 1 << 30
	return map[string]map[string]int64{
		"free": {
			"search":    100,
			"recording": 25,
			"api_call":  1000,
			"storage":   1 * gb,
		},
		"pro": {
			"search":    5000,
			"recording": 500,
			"api_call":  50000,
			"storage":   50 * gb,
		},
		"enterprise": {
			"search":    -1,
			"recording": -1,
			"api_call":  -1,
			"storage":   -1,
		},
	}
}

// DefaultRateLimitRules returns the built-in per-resource throttles.
func DefaultRateLimitRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"search": {Limit: 60, Window: time.Minute},
		"upload": {Limit: 10, Window: time.Minute},
		"api":    {Limit: 300, Window: time.Minute},
	}
}
