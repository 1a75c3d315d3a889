// Package config provides configuration loading and structs for the kensaku server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Search    SearchConfig    `yaml:"search"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Agentic   AgenticConfig   `yaml:"agentic"`
	Cache     CacheConfig     `yaml:"cache"`
	Quota     QuotaConfig     `yaml:"quota"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds paths for the database and indices.
// An empty BleveIndexPath keeps the lexical index in memory.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
	CachePath      string `yaml:"cache_path"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // mock, openai, onnx
	Model      string        `yaml:"model"`
	ModelPath  string        `yaml:"model_path"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions"`
	MaxTokens  int           `yaml:"max_tokens"`
	CacheSize  int           `yaml:"cache_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ChunkingConfig holds semantic chunker settings. Sizes are in bytes.
type ChunkingConfig struct {
	MinSize             int     `yaml:"min_size"`
	TargetSize          int     `yaml:"target_size"`
	MaxSize             int     `yaml:"max_size"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	PreserveStructures  *bool   `yaml:"preserve_structures"`
	WindowSize          int     `yaml:"window_size"`
}

// PreserveStructuresOrDefault returns whether structural blocks stay atomic; defaults to true when unset.
func (c *ChunkingConfig) PreserveStructuresOrDefault() bool {
	if c.PreserveStructures != nil {
		return *c.PreserveStructures
	}
	return true
}

// SearchConfig holds retrieval settings.
type SearchConfig struct {
	DefaultLimit       int           `yaml:"default_limit"`
	MaxLimit           int           `yaml:"max_limit"`
	DefaultThreshold   float64       `yaml:"default_threshold"`
	HybridVectorWeight float64       `yaml:"hybrid_vector_weight"`
	CandidatePool      int           `yaml:"candidate_pool"` // 0 scores every chunk; N > 0 only the newest N
	AudioWeight        float64       `yaml:"audio_weight"`
	VisualWeight       float64       `yaml:"visual_weight"`
	ProximitySeconds   float64       `yaml:"proximity_seconds"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
}

// RerankConfig configures the cross-encoder reranking provider.
type RerankConfig struct {
	Provider          string  `yaml:"provider"` // none, http
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	TopN              int     `yaml:"top_n"`
	TimeoutMs         int     `yaml:"timeout_ms"`
	UnitCost          float64 `yaml:"unit_cost"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AgenticConfig holds defaults for the agentic retrieval loop.
type AgenticConfig struct {
	MaxIterations        int     `yaml:"max_iterations"`
	EnableSelfReflection bool    `yaml:"enable_self_reflection"`
	EnableReranking      bool    `yaml:"enable_reranking"`
	OverfetchFactor      float64 `yaml:"overfetch_factor"`
	CoverageTarget       float64 `yaml:"coverage_target"`
}

// CacheConfig holds multi-layer cache settings.
type CacheConfig struct {
	MemoryCapacity int           `yaml:"memory_capacity"`
	MemoryMaxTTL   time.Duration `yaml:"memory_max_ttl"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	Distributed    string        `yaml:"distributed"` // badger, memory
}

// QuotaConfig maps plans to per-resource limits. A limit of -1 is unlimited.
type QuotaConfig struct {
	DefaultPlan string                      `yaml:"default_plan"`
	Plans       map[string]map[string]int64 `yaml:"plans"`
	Periods     map[string]string           `yaml:"periods"` // resource -> monthly, daily, never
	OrgPlans    map[string]string           `yaml:"org_plans"`
}

// RateLimitRule is a sliding-window allowance.
type RateLimitRule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig holds per-resource rate-limit rules.
type RateLimitConfig struct {
	Enabled       *bool                    `yaml:"enabled"`
	Rules         map[string]RateLimitRule `yaml:"rules"`
	SweepInterval time.Duration            `yaml:"sweep_interval"`
}

// EnabledOrDefault returns whether rate limiting is on; defaults to true when unset.
func (r *RateLimitConfig) EnabledOrDefault() bool {
	if r.Enabled != nil {
		return *r.Enabled
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnv(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.CachePath = expandPath(cfg.Storage.CachePath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	ch := c.Chunking
	if ch.MinSize <= 0 || ch.MinSize > ch.TargetSize || ch.TargetSize > ch.MaxSize {
		return fmt.Errorf("invalid chunking sizes: require 0 < min_size <= target_size <= max_size (got %d, %d, %d)",
			ch.MinSize, ch.TargetSize, ch.MaxSize)
	}
	if w := c.Search.HybridVectorWeight; w < 0 || w > 1 {
		return fmt.Errorf("invalid search.hybrid_vector_weight %.3f: must be in [0,1]", w)
	}
	if s := c.Search.AudioWeight + c.Search.VisualWeight; s < 0.999 || s > 1.001 {
		return fmt.Errorf("invalid search audio/visual weights: must sum to 1 (got %.3f)", s)
	}
	if _, ok := c.Quota.Plans[c.Quota.DefaultPlan]; !ok {
		return fmt.Errorf("quota.default_plan %q is not defined in quota.plans", c.Quota.DefaultPlan)
	}
	for name, rule := range c.RateLimit.Rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return fmt.Errorf("invalid rate_limit rule %q: limit and window must be positive", name)
		}
	}
	return nil
}

// applyEnv fills provider credentials from the environment when the file leaves them empty.
func applyEnv(cfg *Config) {
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = firstEnv("KENSAKU_EMBEDDING_API_KEY", "OPENAI_API_KEY")
	}
	if cfg.Rerank.APIKey == "" {
		cfg.Rerank.APIKey = firstEnv("KENSAKU_RERANK_API_KEY", "COHERE_API_KEY")
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty paths stay empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
