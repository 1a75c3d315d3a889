// Package search provides tenant-scoped vector, hybrid, and multimodal retrieval over stored chunks.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/internal/vector"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// Options scopes and shapes one engine search.
type Options struct {
	OrgID         string
	Limit         int
	Threshold     float64
	Mode          models.SearchMode
	RecordingIDs  []string
	ContentTypes  []string
	TagIDs        []string
	TagFilterMode models.TagFilterMode
	CollectionID  string
	FavoritesOnly bool
	DateFrom      *time.Time
	DateTo        *time.Time
	// Modality restricts candidates to one channel. Set by MultimodalSearch.
	Modality models.Modality
}

// Config holds engine constants.
type Config struct {
	DefaultLimit int
	MaxLimit     int
	// HybridVectorWeight is w in w·vector + (1−w)·lexical.
	HybridVectorWeight float64
	// CandidatePool, when positive, scores only the newest N chunks of a search, trading
	// recall for latency. Zero scores every filtered chunk.
	CandidatePool    int
	ProximitySeconds float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:       10,
		MaxLimit:           100,
		HybridVectorWeight: 0.7,
		ProximitySeconds:   DefaultProximitySeconds,
	}
}

// Engine runs vector and hybrid search over one storage and keyword index.
type Engine struct {
	storage      storage.Storage
	embedder     embedding.Embedder
	keywordIndex keyword.Index
	config       Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = utils.OrNop(l) }
}

// WithMetrics records search latency per mode.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a search engine with the given dependencies. keywordIndex may be nil,
// in which case hybrid searches use a lexical score of zero.
func NewEngine(
	store storage.Storage,
	embedder embedding.Embedder,
	keywordIndex keyword.Index,
	cfg Config,
	opts ...EngineOption,
) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.ProximitySeconds <= 0 {
		cfg.ProximitySeconds = DefaultProximitySeconds
	}
	e := &Engine{
		storage:      store,
		embedder:     embedder,
		keywordIndex: keywordIndex,
		config:       cfg,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) validate(query string, opts *Options) error {
	if query == "" {
		return models.NewValidationError("query", "Query cannot be empty")
	}
	if opts.OrgID == "" {
		return models.NewValidationError("org_id", "org_id is required")
	}
	if opts.Limit == 0 {
		opts.Limit = e.config.DefaultLimit
	}
	if opts.Limit < 1 || opts.Limit > e.config.MaxLimit {
		return models.NewValidationError("limit", "limit must be between 1 and %d", e.config.MaxLimit)
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return models.NewValidationError("threshold", "threshold must be between 0 and 1")
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeVector
	}
	if opts.Mode != models.ModeVector && opts.Mode != models.ModeHybrid {
		return models.NewValidationError("mode", "engine supports vector and hybrid modes, got %q", opts.Mode)
	}
	if opts.Modality != "" && !opts.Modality.Valid() {
		return models.NewValidationError("modality", "unknown modality %q", opts.Modality)
	}
	return nil
}

// Search returns the chunks of opts.OrgID most similar to query, best first.
// Only results with similarity >= opts.Threshold are returned; an empty slice is not an error.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]models.SearchResult, error) {
	start := time.Now()
	if err := e.validate(query, &opts); err != nil {
		return nil, err
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, embeddingError(err)
	}

	var lexical map[string]float64
	if opts.Mode == models.ModeHybrid {
		lexical, err = e.lexicalScores(ctx, query, opts.OrgID)
		if err != nil {
			return nil, err
		}
	}

	filter := opts.filter(e.config.CandidatePool)
	filter.Unordered = true
	top := newTopK(opts.Limit)
	var (
		scanned int
		matched []lexicalCandidate
	)
	err = e.storage.ScanCandidates(ctx, filter, func(c storage.Candidate) error {
		scanned++
		sim := vector.CosineSimilarity(queryVec, c.Chunk.Embedding)
		c.Chunk.Embedding = nil
		if lexical == nil {
			if sim >= opts.Threshold && top.accepts(sim, c.DocumentCreatedAt, c.Chunk.ID) {
				top.push(toResult(c, sim))
			}
			return nil
		}
		if raw := lexical[c.Chunk.ID]; raw > 0 {
			// Normalized once the filtered maximum is known.
			matched = append(matched, lexicalCandidate{cand: c, sim: sim, raw: raw})
			return nil
		}
		score := Fuse(sim, 0, e.config.HybridVectorWeight)
		if score >= opts.Threshold && top.accepts(score, c.DocumentCreatedAt, c.Chunk.ID) {
			top.push(hybridResult(c, score, sim, 0))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("candidate retrieval failed: %w", err)
	}

	if len(matched) > 0 {
		raws := make([]*keyword.Result, len(matched))
		for i, m := range matched {
			raws[i] = &keyword.Result{ID: m.cand.Chunk.ID, Score: m.raw}
		}
		normalized := NormalizeKeywordScores(raws)
		for _, m := range matched {
			lex := normalized[m.cand.Chunk.ID]
			score := Fuse(m.sim, lex, e.config.HybridVectorWeight)
			if score >= opts.Threshold {
				top.push(hybridResult(m.cand, score, m.sim, lex))
			}
		}
	}
	results := top.sorted()

	e.metrics.ObserveSearch(string(opts.Mode), time.Since(start))
	e.logger.Debug("search completed",
		zap.String("org_id", opts.OrgID),
		zap.String("mode", string(opts.Mode)),
		zap.Int("candidates", scanned),
		zap.Int("lexical_matches", len(matched)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", time.Since(start)))
	return results, nil
}

type lexicalCandidate struct {
	cand storage.Candidate
	sim  float64
	raw  float64
}

// lexicalScores returns the raw lexical score of every chunk of orgID matching query.
// Scores are normalized later against the filtered candidates only.
func (e *Engine) lexicalScores(ctx context.Context, query, orgID string) (map[string]float64, error) {
	if e.keywordIndex == nil {
		return map[string]float64{}, nil
	}
	total, err := e.storage.CountChunks(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	if total == 0 {
		return map[string]float64{}, nil
	}
	hits, err := e.keywordIndex.Search(ctx, orgID, query, int(total), nil)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		scores[h.ID] = h.Score
	}
	return scores, nil
}

func hybridResult(c storage.Candidate, score, sim, lex float64) models.SearchResult {
	r := toResult(c, score)
	r.SetMeta("vector_score", sim)
	r.SetMeta("lexical_score", lex)
	return r
}

func toResult(c storage.Candidate, score float64) models.SearchResult {
	r := models.SearchResult{
		ChunkID:     c.Chunk.ID,
		SourceID:    c.Chunk.DocumentID,
		SourceTitle: c.DocumentTitle,
		Text:        c.Chunk.Text,
		Similarity:  score,
		Modality:    c.Chunk.Modality,
		Timestamp:   c.Chunk.Timestamp,
		CreatedAt:   c.DocumentCreatedAt,
	}
	r.SetMeta("chunk_index", c.Chunk.Index)
	r.SetMeta("structure_type", string(c.Chunk.StructureType))
	return r
}

func embeddingError(err error) error {
	var perr *models.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return &models.ProviderError{
		Provider: "embedding",
		Timeout:  errors.Is(err, context.DeadlineExceeded),
		Err:      fmt.Errorf("query embedding failed: %w", err),
	}
}
