package rerank

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/pkg/utils"
)

const (
	MinTimeoutMs = 100
	MaxTimeoutMs = 5000

	DefaultTopN      = 10
	DefaultTimeoutMs = 2000
	DefaultUnitCost  = 0.001
)

// Fallback reasons reported in RerankOutcome.FallbackReason.
const (
	FallbackNotConfigured   = "not_configured"
	FallbackTimeout         = "timeout"
	FallbackProviderError   = "provider_error"
	FallbackInvalidResponse = "invalid_response"
)

// Config holds reranker defaults.
type Config struct {
	Model     string
	TopN      int
	TimeoutMs int
	// UnitCost is the estimated price of one document sent to the provider.
	UnitCost float64
}

// Options overrides Config for one call. Zero values use the defaults.
type Options struct {
	TopN      int
	TimeoutMs int
	Model     string
}

// Reranker reorders results with a Provider, degrading to the original order on failure.
type Reranker struct {
	provider Provider
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Reranker.
type Option func(*Reranker)

// WithLogger sets the logger used for fallbacks.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reranker) { r.logger = utils.OrNop(l) }
}

// WithMetrics records call outcomes and cost.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reranker) { r.metrics = m }
}

// New creates a reranker. A nil provider means reranking is not configured and
// every call returns the input order.
func New(provider Provider, cfg Config, opts ...Option) *Reranker {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.UnitCost <= 0 {
		cfg.UnitCost = DefaultUnitCost
	}
	r := &Reranker{provider: provider, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configured reports whether a provider is available.
func (r *Reranker) Configured() bool {
	return r.provider != nil
}

// Rerank reorders results by provider relevance and keeps the best TopN.
//
// With at most one result the input is returned unchanged without a call. Without a
// provider, or when the call fails or times out, the first TopN results are returned in
// their original order; that is logged and never returned as an error. Every attempted
// call is costed at len(results) × UnitCost.
func (r *Reranker) Rerank(ctx context.Context, query string, results []models.SearchResult, opts Options) (*models.RerankOutcome, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewValidationError("query", "Query cannot be empty")
	}
	if opts.TopN < 0 {
		return nil, models.NewValidationError("top_n", "top_n must not be negative")
	}
	if opts.TimeoutMs != 0 && (opts.TimeoutMs < MinTimeoutMs || opts.TimeoutMs > MaxTimeoutMs) {
		return nil, models.NewValidationError("timeout_ms", "timeout_ms must be between %d and %d", MinTimeoutMs, MaxTimeoutMs)
	}
	topN := opts.TopN
	if topN == 0 {
		topN = r.cfg.TopN
	}
	if topN > len(results) {
		topN = len(results)
	}
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = time.Duration(r.cfg.TimeoutMs) * time.Millisecond
	}
	model := opts.Model
	if model == "" {
		model = r.cfg.Model
	}

	outcome := &models.RerankOutcome{OriginalCount: len(results)}

	if len(results) <= 1 {
		outcome.Results = results
		outcome.RerankedCount = len(results)
		r.metrics.RerankCall("skipped", 0)
		return outcome, nil
	}
	if r.provider == nil {
		outcome.Results = results[:topN]
		outcome.RerankedCount = topN
		outcome.FallbackReason = FallbackNotConfigured
		r.metrics.RerankCall(FallbackNotConfigured, 0)
		return outcome, nil
	}

	documents := make([]string, len(results))
	for i, res := range results {
		documents[i] = res.Text
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	rankings, err := r.provider.Rerank(callCtx, query, documents, topN, model)
	outcome.ElapsedMs = time.Since(start).Milliseconds()
	outcome.CostEstimate = float64(len(documents)) * r.cfg.UnitCost

	if err == nil {
		var reordered []models.SearchResult
		reordered, err = apply(results, rankings, topN)
		if err == nil {
			outcome.Results = reordered
			outcome.RerankedCount = len(reordered)
			outcome.Reranked = true
			r.metrics.RerankCall("success", outcome.CostEstimate)
			return outcome, nil
		}
		outcome.FallbackReason = FallbackInvalidResponse
	} else if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		outcome.FallbackReason = FallbackTimeout
	} else {
		outcome.FallbackReason = FallbackProviderError
	}

	r.logger.Warn("rerank failed, keeping original order",
		zap.String("reason", outcome.FallbackReason),
		zap.Int("documents", len(documents)),
		zap.Duration("timeout", timeout),
		zap.Error(err))
	outcome.Results = results[:topN]
	outcome.RerankedCount = topN
	r.metrics.RerankCall(outcome.FallbackReason, outcome.CostEstimate)
	return outcome, nil
}

// apply reorders results by rankings, replacing Similarity with the relevance score and
// keeping the previous value as original_similarity.
func apply(results []models.SearchResult, rankings []Ranking, topN int) ([]models.SearchResult, error) {
	if len(rankings) == 0 {
		return nil, fmt.Errorf("provider returned no rankings")
	}
	sorted := append([]Ranking(nil), rankings...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	seen := make(map[int]bool, len(sorted))
	out := make([]models.SearchResult, 0, topN)
	for _, rk := range sorted {
		if rk.Index < 0 || rk.Index >= len(results) {
			return nil, fmt.Errorf("provider returned index %d for %d documents", rk.Index, len(results))
		}
		if seen[rk.Index] {
			continue
		}
		seen[rk.Index] = true
		res := results[rk.Index].Clone()
		res.SetMeta("original_similarity", res.Similarity)
		res.Similarity = rk.Score
		out = append(out, res)
		if len(out) == topN {
			break
		}
	}
	return out, nil
}
