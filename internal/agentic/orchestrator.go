// Package agentic runs iterative, decomposed retrieval for complex queries.
package agentic

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/rerank"
	"github.com/hyperjump/kensaku/internal/search"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// HardMaxIterations bounds every run regardless of configuration.
const HardMaxIterations = 10

// Searcher runs one retrieval. *search.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]models.SearchResult, error)
}

var _ Searcher = (*search.Engine)(nil)

// Config holds orchestrator defaults.
type Config struct {
	MaxIterations        int
	EnableSelfReflection bool
	EnableReranking      bool
	// OverfetchFactor multiplies the requested limit for each sub-query search.
	OverfetchFactor float64
	CoverageTarget  float64
	// MaxLimit caps the over-fetched limit. Zero means no cap.
	MaxLimit int
}

// Options shape one run. Nil toggles and zero MaxIterations use Config.
type Options struct {
	Search               search.Options
	MaxIterations        int
	EnableSelfReflection *bool
	EnableReranking      *bool
	Rerank               rerank.Options
}

// Result is the outcome of a run.
type Result struct {
	Results []models.SearchResult
	Summary models.AgenticSummary
	// Rerank is set when reranking was attempted.
	Rerank *models.RerankOutcome
}

type state int

const (
	stateDecomposing state = iota
	stateRetrieving
	stateReflecting
	stateReranking
	stateDone
)

// Orchestrator drives Decomposing → Retrieving → Reflecting → Reranking → Done.
type Orchestrator struct {
	searcher   Searcher
	reranker   *rerank.Reranker
	analyzer   *QueryAnalyzer
	decomposer Decomposer
	reflector  Reflector
	cfg        Config
	logger     *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = utils.OrNop(l) }
}

// WithReranker enables the reranking stage.
func WithReranker(r *rerank.Reranker) Option {
	return func(o *Orchestrator) { o.reranker = r }
}

// WithReflector replaces the term-coverage reflector.
func WithReflector(r Reflector) Option {
	return func(o *Orchestrator) { o.reflector = r }
}

// New creates an orchestrator over searcher.
func New(searcher Searcher, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.OverfetchFactor < 1 {
		cfg.OverfetchFactor = 1.5
	}
	if cfg.CoverageTarget <= 0 || cfg.CoverageTarget > 1 {
		cfg.CoverageTarget = 0.75
	}
	o := &Orchestrator{
		searcher:  searcher,
		analyzer:  NewQueryAnalyzer(),
		reflector: CoverageReflector{Target: cfg.CoverageTarget},
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the mutable state of one Run call.
type run struct {
	query         string
	analyzed      *AnalyzedQuery
	limit         int
	fetchLimit    int
	maxIterations int
	pending       []string
	reasons       []string
	asked         []string
	merged        map[string]models.SearchResult
	citations     map[string][]string
	iterations    []models.RetrievalIteration
	final         []models.SearchResult
	rerank        *models.RerankOutcome
}

// Run answers query by decomposing it, retrieving each sub-query concurrently, optionally
// reflecting and refining, and optionally reranking the union. Retrieval failures are
// returned; reflection failures end the loop with what was accumulated.
func (o *Orchestrator) Run(ctx context.Context, query string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewValidationError("query", "Query cannot be empty")
	}
	if opts.MaxIterations < 0 {
		return nil, models.NewValidationError("max_iterations", "max_iterations must not be negative")
	}
	limit := opts.Search.Limit
	if limit <= 0 {
		return nil, models.NewValidationError("limit", "limit must be positive")
	}

	r := &run{
		query:         query,
		limit:         limit,
		fetchLimit:    o.fetchLimit(limit),
		maxIterations: o.maxIterations(opts.MaxIterations),
		merged:        make(map[string]models.SearchResult),
		citations:     make(map[string][]string),
	}
	reflectOn := o.cfg.EnableSelfReflection
	if opts.EnableSelfReflection != nil {
		reflectOn = *opts.EnableSelfReflection
	}
	rerankOn := o.cfg.EnableReranking
	if opts.EnableReranking != nil {
		rerankOn = *opts.EnableReranking
	}

	st := stateDecomposing
	for st != stateDone {
		switch st {
		case stateDecomposing:
			r.analyzed = o.analyzer.Analyze(query)
			r.pending = o.decomposer.Decompose(r.analyzed, r.maxIterations)
			r.reasons = make([]string, len(r.pending))
			for i := range r.pending {
				if i == 0 {
					r.reasons[i] = fmt.Sprintf("original query (%s, %s)", r.analyzed.Intent, r.analyzed.Complexity)
				} else {
					r.reasons[i] = "decomposed sub-query"
				}
			}
			st = stateRetrieving

		case stateRetrieving:
			if err := o.retrieve(ctx, r, opts.Search); err != nil {
				return nil, err
			}
			st = stateReranking
			if reflectOn && len(r.iterations) < r.maxIterations {
				st = stateReflecting
			}

		case stateReflecting:
			st = stateReranking
			reflection, err := o.reflector.Reflect(ctx, r.analyzed, r.sorted(), r.asked)
			if err != nil {
				o.logger.Warn("reflection failed, finishing with accumulated results",
					zap.String("query", utils.Truncate(query, 80)),
					zap.Int("iterations", len(r.iterations)),
					zap.Error(err))
				break
			}
			if reflection.Sufficient || reflection.RefinedQuery == "" {
				o.logger.Debug("reflection stop", zap.String("reasoning", reflection.Reasoning))
				break
			}
			r.pending = []string{reflection.RefinedQuery}
			r.reasons = []string{reflection.Reasoning}
			st = stateRetrieving

		case stateReranking:
			if err := o.finish(ctx, r, rerankOn, opts.Rerank); err != nil {
				return nil, err
			}
			st = stateDone
		}
	}

	return &Result{
		Results: r.final,
		Rerank:  r.rerank,
		Summary: models.AgenticSummary{
			Intent:     string(r.analyzed.Intent),
			Complexity: string(r.analyzed.Complexity),
			Iterations: r.iterations,
			Citations:  r.finalCitations(),
			Confidence: confidence(r.analyzed.Terms, r.final),
		},
	}, nil
}

func (o *Orchestrator) maxIterations(requested int) int {
	n := o.cfg.MaxIterations
	if requested > 0 {
		n = requested
	}
	if n > HardMaxIterations {
		n = HardMaxIterations
	}
	return n
}

func (o *Orchestrator) fetchLimit(limit int) int {
	n := int(math.Ceil(float64(limit) * o.cfg.OverfetchFactor))
	if o.cfg.MaxLimit > 0 && n > o.cfg.MaxLimit {
		n = o.cfg.MaxLimit
	}
	return n
}

// retrieve runs every pending sub-query that fits the iteration budget concurrently and
// merges the results in sub-query order.
func (o *Orchestrator) retrieve(ctx context.Context, r *run, base search.Options) error {
	budget := r.maxIterations - len(r.iterations)
	if len(r.pending) > budget {
		r.pending = r.pending[:budget]
	}
	fetched := make([][]models.SearchResult, len(r.pending))

	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range r.pending {
		g.Go(func() error {
			opts := base
			opts.Limit = r.fetchLimit
			res, err := o.searcher.Search(gctx, sq, opts)
			if err != nil {
				return fmt.Errorf("sub-query %q: %w", utils.Truncate(sq, 80), err)
			}
			fetched[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, sq := range r.pending {
		for _, res := range fetched[i] {
			if prev, ok := r.merged[res.ChunkID]; !ok || res.Similarity > prev.Similarity {
				r.merged[res.ChunkID] = res
			}
			if !contains(r.citations[res.ChunkID], sq) {
				r.citations[res.ChunkID] = append(r.citations[res.ChunkID], sq)
			}
		}
		r.asked = append(r.asked, sq)
		r.iterations = append(r.iterations, models.RetrievalIteration{
			Number:               len(r.iterations) + 1,
			SubQuery:             sq,
			ResultsFetched:       len(fetched[i]),
			Reasoning:            r.reasons[i],
			CumulativeConfidence: confidence(r.analyzed.Terms, r.top()),
		})
	}
	o.logger.Debug("agentic retrieval round",
		zap.Int("sub_queries", len(r.pending)),
		zap.Int("accumulated", len(r.merged)),
		zap.Int("iterations", len(r.iterations)))
	r.pending, r.reasons = nil, nil
	return nil
}

// finish reranks the union when enabled and keeps the top limit results.
func (o *Orchestrator) finish(ctx context.Context, r *run, rerankOn bool, ro rerank.Options) error {
	union := r.sorted()
	if rerankOn && o.reranker != nil && len(union) > 0 {
		ro.TopN = r.limit
		outcome, err := o.reranker.Rerank(ctx, r.query, union, ro)
		if err != nil {
			return err
		}
		r.rerank = outcome
		r.final = outcome.Results
		return nil
	}
	r.final = r.top()
	return nil
}

func (r *run) sorted() []models.SearchResult {
	out := make([]models.SearchResult, 0, len(r.merged))
	for _, res := range r.merged {
		out = append(out, res)
	}
	search.SortResults(out)
	return out
}

func (r *run) top() []models.SearchResult {
	out := r.sorted()
	if len(out) > r.limit {
		out = out[:r.limit]
	}
	return out
}

func (r *run) finalCitations() map[string][]string {
	out := make(map[string][]string, len(r.final))
	for _, res := range r.final {
		out[res.ChunkID] = r.citations[res.ChunkID]
	}
	return out
}

// confidence is the mean similarity of results scaled by query-term coverage.
func confidence(terms []string, results []models.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	for _, res := range results {
		sum += res.Similarity
	}
	coverage, _ := termCoverage(terms, results)
	return sum / float64(len(results)) * coverage
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
