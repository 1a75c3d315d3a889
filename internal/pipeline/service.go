// Package pipeline is the entry point of search and ingestion. It gates requests with the
// rate limiter and quota manager, consults the result cache, and dispatches by mode.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/agentic"
	"github.com/hyperjump/kensaku/internal/cache"
	"github.com/hyperjump/kensaku/internal/indexer"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/quota"
	"github.com/hyperjump/kensaku/internal/ratelimit"
	"github.com/hyperjump/kensaku/internal/rerank"
	"github.com/hyperjump/kensaku/internal/search"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// Actor identifies who issues a request.
type Actor struct {
	OrgID  string
	UserID string
	IP     string
}

// Key is the rate-limit identity: the user, else the organization, else the client IP.
func (a Actor) Key() string {
	switch {
	case a.UserID != "":
		return "user:" + a.UserID
	case a.OrgID != "":
		return "org:" + a.OrgID
	default:
		return "ip:" + a.IP
	}
}

// Config holds request defaults.
type Config struct {
	DefaultThreshold float64
	AudioWeight      float64
	VisualWeight     float64
	// CacheTTL of search responses. Zero uses the cache default.
	CacheTTL time.Duration
}

// Service wires the retrieval components together.
type Service struct {
	engine       *search.Engine
	indexer      *indexer.Indexer
	storage      storage.Storage
	orchestrator *agentic.Orchestrator
	reranker     *rerank.Reranker
	cache        *cache.Cache
	quota        *quota.Manager
	limiter      *ratelimit.Limiter
	cfg          Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = utils.OrNop(l) }
}

// WithMetrics records search latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCache enables response caching.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithQuota enables plan quotas.
func WithQuota(q *quota.Manager) Option {
	return func(s *Service) { s.quota = q }
}

// WithRateLimiter enables request throttling.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// New creates a service. A nil reranker behaves as an unconfigured provider.
func New(
	engine *search.Engine,
	idx *indexer.Indexer,
	store storage.Storage,
	orchestrator *agentic.Orchestrator,
	reranker *rerank.Reranker,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.AudioWeight == 0 && cfg.VisualWeight == 0 {
		cfg.AudioWeight, cfg.VisualWeight = 0.5, 0.5
	}
	if reranker == nil {
		reranker = rerank.New(nil, rerank.Config{})
	}
	s := &Service{
		engine:       engine,
		indexer:      idx,
		storage:      store,
		orchestrator: orchestrator,
		reranker:     reranker,
		cfg:          cfg,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search validates, gates, and runs req for actor. Quota consumed for a request that
// subsequently fails is released before returning.
func (s *Service) Search(ctx context.Context, actor Actor, req *models.SearchRequest) (resp *models.SearchResponse, err error) {
	start := time.Now()
	if err := s.validateSearch(actor, req); err != nil {
		return nil, err
	}

	if err := s.checkRate(ctx, actor, ratelimit.ResourceSearch); err != nil {
		return nil, err
	}
	release, err := s.consume(ctx, actor.OrgID, models.ResourceSearch, 1)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	compute := func(ctx context.Context) (*models.SearchResponse, error) {
		return s.execute(ctx, actor.OrgID, req)
	}
	layer := cache.LayerCompute
	if s.cache != nil {
		resp, layer, err = cache.Get(ctx, s.cache, requestKey(req), compute, cache.Options{
			OrgID:     actor.OrgID,
			Namespace: cache.NamespaceSearch,
			TTL:       s.cfg.CacheTTL,
		})
	} else {
		resp, err = compute(ctx)
	}
	if err != nil {
		s.logger.Debug("search failed",
			zap.String("org_id", actor.OrgID),
			zap.String("mode", string(req.Mode)),
			zap.Error(err))
		return nil, err
	}

	if layer != cache.LayerCompute {
		resp.Cached = true
		resp.CacheLayer = string(layer)
		resp.Timings.SearchMs, resp.Timings.RerankMs = 0, 0
	}
	resp.Timings.TotalMs = time.Since(start).Milliseconds()
	s.metrics.ObserveSearch(string(req.Mode), time.Since(start))
	return resp, nil
}

// validateSearch rejects malformed requests before any gate or provider is touched.
func (s *Service) validateSearch(actor Actor, req *models.SearchRequest) error {
	if strings.TrimSpace(actor.OrgID) == "" {
		return models.NewValidationError("org_id", "organization is required")
	}
	if req == nil {
		return models.NewValidationError("query", "Query cannot be empty")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Limit == 0 {
		req.Limit = s.engine.Config().DefaultLimit
	}
	if req.Mode == models.ModeMultimodal {
		aw, vw := s.weights(req)
		if err := search.ValidateWeights(aw, vw); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) weights(req *models.SearchRequest) (float64, float64) {
	aw, vw := s.cfg.AudioWeight, s.cfg.VisualWeight
	switch {
	case req.AudioWeight != nil && req.VisualWeight != nil:
		aw, vw = *req.AudioWeight, *req.VisualWeight
	case req.AudioWeight != nil:
		aw, vw = *req.AudioWeight, 1-*req.AudioWeight
	case req.VisualWeight != nil:
		aw, vw = 1-*req.VisualWeight, *req.VisualWeight
	}
	return aw, vw
}

// execute dispatches req by mode and applies the optional rerank step.
func (s *Service) execute(ctx context.Context, orgID string, req *models.SearchRequest) (*models.SearchResponse, error) {
	opts := search.OptionsFromRequest(req, orgID, s.cfg.DefaultThreshold)
	resp := &models.SearchResponse{Query: req.Query, Mode: req.Mode}

	searchStart := time.Now()
	var results []models.SearchResult
	switch req.Mode {
	case models.ModeVector, models.ModeHybrid:
		res, err := s.engine.Search(ctx, req.Query, opts)
		if err != nil {
			return nil, err
		}
		results = res

	case models.ModeMultimodal:
		aw, vw := s.weights(req)
		mm, err := s.engine.MultimodalSearch(ctx, req.Query, opts, aw, vw)
		if err != nil {
			return nil, err
		}
		results = mm.Results
		stats := mm.Stats
		resp.Multimodal = &stats

	case models.ModeAgentic:
		ao := agentic.Options{
			Search:               opts,
			MaxIterations:        req.MaxIterations,
			EnableSelfReflection: req.EnableSelfReflection,
		}
		if req.Rerank {
			on := true
			ao.EnableReranking = &on
			ao.Rerank = rerank.Options{TopN: req.RerankTopN}
		}
		out, err := s.orchestrator.Run(ctx, req.Query, ao)
		if err != nil {
			return nil, err
		}
		results = out.Results
		summary := out.Summary
		resp.Agentic = &summary
		if out.Rerank != nil {
			resp.Reranked = out.Rerank.Reranked
			resp.Rerank = out.Rerank.Metadata()
			resp.Timings.RerankMs = out.Rerank.ElapsedMs
		}

	default:
		return nil, models.NewValidationError("mode", "unknown search mode %q", req.Mode)
	}
	resp.Timings.SearchMs = time.Since(searchStart).Milliseconds() - resp.Timings.RerankMs

	if req.Rerank && req.Mode != models.ModeAgentic {
		outcome, err := s.reranker.Rerank(ctx, req.Query, results, rerank.Options{TopN: req.RerankTopN})
		if err != nil {
			return nil, err
		}
		results = outcome.Results
		resp.Reranked = outcome.Reranked
		resp.Rerank = outcome.Metadata()
		resp.Timings.RerankMs = outcome.ElapsedMs
	}

	if results == nil {
		results = []models.SearchResult{}
	}
	resp.Results = results
	resp.Count = len(results)
	return resp, nil
}

// requestKey hashes the normalized request so equivalent requests share a cache entry.
func requestKey(req *models.SearchRequest) string {
	data, _ := json.Marshal(req)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checkRate returns a RateLimitError when actor is over the limit for resource.
func (s *Service) checkRate(ctx context.Context, actor Actor, resource string) error {
	if s.limiter == nil {
		return nil
	}
	res, err := s.limiter.CheckLimit(ctx, resource, actor.Key())
	if err != nil {
		return err
	}
	if !res.Success {
		return ratelimit.ExceededError(resource, res)
	}
	return nil
}

// consume takes amount of resource and returns the compensating release.
func (s *Service) consume(ctx context.Context, orgID string, resource models.Resource, amount int64) (func(), error) {
	noop := func() {}
	if s.quota == nil {
		return noop, nil
	}
	res, err := s.quota.CheckAndConsume(ctx, orgID, resource, amount)
	if err != nil {
		return noop, err
	}
	if !res.Allowed {
		return noop, quota.ExceededError(resource, res)
	}
	return func() {
		// Release even when the request context was cancelled.
		rctx := context.WithoutCancel(ctx)
		if err := s.quota.Release(rctx, orgID, resource, amount); err != nil {
			s.logger.Error("quota release failed",
				zap.String("org_id", orgID),
				zap.String("resource", string(resource)),
				zap.Int64("amount", amount),
				zap.Error(err))
		}
	}, nil
}

// Ingest indexes input for actor under the recording and storage quotas.
func (s *Service) Ingest(ctx context.Context, actor Actor, input *models.DocumentInput) (doc *models.Document, err error) {
	if strings.TrimSpace(actor.OrgID) == "" {
		return nil, models.NewValidationError("org_id", "organization is required")
	}
	if input == nil {
		return nil, models.NewValidationError("content", "document is required")
	}
	if input.OrgID != "" && input.OrgID != actor.OrgID {
		return nil, models.NewValidationError("org_id", "document organization does not match the caller")
	}
	input.OrgID = actor.OrgID

	if err := s.checkRate(ctx, actor, ratelimit.ResourceUpload); err != nil {
		return nil, err
	}
	releaseRecording, err := s.consume(ctx, actor.OrgID, models.ResourceRecording, 1)
	if err != nil {
		return nil, err
	}
	releaseStorage, err := s.consume(ctx, actor.OrgID, models.ResourceStorage, input.ContentSize())
	if err != nil {
		releaseRecording()
		return nil, err
	}
	defer func() {
		if err != nil {
			releaseStorage()
			releaseRecording()
		}
	}()

	return s.indexer.IndexDocument(ctx, input)
}

// Delete removes a document of actor's organization and returns its storage quota.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	if strings.TrimSpace(actor.OrgID) == "" {
		return models.NewValidationError("org_id", "organization is required")
	}
	doc, err := s.storage.GetDocument(ctx, actor.OrgID, id)
	if err != nil {
		return err
	}
	if err := s.indexer.DeleteDocument(ctx, actor.OrgID, id); err != nil {
		return err
	}
	if s.quota != nil && doc.ContentBytes > 0 {
		if err := s.quota.Release(ctx, actor.OrgID, models.ResourceStorage, doc.ContentBytes); err != nil {
			s.logger.Warn("storage quota release failed", zap.String("document_id", id), zap.Error(err))
		}
	}
	return nil
}

// Document returns one document of actor's organization.
func (s *Service) Document(ctx context.Context, actor Actor, id string) (*models.Document, error) {
	if strings.TrimSpace(actor.OrgID) == "" {
		return nil, models.NewValidationError("org_id", "organization is required")
	}
	return s.storage.GetDocument(ctx, actor.OrgID, id)
}

// Usage reports actor's quota counter for resource.
func (s *Service) Usage(ctx context.Context, actor Actor, resource models.Resource) (*models.QuotaCounter, error) {
	if s.quota == nil {
		return nil, &models.ConfigurationError{Component: "quota", Message: "quota is not enabled"}
	}
	return s.quota.Usage(ctx, actor.OrgID, resource)
}

// InvalidateCache removes actor's cache entries in namespace matching pattern.
func (s *Service) InvalidateCache(ctx context.Context, actor Actor, namespace, pattern string) (int, error) {
	if strings.TrimSpace(actor.OrgID) == "" {
		return 0, models.NewValidationError("org_id", "organization is required")
	}
	if s.cache == nil {
		return 0, nil
	}
	if namespace == "" {
		namespace = cache.NamespaceSearch
	}
	if pattern == "" {
		pattern = "*"
	}
	return s.cache.Invalidate(ctx, pattern, cache.Options{OrgID: actor.OrgID, Namespace: namespace})
}

// PreviewChunks chunks text without storing it.
func (s *Service) PreviewChunks(ctx context.Context, text string) ([]models.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return []models.Chunk{}, nil
	}
	chunks, err := s.indexer.Chunker().Chunk(ctx, "preview", text)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk text: %w", err)
	}
	return chunks, nil
}

// Stats reports document and chunk counts for actor's organization.
func (s *Service) Stats(ctx context.Context, actor Actor) (documents, chunks int64, err error) {
	if strings.TrimSpace(actor.OrgID) == "" {
		return 0, 0, models.NewValidationError("org_id", "organization is required")
	}
	if documents, err = s.storage.CountDocuments(ctx, actor.OrgID); err != nil {
		return 0, 0, err
	}
	if chunks, err = s.storage.CountChunks(ctx, actor.OrgID); err != nil {
		return 0, 0, err
	}
	return documents, chunks, nil
}
