package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kensaku/internal/agentic"
	"github.com/hyperjump/kensaku/internal/cache"
	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/indexer"
	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/quota"
	"github.com/hyperjump/kensaku/internal/ratelimit"
	"github.com/hyperjump/kensaku/internal/rerank"
	"github.com/hyperjump/kensaku/internal/search"
	"github.com/hyperjump/kensaku/internal/storage"
)

type envOptions struct {
	plan           map[string]int64
	searchRate     int
	engineEmbedder embedding.Embedder
	provider       rerank.Provider
}

type testEnv struct {
	svc   *Service
	quota *quota.Manager
	cache *cache.Cache
}

func newEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })

	emb := embedding.NewMockEmbedder(256)
	chunker, err := indexer.NewSemanticChunker(indexer.DefaultChunkerConfig(), emb)
	require.NoError(t, err)
	c, err := cache.New(cache.NewMemoryStore(), cache.Config{})
	require.NoError(t, err)
	idx := indexer.NewIndexer(store, emb, kw, chunker, indexer.WithCache(c))

	engineEmb := o.engineEmbedder
	if engineEmb == nil {
		engineEmb = emb
	}
	engine := search.NewEngine(store, engineEmb, kw, search.DefaultConfig())
	reranker := rerank.New(o.provider, rerank.Config{})
	orch := agentic.New(engine, agentic.Config{MaxIterations: 3, MaxLimit: 100}, agentic.WithReranker(reranker))

	plan := o.plan
	if plan == nil {
		plan = map[string]int64{"search": 100, "recording": 10, "storage": 1 << 20, "api_call": -1}
	}
	qm, err := quota.NewManager(store, config.QuotaConfig{
		DefaultPlan: "test",
		Plans:       map[string]map[string]int64{"test": plan},
		Periods:     map[string]string{"storage": "never"},
	})
	require.NoError(t, err)

	rate := o.searchRate
	if rate == 0 {
		rate = 1000
	}
	rl, err := ratelimit.New(config.RateLimitConfig{Rules: map[string]config.RateLimitRule{
		ratelimit.ResourceSearch: {Limit: rate, Window: time.Minute},
		ratelimit.ResourceUpload: {Limit: 1000, Window: time.Minute},
	}})
	require.NoError(t, err)

	svc := New(engine, idx, store, orch, reranker, Config{DefaultThreshold: 0.1},
		WithCache(c), WithQuota(qm), WithRateLimiter(rl))
	return &testEnv{svc: svc, quota: qm, cache: c}
}

var orgA = Actor{OrgID: "org-a", UserID: "u1"}

func (e *testEnv) ingest(t *testing.T, actor Actor, title, content string) *models.Document {
	t.Helper()
	doc, err := e.svc.Ingest(context.Background(), actor, &models.DocumentInput{Title: title, Content: content})
	require.NoError(t, err)
	return doc
}

func (e *testEnv) used(t *testing.T, org string, r models.Resource) int64 {
	t.Helper()
	c, err := e.quota.Usage(context.Background(), org, r)
	require.NoError(t, err)
	return c.Used
}

func TestService_SearchCachesAndInvalidates(t *testing.T) {
	env := newEnv(t, envOptions{})
	ctx := context.Background()
	env.ingest(t, orgA, "Finance", "The quarterly revenue forecast grew in the third quarter.")
	env.ingest(t, Actor{OrgID: "org-b"}, "Finance", "The quarterly revenue forecast for org b.")

	resp, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "quarterly revenue forecast"})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Contains(t, resp.Results[0].Text, "third quarter")
	assert.False(t, resp.Cached)
	assert.Equal(t, models.ModeVector, resp.Mode)

	resp, err = env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "  quarterly revenue forecast "})
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, string(cache.LayerMemory), resp.CacheLayer)
	assert.Equal(t, 1, resp.Count)

	env.ingest(t, orgA, "Plan", "Revenue forecast revisions for the quarterly board meeting.")
	resp, err = env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "quarterly revenue forecast"})
	require.NoError(t, err)
	assert.False(t, resp.Cached, "ingestion invalidates the org's search cache")
	assert.Equal(t, 2, resp.Count)

	assert.Equal(t, int64(3), env.used(t, "org-a", models.ResourceSearch))
}

func TestService_ValidationConsumesNothing(t *testing.T) {
	env := newEnv(t, envOptions{})
	ctx := context.Background()

	cases := []*models.SearchRequest{
		{Query: "   "},
		{Query: "q", Mode: "semantic"},
		{Query: "q", Limit: 101},
		{Query: "q", Mode: models.ModeMultimodal, AudioWeight: f(0.9), VisualWeight: f(0.3)},
		nil,
	}
	for _, req := range cases {
		_, err := env.svc.Search(ctx, orgA, req)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	}
	_, err := env.svc.Search(ctx, Actor{}, &models.SearchRequest{Query: "q"})
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	assert.Zero(t, env.used(t, "org-a", models.ResourceSearch))
}

func f(v float64) *float64 { return &v }

func TestService_QuotaExceeded(t *testing.T) {
	env := newEnv(t, envOptions{plan: map[string]int64{"search": 2, "recording": 10, "storage": 1 << 20}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "anything"})
		require.NoError(t, err)
	}
	_, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "anything"})
	var qe *models.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(2), qe.Limit)
	assert.Zero(t, qe.Remaining)
	assert.False(t, qe.ResetAt.IsZero())
}

type brokenEmbedder struct{ embedding.Embedder }

func (brokenEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}

func TestService_FailureReleasesQuota(t *testing.T) {
	env := newEnv(t, envOptions{engineEmbedder: brokenEmbedder{embedding.NewMockEmbedder(256)}})

	_, err := env.svc.Search(context.Background(), orgA, &models.SearchRequest{Query: "anything"})
	assert.Equal(t, models.KindProviderError, models.KindOf(err))
	assert.Zero(t, env.used(t, "org-a", models.ResourceSearch))
}

func TestService_RateLimitCheckedFirst(t *testing.T) {
	env := newEnv(t, envOptions{searchRate: 1})
	ctx := context.Background()

	_, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "anything"})
	require.NoError(t, err)
	_, err = env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "anything else"})
	var rle *models.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 1, rle.Limit)
	assert.Equal(t, int64(1), env.used(t, "org-a", models.ResourceSearch), "rejected requests consume no quota")

	// Another user of the same org has an independent window.
	_, err = env.svc.Search(ctx, Actor{OrgID: "org-a", UserID: "u2"}, &models.SearchRequest{Query: "anything"})
	require.NoError(t, err)
}

type reverseProvider struct{}

func (reverseProvider) Rerank(_ context.Context, _ string, docs []string, topN int, _ string) ([]rerank.Ranking, error) {
	out := make([]rerank.Ranking, 0, topN)
	for i := len(docs) - 1; i >= 0 && len(out) < topN; i-- {
		out = append(out, rerank.Ranking{Index: i, Score: 0.99 - float64(len(out))*0.01})
	}
	return out, nil
}

func TestService_Modes(t *testing.T) {
	env := newEnv(t, envOptions{provider: reverseProvider{}})
	ctx := context.Background()
	env.ingest(t, orgA, "Standup", "Billing migration is blocked on the ledger export.")
	env.ingest(t, orgA, "Roadmap", "The roadmap puts the billing migration in Q3.")
	_, err := env.svc.Ingest(ctx, orgA, &models.DocumentInput{
		Title: "Demo",
		Segments: []models.Segment{
			{Text: "Speaker explains the billing dashboard.", StartSeconds: f(10), Modality: models.ModalityAudio},
			{Text: "Slide shows the billing dashboard chart.", StartSeconds: f(12), Modality: models.ModalityVisual},
		},
	})
	require.NoError(t, err)

	t.Run("hybrid with rerank", func(t *testing.T) {
		resp, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "billing migration", Mode: models.ModeHybrid, Rerank: true})
		require.NoError(t, err)
		require.GreaterOrEqual(t, resp.Count, 2)
		assert.True(t, resp.Reranked)
		require.NotNil(t, resp.Rerank)
		assert.Equal(t, resp.Count, resp.Rerank.RerankedCount)
		assert.Contains(t, resp.Results[0].Metadata, "original_similarity")
	})

	t.Run("multimodal", func(t *testing.T) {
		resp, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "billing dashboard", Mode: models.ModeMultimodal, AudioWeight: f(0.6)})
		require.NoError(t, err)
		require.NotNil(t, resp.Multimodal)
		assert.InDelta(t, 0.6, resp.Multimodal.AudioWeight, 1e-9)
		assert.InDelta(t, 0.4, resp.Multimodal.VisualWeight, 1e-9)
		assert.NotZero(t, resp.Count)
	})

	t.Run("agentic", func(t *testing.T) {
		resp, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "billing migration and roadmap", Mode: models.ModeAgentic, Limit: 2})
		require.NoError(t, err)
		require.NotNil(t, resp.Agentic)
		assert.NotEmpty(t, resp.Agentic.Iterations)
		assert.LessOrEqual(t, resp.Count, 2)
		for _, r := range resp.Results {
			assert.Contains(t, resp.Agentic.Citations, r.ChunkID)
		}
	})
}

func TestService_PlainTranscriptIsAudioForMultimodal(t *testing.T) {
	env := newEnv(t, envOptions{})
	ctx := context.Background()
	env.ingest(t, orgA, "Sync", "The warehouse robots need a firmware update before launch.")
	_, err := env.svc.Ingest(ctx, orgA, &models.DocumentInput{
		Title:    "Untyped segments",
		Segments: []models.Segment{{Text: "Robots in the warehouse stalled twice today.", StartSeconds: f(3)}},
	})
	require.NoError(t, err)

	resp, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "warehouse robots firmware update", Mode: models.ModeMultimodal})
	require.NoError(t, err)
	require.NotZero(t, resp.Count)
	require.NotNil(t, resp.Multimodal)
	for _, r := range resp.Results {
		assert.Equal(t, models.ModalityAudio, r.Modality, r.ChunkID)
	}
}

func TestService_IngestQuotas(t *testing.T) {
	env := newEnv(t, envOptions{plan: map[string]int64{"search": 10, "recording": 5, "storage": 40}})
	ctx := context.Background()

	doc := env.ingest(t, orgA, "Short", "Twenty-five bytes of text")
	assert.Equal(t, int64(1), env.used(t, "org-a", models.ResourceRecording))
	assert.Equal(t, int64(25), env.used(t, "org-a", models.ResourceStorage))

	_, err := env.svc.Ingest(ctx, orgA, &models.DocumentInput{Content: "this content is definitely too large"})
	assert.Equal(t, models.KindQuotaExceeded, models.KindOf(err))
	assert.Equal(t, int64(1), env.used(t, "org-a", models.ResourceRecording), "recording released when storage is denied")

	require.NoError(t, env.svc.Delete(ctx, orgA, doc.ID))
	assert.Zero(t, env.used(t, "org-a", models.ResourceStorage))

	err = env.svc.Delete(ctx, Actor{OrgID: "org-b"}, doc.ID)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))

	_, err = env.svc.Ingest(ctx, orgA, &models.DocumentInput{OrgID: "org-b", Content: "x"})
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	// Indexing failures give the quota back.
	_, err = env.svc.Ingest(ctx, orgA, &models.DocumentInput{Content: "   "})
	assert.Error(t, err)
	assert.Equal(t, int64(1), env.used(t, "org-a", models.ResourceRecording))
}

func TestService_InvalidateAndPreview(t *testing.T) {
	env := newEnv(t, envOptions{})
	ctx := context.Background()
	env.ingest(t, orgA, "Finance", "Quarterly revenue forecast.")

	_, err := env.svc.Search(ctx, orgA, &models.SearchRequest{Query: "revenue"})
	require.NoError(t, err)
	n, err := env.svc.InvalidateCache(ctx, orgA, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	chunks, err := env.svc.PreviewChunks(ctx, "# Title\n\nSome prose.\n\n```go\nfunc main() {}\n```")
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)

	docs, chunkCount, err := env.svc.Stats(ctx, orgA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), docs)
	assert.Equal(t, int64(1), chunkCount)
}

func TestActor_Key(t *testing.T) {
	assert.Equal(t, "user:u", Actor{OrgID: "o", UserID: "u", IP: "1.2.3.4"}.Key())
	assert.Equal(t, "org:o", Actor{OrgID: "o", IP: "1.2.3.4"}.Key())
	assert.Equal(t, "ip:1.2.3.4", Actor{IP: "1.2.3.4"}.Key())
}
