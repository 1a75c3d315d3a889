package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

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
	"github.com/hyperjump/kensaku/internal/search"
	"github.com/hyperjump/kensaku/internal/storage"
)

func newTestServer(t *testing.T, searchQuota int64, searchRate int) http.Handler {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(dir + "/db.sqlite")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex(dir + "/bleve")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })

	m := metrics.New()
	emb := embedding.NewMockEmbedder(64)
	chunker, err := indexer.NewSemanticChunker(indexer.DefaultChunkerConfig(), emb)
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.New(cache.NewMemoryStore(), cache.Config{}, cache.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	idx := indexer.NewIndexer(store, emb, kw, chunker, indexer.WithCache(c), indexer.WithMetrics(m))
	engine := search.NewEngine(store, emb, kw, search.DefaultConfig(), search.WithMetrics(m))
	orch := agentic.New(engine, agentic.Config{})

	qm, err := quota.NewManager(store, config.QuotaConfig{
		DefaultPlan: "test",
		Plans: map[string]map[string]int64{"test": {
			"search": searchQuota, "recording": 100, "storage": 1 << 20, "api_call": -1,
		}},
	}, quota.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	rl, err := ratelimit.New(config.RateLimitConfig{Rules: map[string]config.RateLimitRule{
		ratelimit.ResourceSearch: {Limit: searchRate, Window: time.Minute},
		ratelimit.ResourceUpload: {Limit: 100, Window: time.Minute},
	}}, ratelimit.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	svc := pipeline.New(engine, idx, store, orch, nil, pipeline.Config{DefaultThreshold: 0.1},
		pipeline.WithCache(c), pipeline.WithQuota(qm), pipeline.WithRateLimiter(rl), pipeline.WithMetrics(m))

	srv := NewServer(svc, m, &config.ServerConfig{Port: 8080}, zap.NewNop(), dir+"/db.sqlite", dir+"/bleve")
	return srv.Router()
}

func do(t *testing.T, h http.Handler, method, path, org string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if org != "" {
		r.Header.Set(HeaderOrgID, org)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestDocumentsAndSearch(t *testing.T) {
	h := newTestServer(t, 100, 100)

	w := do(t, h, http.MethodPost, "/api/v1/documents", "org-a", models.DocumentInput{
		Title: "Finance", Content: "The quarterly revenue forecast grew.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("index status: got %d: %s", w.Code, w.Body.String())
	}
	var doc models.Document
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.ID == "" || doc.OrgID != "org-a" {
		t.Fatalf("document: got %+v", doc)
	}

	w = do(t, h, http.MethodPost, "/api/v1/search", "org-a", map[string]interface{}{"query": "revenue forecast", "mode": "hybrid"})
	if w.Code != http.StatusOK {
		t.Fatalf("search status: got %d: %s", w.Code, w.Body.String())
	}
	var resp models.SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Mode != models.ModeHybrid {
		t.Errorf("search: got count=%d mode=%s", resp.Count, resp.Mode)
	}

	w = do(t, h, http.MethodPost, "/api/v1/search", "org-b", map[string]interface{}{"query": "revenue forecast"})
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 0 {
		t.Errorf("other tenant: got %d results", resp.Count)
	}

	if w := do(t, h, http.MethodGet, "/api/v1/documents/"+doc.ID, "org-b", nil); w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant get: got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/documents/"+doc.ID, "org-a", nil); w.Code != http.StatusOK {
		t.Errorf("get: got %d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/api/v1/documents/"+doc.ID, "org-b", nil); w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant delete: got %d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/api/v1/documents/"+doc.ID, "org-a", nil); w.Code != http.StatusOK {
		t.Errorf("delete: got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/v1/status", "org-a", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"documents":0`) {
		t.Errorf("status: got %d %s", w.Code, w.Body.String())
	}
}

func TestSearchValidation(t *testing.T) {
	h := newTestServer(t, 100, 100)

	w := do(t, h, http.MethodPost, "/api/v1/search", "org-a", map[string]interface{}{"query": "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", w.Code)
	}
	body := decodeError(t, w)
	if body.Kind != models.KindValidation || body.Error == "" {
		t.Errorf("body: got %+v", body)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader("{not json"))
	r.Header.Set(HeaderOrgID, "org-a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got %d", rec.Code)
	}

	if w := do(t, h, http.MethodPost, "/api/v1/search", "", map[string]interface{}{"query": "q"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing org: got %d", w.Code)
	}
}

func TestSearchRateLimited(t *testing.T) {
	h := newTestServer(t, 100, 1)

	if w := do(t, h, http.MethodPost, "/api/v1/search", "org-a", map[string]interface{}{"query": "q"}); w.Code != http.StatusOK {
		t.Fatalf("first: got %d", w.Code)
	}
	w := do(t, h, http.MethodPost, "/api/v1/search", "org-a", map[string]interface{}{"query": "q"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("X-RateLimit-Limit") != "1" || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers: got %v", w.Header())
	}
	body := decodeError(t, w)
	if body.Kind != models.KindRateLimit || body.Limit == nil || *body.Limit != 1 || body.Reset == nil {
		t.Errorf("body: got %+v", body)
	}
}

func TestSearchQuotaExceeded(t *testing.T) {
	h := newTestServer(t, 1, 100)

	if w := do(t, h, http.MethodPost, "/api/v1/search", "org-a", map[string]interface{}{"query": "q"}); w.Code != http.StatusOK {
		t.Fatalf("first: got %d", w.Code)
	}
	w := do(t, h, http.MethodPost, "/api/v1/search", "org-a", map[string]interface{}{"query": "q"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("second: got %d", w.Code)
	}
	body := decodeError(t, w)
	if body.Kind != models.KindQuotaExceeded || body.Remaining == nil || *body.Remaining != 0 || body.Limit == nil || *body.Limit != 1 {
		t.Errorf("body: got %+v", body)
	}

	w = do(t, h, http.MethodGet, "/api/v1/quota/search", "org-a", nil)
	var usage models.QuotaCounter
	if err := json.NewDecoder(w.Body).Decode(&usage); err != nil {
		t.Fatal(err)
	}
	if usage.Used != 1 || usage.Limit != 1 {
		t.Errorf("usage: got %+v", usage)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/quota/bogus", "org-a", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown resource: got %d", w.Code)
	}
}

func TestChunkPreviewAndCache(t *testing.T) {
	h := newTestServer(t, 100, 100)

	w := do(t, h, http.MethodPost, "/api/v1/chunk", "", chunkRequest{Text: "| a | b |\n|---|---|\n| 1 | 2 |"})
	if w.Code != http.StatusOK {
		t.Fatalf("chunk: got %d", w.Code)
	}
	var out struct {
		Chunks []models.Chunk `json:"chunks"`
		Count  int            `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || out.Chunks[0].StructureType != models.StructureTable {
		t.Errorf("chunks: got %+v", out)
	}

	do(t, h, http.MethodPost, "/api/v1/search", "org-a", map[string]interface{}{"query": "q"})
	w = do(t, h, http.MethodPost, "/api/v1/cache/invalidate", "org-a", invalidateRequest{Pattern: "*"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"removed":1`) {
		t.Errorf("invalidate: got %d %s", w.Code, w.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t, 100, 100)

	if w := do(t, h, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health: got %d", w.Code)
	}
	do(t, h, http.MethodPost, "/api/v1/search", "org-a", map[string]interface{}{"query": "q"})
	w := do(t, h, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "kensaku_gate_decisions_total") {
		t.Errorf("metrics: got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.NewValidationError("q", "bad"), http.StatusBadRequest},
		{&models.RateLimitError{Resource: "search"}, http.StatusTooManyRequests},
		{&models.QuotaExceededError{Resource: models.ResourceSearch}, http.StatusPaymentRequired},
		{&models.ProviderError{Provider: "rerank", Err: errors.New("x")}, http.StatusBadGateway},
		{&models.ProviderError{Provider: "embedding", Timeout: true, Err: errors.New("x")}, http.StatusGatewayTimeout},
		{models.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(models.KindOf(tt.err)); got != tt.want {
			t.Errorf("%v: got %d, want %d", tt.err, got, tt.want)
		}
	}
}
