package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.CacheLookup("search", "memory")
	m.CacheLookup("search", "memory")
	m.CacheLookup("search", "compute")
	m.GateDecision("quota", "search", true)
	m.GateDecision("quota", "search", false)
	m.RerankCall("fallback", 0.005)
	m.RerankCall("skipped", 0)
	m.ChunksIngested(3)
	m.ChunksIngested(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("search", "memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("search", "compute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateDecisions.WithLabelValues("quota", "search", "denied")))
	assert.InDelta(t, 0.005, testutil.ToFloat64(m.rerankCost), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rerankCalls.WithLabelValues("skipped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ingestedChunks))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveSearch("vector", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "kensaku_search_duration_seconds"), "missing histogram in %s", body)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup("search", "memory")
		m.GateDecision("rate_limit", "search", true)
		m.RerankCall("success", 1)
		m.ObserveSearch("hybrid", time.Second)
		m.ChunksIngested(1)
	})
	assert.Nil(t, m.Registry())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
