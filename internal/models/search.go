package models

import (
	"strings"
	"time"
)

// SearchMode selects the retrieval strategy of a search request.
type SearchMode string

const (
	ModeVector     SearchMode = "vector"
	ModeHybrid     SearchMode = "hybrid"
	ModeMultimodal SearchMode = "multimodal"
	ModeAgentic    SearchMode = "agentic"
)

// Valid reports whether m is a known search mode.
func (m SearchMode) Valid() bool {
	switch m {
	case ModeVector, ModeHybrid, ModeMultimodal, ModeAgentic:
		return true
	}
	return false
}

// TagFilterMode controls how multiple tag filters combine.
type TagFilterMode string

const (
	TagFilterAny TagFilterMode = "any"
	TagFilterAll TagFilterMode = "all"
)

// SearchResult is a single ranked hit. It is transient and never persisted.
type SearchResult struct {
	ChunkID     string                 `json:"chunk_id"`
	SourceID    string                 `json:"source_id"`
	SourceTitle string                 `json:"source_title"`
	Text        string                 `json:"text"`
	Similarity  float64                `json:"similarity"`
	Modality    Modality               `json:"modality,omitempty"`
	Timestamp   *float64               `json:"timestamp,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a copy of r whose metadata map can be modified independently.
func (r SearchResult) Clone() SearchResult {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Timestamp != nil {
		ts := *r.Timestamp
		out.Timestamp = &ts
	}
	return out
}

// SetMeta sets a metadata key, allocating the map when needed.
func (r *SearchResult) SetMeta(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
}

// SearchRequest is the entry-point request accepted by the search pipeline.
type SearchRequest struct {
	Query                string        `json:"query"`
	Limit                int           `json:"limit,omitempty"`
	Threshold            *float64      `json:"threshold,omitempty"`
	Mode                 SearchMode    `json:"mode,omitempty"`
	RecordingIDs         []string      `json:"recording_ids,omitempty"`
	ContentTypes         []string      `json:"content_types,omitempty"`
	TagIDs               []string      `json:"tag_ids,omitempty"`
	TagFilterMode        TagFilterMode `json:"tag_filter_mode,omitempty"`
	CollectionID         string        `json:"collection_id,omitempty"`
	FavoritesOnly        bool          `json:"favorites_only,omitempty"`
	DateFrom             *time.Time    `json:"date_from,omitempty"`
	DateTo               *time.Time    `json:"date_to,omitempty"`
	Rerank               bool          `json:"rerank,omitempty"`
	RerankTopN           int           `json:"rerank_top_n,omitempty"`
	AudioWeight          *float64      `json:"audio_weight,omitempty"`
	VisualWeight         *float64      `json:"visual_weight,omitempty"`
	MaxIterations        int           `json:"max_iterations,omitempty"`
	EnableSelfReflection *bool         `json:"enable_self_reflection,omitempty"`
}

// Validate checks the request shape and fills defaults that do not depend on configuration.
func (q *SearchRequest) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return NewValidationError("query", "Query cannot be empty")
	}
	if q.Mode == "" {
		q.Mode = ModeVector
	}
	if !q.Mode.Valid() {
		return NewValidationError("mode", "unknown search mode %q", q.Mode)
	}
	if q.Limit < 0 || q.Limit > 100 {
		return NewValidationError("limit", "limit must be between 1 and 100")
	}
	if q.Threshold != nil && (*q.Threshold < 0 || *q.Threshold > 1) {
		return NewValidationError("threshold", "threshold must be between 0 and 1")
	}
	if q.TagFilterMode == "" {
		q.TagFilterMode = TagFilterAny
	}
	if q.TagFilterMode != TagFilterAny && q.TagFilterMode != TagFilterAll {
		return NewValidationError("tag_filter_mode", "tag_filter_mode must be any or all")
	}
	if q.DateFrom != nil && q.DateTo != nil && q.DateFrom.After(*q.DateTo) {
		return NewValidationError("date_from", "date_from must not be after date_to")
	}
	if q.MaxIterations < 0 || q.MaxIterations > 10 {
		return NewValidationError("max_iterations", "max_iterations must be between 1 and 10")
	}
	if q.RerankTopN < 0 {
		return NewValidationError("rerank_top_n", "rerank_top_n must be positive")
	}
	return nil
}

// Timings reports per-stage latency of a search in milliseconds.
type Timings struct {
	SearchMs int64 `json:"search_ms"`
	RerankMs int64 `json:"rerank_ms"`
	TotalMs  int64 `json:"total_ms"`
}

// SearchResponse is returned by the search pipeline.
type SearchResponse struct {
	Query      string           `json:"query"`
	Results    []SearchResult   `json:"results"`
	Count      int              `json:"count"`
	Mode       SearchMode       `json:"mode"`
	Reranked   bool             `json:"reranked"`
	Cached     bool             `json:"cached"`
	CacheLayer string           `json:"cache_layer,omitempty"`
	Timings    Timings          `json:"timings"`
	Agentic    *AgenticSummary  `json:"agentic,omitempty"`
	Multimodal *MultimodalStats `json:"multimodal,omitempty"`
	Rerank     *RerankMetadata  `json:"rerank,omitempty"`
}

// AgenticSummary is the agentic section of a search response.
type AgenticSummary struct {
	Intent     string               `json:"intent"`
	Complexity string               `json:"complexity"`
	Iterations []RetrievalIteration `json:"iterations"`
	Citations  map[string][]string  `json:"citations"`
	Confidence float64              `json:"confidence"`
}

// MultimodalStats describes the inputs of a multimodal merge.
type MultimodalStats struct {
	AudioWeight  float64 `json:"audio_weight"`
	VisualWeight float64 `json:"visual_weight"`
	AudioHits    int     `json:"audio_hits"`
	VisualHits   int     `json:"visual_hits"`
}

// RerankMetadata summarizes a rerank step for a response.
type RerankMetadata struct {
	OriginalCount  int     `json:"original_count"`
	RerankedCount  int     `json:"reranked_count"`
	ElapsedMs      int64   `json:"elapsed_ms"`
	CostEstimate   float64 `json:"cost_estimate"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
}

// RerankOutcome is the result of a rerank call.
type RerankOutcome struct {
	Results        []SearchResult `json:"results"`
	OriginalCount  int            `json:"original_count"`
	RerankedCount  int            `json:"reranked_count"`
	ElapsedMs      int64          `json:"elapsed_ms"`
	CostEstimate   float64        `json:"cost_estimate"`
	Reranked       bool           `json:"reranked"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
}

// Metadata converts the outcome into its response summary.
func (o *RerankOutcome) Metadata() *RerankMetadata {
	return &RerankMetadata{
		OriginalCount:  o.OriginalCount,
		RerankedCount:  o.RerankedCount,
		ElapsedMs:      o.ElapsedMs,
		CostEstimate:   o.CostEstimate,
		FallbackReason: o.FallbackReason,
	}
}

// RetrievalIteration is one step of the agentic loop.
type RetrievalIteration struct {
	Number               int     `json:"number"`
	SubQuery             string  `json:"sub_query"`
	ResultsFetched       int     `json:"results_fetched"`
	Reasoning            string  `json:"reasoning"`
	CumulativeConfidence float64 `json:"cumulative_confidence"`
}
