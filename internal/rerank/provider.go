// Package rerank reorders search results with a cross-encoder relevance provider.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned when a provider has no credentials.
var ErrNotConfigured = errors.New("rerank provider not configured")

// Ranking is one provider verdict: the position of a document in the request and its relevance.
type Ranking struct {
	Index int
	Score float64
}

// Provider scores documents against a query and returns the topN best, most relevant first.
type Provider interface {
	Rerank(ctx context.Context, query string, documents []string, topN int, model string) ([]Ranking, error)
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL string
	APIKey  string
	// RequestsPerSecond and Burst throttle outgoing calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// HTTPProvider calls a Cohere/Jina-compatible POST {base}/rerank endpoint.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider returns a provider, or ErrNotConfigured when no API key is set.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url not set", ErrNotConfigured)
	}
	p := &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		// The caller's context carries the per-call timeout.
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return p, nil
}

type rerankRequest struct {
	Model           string   `json:"model,omitempty"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank waits for the client-side throttle, then makes exactly one request.
func (p *HTTPProvider) Rerank(ctx context.Context, query string, documents []string, topN int, model string) ([]Ranking, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Wait refuses early when the next token lands after the deadline.
			if _, ok := ctx.Deadline(); ok && !errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("rerank throttle: %w (%v)", context.DeadlineExceeded, err)
			}
			return nil, fmt.Errorf("rerank throttle: %w", err)
		}
	}
	body, err := json.Marshal(rerankRequest{Model: model, Query: query, Documents: documents, TopN: topN})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var apiResp rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := make([]Ranking, len(apiResp.Results))
	for i, r := range apiResp.Results {
		out[i] = Ranking{Index: r.Index, Score: r.RelevanceScore}
	}
	return out, nil
}
