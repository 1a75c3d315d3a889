package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"validation", NewValidationError("query", "Query cannot be empty"), KindValidation},
		{"wrapped validation", fmt.Errorf("search: %w", NewValidationError("limit", "bad")), KindValidation},
		{"rate limit", &RateLimitError{Resource: "search", Limit: 10}, KindRateLimit},
		{"quota", &QuotaExceededError{Resource: ResourceSearch, Limit: 5}, KindQuotaExceeded},
		{"provider", &ProviderError{Provider: "embedding", Err: errors.New("boom")}, KindProviderError},
		{"provider timeout", &ProviderError{Provider: "rerank", Timeout: true, Err: context.DeadlineExceeded}, KindProviderTimeout},
		{"configuration", &ConfigurationError{Component: "chunker", Message: "min > max"}, KindConfiguration},
		{"not found", fmt.Errorf("document x: %w", ErrNotFound), KindNotFound},
		{"other", errors.New("disk full"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	err := &ProviderError{Provider: "embedding", Timeout: true, Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected ProviderError to unwrap to its cause")
	}
}

func TestRateLimitError_RetryAfter(t *testing.T) {
	now := time.Now()
	e := &RateLimitError{Reset: now.Add(30 * time.Second)}
	if got := e.RetryAfter(now); got != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", got)
	}
	past := &RateLimitError{Reset: now.Add(-time.Second)}
	if got := past.RetryAfter(now); got != time.Second {
		t.Errorf("RetryAfter floor = %v, want 1s", got)
	}
}

func TestSearchRequest_Validate(t *testing.T) {
	neg := -0.1
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		req     *SearchRequest
		wantErr bool
	}{
		{"empty query", &SearchRequest{Query: "   "}, true},
		{"valid query", &SearchRequest{Query: "hello"}, false},
		{"unknown mode", &SearchRequest{Query: "x", Mode: "fuzzy"}, true},
		{"limit too large", &SearchRequest{Query: "x", Limit: 101}, true},
		{"negative threshold", &SearchRequest{Query: "x", Threshold: &neg}, true},
		{"bad tag mode", &SearchRequest{Query: "x", TagFilterMode: "some"}, true},
		{"inverted dates", &SearchRequest{Query: "x", DateFrom: &from, DateTo: &to}, true},
		{"too many iterations", &SearchRequest{Query: "x", Mode: ModeAgentic, MaxIterations: 11}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && KindOf(err) != KindValidation {
				t.Errorf("expected validation kind, got %q", KindOf(err))
			}
			if !tt.wantErr {
				if tt.req.Mode != ModeVector {
					t.Errorf("expected default mode vector, got %q", tt.req.Mode)
				}
				if tt.req.TagFilterMode != TagFilterAny {
					t.Errorf("expected default tag mode any, got %q", tt.req.TagFilterMode)
				}
			}
		})
	}
}

func TestDocumentInput_ContentSize(t *testing.T) {
	in := &DocumentInput{Segments: []Segment{{Text: "abc"}, {Text: "de"}}}
	if got := in.ContentSize(); got != int64(5+len(SegmentSeparator)) {
		t.Errorf("ContentSize = %d", got)
	}
	plain := &DocumentInput{Content: "hello"}
	if got := plain.ContentSize(); got != 5 {
		t.Errorf("ContentSize = %d, want 5", got)
	}
}
