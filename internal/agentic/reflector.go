package agentic

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
)

// Reflection is the verdict of one reflection step.
type Reflection struct {
	Sufficient bool
	Coverage   float64
	// RefinedQuery is the next sub-query to run. Empty when nothing useful remains to ask.
	RefinedQuery string
	Reasoning    string
}

// Reflector decides whether accumulated results answer the query.
type Reflector interface {
	Reflect(ctx context.Context, q *AnalyzedQuery, results []models.SearchResult, asked []string) (*Reflection, error)
}

// CoverageReflector measures which query terms appear in the accumulated results and asks
// for the missing ones.
type CoverageReflector struct {
	// Target is the fraction of query terms that must be covered.
	Target float64
}

// Reflect implements Reflector.
func (r CoverageReflector) Reflect(ctx context.Context, q *AnalyzedQuery, results []models.SearchResult, asked []string) (*Reflection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	coverage, missing := termCoverage(q.Terms, results)
	out := &Reflection{Coverage: coverage}
	if coverage >= r.Target {
		out.Sufficient = true
		out.Reasoning = fmt.Sprintf("coverage %.2f meets target %.2f", coverage, r.Target)
		return out, nil
	}

	refined := strings.Join(missing, " ")
	for _, a := range asked {
		if strings.EqualFold(a, refined) {
			out.Reasoning = fmt.Sprintf("coverage %.2f below target; missing terms already searched", coverage)
			return out, nil
		}
	}
	out.RefinedQuery = refined
	out.Reasoning = fmt.Sprintf("coverage %.2f below target %.2f; searching for missing terms: %s", coverage, r.Target, refined)
	return out, nil
}

// termCoverage returns the fraction of terms found in any result text and the terms that
// were not found. No terms counts as full coverage.
func termCoverage(terms []string, results []models.SearchResult) (float64, []string) {
	if len(terms) == 0 {
		return 1, nil
	}
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(strings.ToLower(r.Text))
		sb.WriteByte('\n')
	}
	text := sb.String()
	var missing []string
	for _, term := range terms {
		if !strings.Contains(text, term) {
			missing = append(missing, term)
		}
	}
	return float64(len(terms)-len(missing)) / float64(len(terms)), missing
}
