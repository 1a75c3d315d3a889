package agentic

import "strings"

// Decomposer turns an analyzed query into ordered sub-queries.
type Decomposer struct{}

// Decompose returns at most max sub-queries. Simple queries yield only the original.
// Compound queries yield the original followed by each clause; a single-clause query
// that is still not simple adds a keyword-only variant instead.
func (Decomposer) Decompose(q *AnalyzedQuery, max int) []string {
	if max < 1 {
		max = 1
	}
	out := []string{q.Original}
	if q.Complexity != ComplexitySimple {
		seen := map[string]bool{strings.ToLower(q.Original): true}
		add := func(s string) {
			key := strings.ToLower(strings.TrimSpace(s))
			if key == "" || seen[key] {
				return
			}
			seen[key] = true
			out = append(out, s)
		}
		if len(q.Parts) > 1 {
			for _, part := range q.Parts {
				add(part)
			}
		} else {
			add(strings.Join(q.Terms, " "))
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}
