// Package keyword provides the lexical (BM25) chunk index used by hybrid search.
package keyword

import "context"

// Entry is one chunk as seen by the lexical index.
type Entry struct {
	ChunkID    string
	DocumentID string
	OrgID      string
	Title      string
	Text       string
}

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// TitleBoost multiplies the score contribution from matches in the document title.
	// Values <= 1 search the chunk text only.
	TitleBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 1 when FuzzyEnabled is true.
	Fuzziness int
}

// Index defines chunk-level keyword operations. Every search is scoped to one organization.
type Index interface {
	IndexChunks(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, orgID, query string, limit int, opts *SearchOptions) ([]*Result, error)
	DeleteChunks(ctx context.Context, ids []string) error
	// DocCount returns the number of chunks in the index across all organizations.
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	ID    string
	Score float64
}
