package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	keywordanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

const (
	fieldOrg      = "org_id"
	fieldDocument = "document_id"
	fieldTitle    = "title"
	fieldText     = "text"
)

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

var _ Index = (*BleveIndex)(nil)

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so exact words in a
	// transcript match the query as typed.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt(fieldText, textFieldMapping)
	docMapping.AddFieldMappingsAt(fieldTitle, textFieldMapping)

	idFieldMapping := bleve.NewTextFieldMapping()
	idFieldMapping.Analyzer = keywordanalyzer.Name
	idFieldMapping.IncludeInAll = false
	docMapping.AddFieldMappingsAt(fieldOrg, idFieldMapping)
	docMapping.AddFieldMappingsAt(fieldDocument, idFieldMapping)

	im.AddDocumentMapping("chunk", docMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates a
// memory-only index. If you change the mapping, remove the index directory and re-ingest.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// IndexChunks indexes entries in one batch, keyed by chunk ID.
func (b *BleveIndex) IndexChunks(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, e := range entries {
		if e.OrgID == "" {
			return fmt.Errorf("chunk %s: org_id is required", e.ChunkID)
		}
		doc := map[string]interface{}{
			fieldOrg:      e.OrgID,
			fieldDocument: e.DocumentID,
			// Underscores as spaces so "q3_planning_sync" is searchable as separate words.
			fieldTitle: strings.ReplaceAll(e.Title, "_", " "),
			fieldText:  e.Text,
		}
		if err := batch.Index(e.ChunkID, doc); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", e.ChunkID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.index.Batch(batch)
}

// Search runs a match query restricted to orgID and returns up to limit hits, best first.
func (b *BleveIndex) Search(ctx context.Context, orgID, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org_id is required")
	}
	if limit <= 0 || len(tokenizeQuery(query)) == 0 {
		return []*Result{}, nil
	}
	titleBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 1
	if opts != nil {
		if opts.TitleBoost > 0 {
			titleBoost = opts.TitleBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	var textQuery blevequery.Query
	if fuzzyEnabled {
		textQuery = buildFuzzyQuery(query, fuzziness, fieldText)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(fieldText)
		textQuery = mq
	}
	if titleBoost > 1.0 {
		tq := bleve.NewMatchQuery(query)
		tq.SetField(fieldTitle)
		tq.SetBoost(titleBoost)
		textQuery = bleve.NewDisjunctionQuery(textQuery, tq)
	}

	org := bleve.NewTermQuery(orgID)
	org.SetField(fieldOrg)

	req := bleve.NewSearchRequest(bleve.NewConjunctionQuery(org, textQuery))
	req.Size = limit
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = &Result{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// tokenizeQuery splits query into lowercase terms, filtering out empty strings.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries, one per query term, on field.
func buildFuzzyQuery(queryStr string, fuzziness int, field string) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		term = strings.Trim(term, ".,;:!?\"'()")
		if term == "" {
			continue
		}
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		queries = append(queries, fq)
	}
	switch len(queries) {
	case 0:
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(field)
		return mq
	case 1:
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// DeleteChunks removes chunks from the index. Unknown IDs are ignored.
func (b *BleveIndex) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// DocCount returns the total number of chunks in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
