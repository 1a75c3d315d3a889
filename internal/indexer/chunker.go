// Package indexer provides semantic chunking and document ingestion.
package indexer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/vector"
)

// ChunkerConfig controls chunk sizes (in bytes) and boundary detection.
type ChunkerConfig struct {
	MinSize             int
	TargetSize          int
	MaxSize             int
	SimilarityThreshold float64
	PreserveStructures  bool
	// WindowSize is the number of sentences averaged on each side of a candidate boundary.
	WindowSize int
}

// DefaultChunkerConfig returns the sizes used when none are configured.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MinSize:             200,
		TargetSize:          800,
		MaxSize:             1500,
		SimilarityThreshold: 0.5,
		PreserveStructures:  true,
		WindowSize:          2,
	}
}

// Validate returns a ConfigurationError unless 0 < MinSize <= TargetSize <= MaxSize
// and the threshold is within [0,1].
func (c ChunkerConfig) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return &models.ConfigurationError{Component: "chunker", Message: fmt.Sprintf(format, args...)}
	}
	switch {
	case c.MinSize <= 0:
		return fail("min size must be positive, got %d", c.MinSize)
	case c.MinSize > c.TargetSize:
		return fail("min size %d exceeds target size %d", c.MinSize, c.TargetSize)
	case c.TargetSize > c.MaxSize:
		return fail("target size %d exceeds max size %d", c.TargetSize, c.MaxSize)
	case c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1:
		return fail("similarity threshold %.3f outside [0,1]", c.SimilarityThreshold)
	case c.WindowSize < 0:
		return fail("window size must not be negative, got %d", c.WindowSize)
	}
	return nil
}

// SemanticChunker splits text into chunks that respect structural blocks and topic shifts.
type SemanticChunker struct {
	cfg      ChunkerConfig
	embedder embedding.Embedder
}

// NewSemanticChunker validates cfg and returns a chunker that scores coherence with embedder.
func NewSemanticChunker(cfg ChunkerConfig, embedder embedding.Embedder) (*SemanticChunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, &models.ConfigurationError{Component: "chunker", Message: "embedder is required"}
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 1
	}
	return &SemanticChunker{cfg: cfg, embedder: embedder}, nil
}

// Config returns the chunker configuration.
func (c *SemanticChunker) Config() ChunkerConfig {
	return c.cfg
}

// group is a candidate chunk over sentences [first, last] of a prose run.
type group struct {
	first, last int
	boundary    models.BoundaryType
}

// proseRun is a prose block and its sentences.
type proseRun struct {
	sentences []span
	offset    int // index of the first sentence in the shared embedding slice
}

// Chunk splits text into ordered, non-overlapping chunks of documentID.
// Empty or whitespace-only text yields no chunks. Offsets are byte offsets into text.
func (c *SemanticChunker) Chunk(ctx context.Context, documentID, text string) ([]models.Chunk, error) {
	blocks := c.blocks(text)
	if len(blocks) == 0 {
		return []models.Chunk{}, nil
	}

	runs := make(map[int]*proseRun)
	var sentenceTexts []string
	for bi, b := range blocks {
		if b.kind != models.StructureProse {
			continue
		}
		run := &proseRun{offset: len(sentenceTexts)}
		for _, s := range splitSentences(text, b.start, b.end) {
			run.sentences = append(run.sentences, splitLong(text, s, c.cfg.MaxSize)...)
		}
		for _, s := range run.sentences {
			sentenceTexts = append(sentenceTexts, text[s.start:s.end])
		}
		runs[bi] = run
	}

	var embeddings [][]float32
	if len(sentenceTexts) > 1 {
		var err error
		embeddings, err = c.embedder.EmbedBatch(ctx, sentenceTexts)
		if err != nil {
			return nil, &models.ProviderError{Provider: "embedding", Err: fmt.Errorf("embed sentences: %w", err)}
		}
		if len(embeddings) != len(sentenceTexts) {
			return nil, &models.ProviderError{Provider: "embedding",
				Err: fmt.Errorf("got %d embeddings for %d sentences", len(embeddings), len(sentenceTexts))}
		}
	}

	var chunks []models.Chunk
	emit := func(start, end int, kind models.StructureType, boundary models.BoundaryType, score float64) {
		chunkText := text[start:end]
		chunks = append(chunks, models.Chunk{
			ID:            uuid.New().String(),
			DocumentID:    documentID,
			Index:         len(chunks),
			Text:          chunkText,
			StartOffset:   start,
			EndOffset:     end,
			StructureType: kind,
			SemanticScore: score,
			TokenCount:    embedding.CountTokens(chunkText),
			BoundaryType:  boundary,
		})
	}

	for bi, b := range blocks {
		if b.kind != models.StructureProse {
			for _, piece := range c.structurePieces(text, b) {
				emit(piece.start, piece.end, b.kind, piece.boundary, 1)
			}
			continue
		}
		run := runs[bi]
		var vecs [][]float32
		if embeddings != nil {
			vecs = embeddings[run.offset : run.offset+len(run.sentences)]
		}
		for _, g := range c.groupSentences(run.sentences, vecs) {
			start, end := run.sentences[g.first].start, run.sentences[g.last].end
			emit(start, end, models.StructureProse, g.boundary, coherence(vecs, g))
		}
	}
	return chunks, nil
}

// blocks returns the structural partition of text with whitespace trimmed from each block.
func (c *SemanticChunker) blocks(text string) []block {
	blocks := detectBlocks(text)
	if len(blocks) == 0 {
		return nil
	}
	kept := blocks[:0]
	for _, b := range blocks {
		b.start, b.end = trimBlock(text, b.start, b.end)
		if b.start < b.end {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func trimBlock(text string, start, end int) (int, int) {
	for start < end && isSpaceByte(text[start]) {
		start++
	}
	for end > start && isSpaceByte(text[end-1]) {
		end--
	}
	return start, end
}

type piece struct {
	start, end int
	boundary   models.BoundaryType
}

// structurePieces keeps a structural block atomic when structures are preserved.
// Otherwise blocks above MaxSize are split on line boundaries.
func (c *SemanticChunker) structurePieces(text string, b block) []piece {
	if c.cfg.PreserveStructures || b.end-b.start <= c.cfg.MaxSize {
		return []piece{{start: b.start, end: b.end, boundary: models.BoundaryStructureBoundary}}
	}
	var out []piece
	pieceStart := b.start
	for _, l := range splitLines(text[b.start:b.end]) {
		lineEnd := b.start + l.end
		if lineEnd-pieceStart > c.cfg.MaxSize && b.start+l.start > pieceStart {
			if s, e := trimBlock(text, pieceStart, b.start+l.start); s < e {
				out = append(out, piece{start: s, end: e, boundary: models.BoundarySizeLimit})
			}
			pieceStart = b.start + l.start
		}
	}
	// Blank-line runs trim to nothing and are dropped.
	if s, e := trimBlock(text, pieceStart, b.end); s < e {
		out = append(out, piece{start: s, end: e, boundary: models.BoundaryStructureBoundary})
	} else if len(out) > 0 {
		out[len(out)-1].boundary = models.BoundaryStructureBoundary
	}
	return out
}

// groupSentences places boundaries between sentences and merges undersized groups.
func (c *SemanticChunker) groupSentences(sentences []span, vecs [][]float32) []group {
	if len(sentences) == 0 {
		return nil
	}
	var groups []group
	cur := group{first: 0}
	for i := 1; i < len(sentences); i++ {
		curSize := sentences[i-1].end - sentences[cur.first].start
		nextSize := sentences[i].end - sentences[cur.first].start

		var boundary models.BoundaryType
		switch {
		case nextSize > c.cfg.MaxSize:
			boundary = models.BoundarySizeLimit
		case vecs != nil && c.windowSimilarity(vecs, i) < c.cfg.SimilarityThreshold:
			boundary = models.BoundaryTopicShift
		case curSize >= c.cfg.TargetSize && sentences[i-1].paraBreak:
			boundary = models.BoundarySemanticBreak
		}
		if boundary != "" {
			cur.last = i - 1
			cur.boundary = boundary
			groups = append(groups, cur)
			cur = group{first: i}
		}
	}
	cur.last = len(sentences) - 1
	cur.boundary = models.BoundaryStructureBoundary
	groups = append(groups, cur)

	return c.mergeSmall(sentences, groups)
}

// windowSimilarity compares the mean of the WindowSize sentences before boundary i
// with the mean of the WindowSize sentences from i on.
func (c *SemanticChunker) windowSimilarity(vecs [][]float32, i int) float64 {
	lo := i - c.cfg.WindowSize
	if lo < 0 {
		lo = 0
	}
	hi := i + c.cfg.WindowSize
	if hi > len(vecs) {
		hi = len(vecs)
	}
	return vector.CosineSimilarity(vector.Mean(vecs[lo:i]), vector.Mean(vecs[i:hi]))
}

// mergeSmall folds groups below MinSize into the following group, or the final one
// into its predecessor, whenever the merged span fits MaxSize.
func (c *SemanticChunker) mergeSmall(sentences []span, groups []group) []group {
	size := func(first, last int) int {
		return sentences[last].end - sentences[first].start
	}
	for i := 0; i+1 < len(groups); {
		g, next := groups[i], groups[i+1]
		if size(g.first, g.last) < c.cfg.MinSize && size(g.first, next.last) <= c.cfg.MaxSize {
			groups[i+1] = group{first: g.first, last: next.last, boundary: next.boundary}
			groups = append(groups[:i], groups[i+1:]...)
			continue
		}
		i++
	}
	if n := len(groups); n > 1 {
		prev, last := groups[n-2], groups[n-1]
		if size(last.first, last.last) < c.cfg.MinSize && size(prev.first, last.last) <= c.cfg.MaxSize {
			groups[n-2] = group{first: prev.first, last: last.last, boundary: last.boundary}
			groups = groups[:n-1]
		}
	}
	return groups
}

// coherence is the mean pairwise cosine similarity of the group's sentences.
func coherence(vecs [][]float32, g group) float64 {
	if vecs == nil || g.last == g.first {
		return 1
	}
	var sum float64
	var pairs int
	for i := g.first; i <= g.last; i++ {
		for j := i + 1; j <= g.last; j++ {
			sum += vector.CosineSimilarity(vecs[i], vecs[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}
