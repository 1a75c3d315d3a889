// Package indexer turns documents into semantic chunks and writes them to storage and the keyword index.
package indexer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/cache"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// Indexer indexes documents into storage and the keyword index.
type Indexer struct {
	storage      storage.Storage
	embedder     embedding.Embedder
	keywordIndex keyword.Index
	chunker      *SemanticChunker
	cache        *cache.Cache
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (document indexed, document deleted, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = utils.OrNop(l) }
}

// WithCache makes the indexer invalidate the org's cached search responses after each change.
func WithCache(c *cache.Cache) IndexerOption {
	return func(idx *Indexer) { idx.cache = c }
}

// WithMetrics counts ingested chunks.
func WithMetrics(m *metrics.Metrics) IndexerOption {
	return func(idx *Indexer) { idx.metrics = m }
}

// NewIndexer creates an indexer with the given dependencies.
func NewIndexer(
	store storage.Storage,
	embedder embedding.Embedder,
	keywordIndex keyword.Index,
	chunker *SemanticChunker,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		storage:      store,
		embedder:     embedder,
		keywordIndex: keywordIndex,
		chunker:      chunker,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Chunker returns the chunker used for ingestion.
func (idx *Indexer) Chunker() *SemanticChunker {
	return idx.chunker
}

// IndexDocument chunks, embeds, and stores a document, then makes its chunks
// searchable. Timed segments are chunked one by one so every chunk keeps its
// segment's timestamp and modality; chunk offsets refer to the joined content.
func (idx *Indexer) IndexDocument(ctx context.Context, input *models.DocumentInput) (*models.Document, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if input.ID == "" {
		input.ID = uuid.New().String()
	}
	doc := &models.Document{
		ID:           input.ID,
		OrgID:        input.OrgID,
		Title:        input.Title,
		RecordingID:  input.RecordingID,
		ContentType:  input.ContentType,
		CollectionID: input.CollectionID,
		TagIDs:       input.TagIDs,
		Favorite:     input.Favorite,
		ContentBytes: input.ContentSize(),
		CreatedAt:    input.CreatedAt,
	}

	chunks, err := idx.chunkInput(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, models.NewValidationError("content", "content produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].OrgID = doc.OrgID
		chunks[i].Index = i
		texts[i] = chunks[i].Text
	}
	embeddings, err := idx.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, &models.ProviderError{Provider: "embedding", Err: fmt.Errorf("failed to generate embeddings: %w", err)}
	}
	if len(embeddings) != len(chunks) {
		return nil, &models.ProviderError{Provider: "embedding",
			Err: fmt.Errorf("got %d embeddings for %d chunks", len(embeddings), len(chunks))}
	}
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}

	if err := idx.storage.CreateDocument(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	entries := make([]keyword.Entry, len(chunks))
	for i, ch := range chunks {
		entries[i] = keyword.Entry{ChunkID: ch.ID, DocumentID: doc.ID, OrgID: doc.OrgID, Title: doc.Title, Text: ch.Text}
	}
	if err := idx.keywordIndex.IndexChunks(ctx, entries); err != nil {
		// Keep storage and the keyword index consistent.
		if _, delErr := idx.storage.DeleteDocument(ctx, doc.OrgID, doc.ID); delErr != nil {
			idx.logger.Error("rollback after keyword index failure failed", zap.String("doc_id", doc.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to index keywords: %w", err)
	}

	idx.invalidate(ctx, doc.OrgID)
	idx.metrics.ChunksIngested(len(chunks))
	idx.logger.Debug("indexer document indexed",
		zap.String("doc_id", doc.ID), zap.String("org_id", doc.OrgID), zap.Int("chunks", len(chunks)))
	return doc, nil
}

func validateInput(input *models.DocumentInput) error {
	if input == nil {
		return models.NewValidationError("document", "document is required")
	}
	if strings.TrimSpace(input.OrgID) == "" {
		return models.NewValidationError("org_id", "org_id is required")
	}
	if len(input.Segments) == 0 {
		if strings.TrimSpace(input.Content) == "" {
			return models.NewValidationError("content", "content cannot be empty")
		}
		return nil
	}
	hasText := false
	for i, seg := range input.Segments {
		if seg.Modality != "" && !seg.Modality.Valid() {
			return models.NewValidationError("segments", "segment %d: unknown modality %q", i, seg.Modality)
		}
		if seg.StartSeconds != nil && *seg.StartSeconds < 0 {
			return models.NewValidationError("segments", "segment %d: start_seconds must be >= 0", i)
		}
		if strings.TrimSpace(seg.Text) != "" {
			hasText = true
		}
	}
	if !hasText {
		return models.NewValidationError("content", "content cannot be empty")
	}
	return nil
}

func (idx *Indexer) chunkInput(ctx context.Context, input *models.DocumentInput) ([]models.Chunk, error) {
	if len(input.Segments) == 0 {
		chunks, err := idx.chunker.Chunk(ctx, input.ID, input.Content)
		if err != nil {
			return nil, err
		}
		for i := range chunks {
			chunks[i].Modality = models.ModalityAudio
		}
		return chunks, nil
	}
	var out []models.Chunk
	offset := 0
	for i, seg := range input.Segments {
		if i > 0 {
			offset += len(models.SegmentSeparator)
		}
		chunks, err := idx.chunker.Chunk(ctx, input.ID, seg.Text)
		if err != nil {
			return nil, err
		}
		for _, ch := range chunks {
			ch.StartOffset += offset
			ch.EndOffset += offset
			ch.Modality = seg.Modality
			if ch.Modality == "" {
				ch.Modality = models.ModalityAudio
			}
			if seg.StartSeconds != nil {
				ts := *seg.StartSeconds
				ch.Timestamp = &ts
			}
			out = append(out, ch)
		}
		offset += len(seg.Text)
	}
	return out, nil
}

// DeleteDocument removes a document from storage and the keyword index.
// Documents of other organizations are reported as not found.
func (idx *Indexer) DeleteDocument(ctx context.Context, orgID, id string) error {
	if orgID == "" {
		return models.NewValidationError("org_id", "org_id is required")
	}
	idx.logger.Debug("indexer deleting document", zap.String("id", id), zap.String("org_id", orgID))
	chunkIDs, err := idx.storage.DeleteDocument(ctx, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if err := idx.keywordIndex.DeleteChunks(ctx, chunkIDs); err != nil {
		return fmt.Errorf("failed to delete from keyword index: %w", err)
	}
	idx.invalidate(ctx, orgID)
	idx.logger.Debug("indexer document deleted", zap.String("id", id), zap.Int("chunks", len(chunkIDs)))
	return nil
}

func (idx *Indexer) invalidate(ctx context.Context, orgID string) {
	if idx.cache == nil {
		return
	}
	if _, err := idx.cache.Invalidate(ctx, "*", cache.Options{OrgID: orgID, Namespace: cache.NamespaceSearch}); err != nil {
		idx.logger.Warn("search cache invalidation failed", zap.String("org_id", orgID), zap.Error(err))
	}
}
