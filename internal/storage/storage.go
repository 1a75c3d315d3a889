// Package storage persists documents, chunks with embeddings, and quota counters.
package storage

import (
	"context"
	"time"

	"github.com/hyperjump/kensaku/internal/models"
)

// Candidate is a chunk eligible for scoring together with its source document fields.
type Candidate struct {
	Chunk             models.Chunk
	DocumentTitle     string
	DocumentCreatedAt time.Time
}

// CandidateFilter scopes candidate retrieval. OrgID is mandatory.
type CandidateFilter struct {
	OrgID         string
	RecordingIDs  []string
	ContentTypes  []string
	TagIDs        []string
	TagMode       models.TagFilterMode
	CollectionID  string
	DateFrom      *time.Time
	DateTo        *time.Time
	FavoritesOnly bool
	Modality      models.Modality
	// ChunkIDs restricts candidates to the given chunks when non-empty.
	ChunkIDs []string
	// Limit caps the candidate pool, newest documents first. Zero means no cap.
	Limit int
	// Unordered skips the newest-first ordering when no Limit is set, letting rows stream.
	Unordered bool
}

// Storage defines document, chunk, and quota counter persistence.
type Storage interface {
	CreateDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error
	GetDocument(ctx context.Context, orgID, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, orgID string, offset, limit int) ([]*models.Document, error)
	// DeleteDocument removes the document and its chunks, returning the deleted chunk IDs.
	DeleteDocument(ctx context.Context, orgID, id string) ([]string, error)

	SearchCandidates(ctx context.Context, filter CandidateFilter) ([]Candidate, error)
	// ScanCandidates streams candidates to fn one row at a time. A non-nil error from fn stops the scan.
	ScanCandidates(ctx context.Context, filter CandidateFilter, fn func(Candidate) error) error

	CountDocuments(ctx context.Context, orgID string) (int64, error)
	CountChunks(ctx context.Context, orgID string) (int64, error)

	ConsumeQuota(ctx context.Context, req QuotaRequest) (*models.QuotaCounter, bool, error)
	ReleaseQuota(ctx context.Context, orgID string, resource models.Resource, amount int64) error
	GetQuotaCounter(ctx context.Context, orgID string, resource models.Resource) (*models.QuotaCounter, error)

	Close() error
}

// QuotaRequest describes one check-and-consume against a counter.
// A zero WindowStart marks a counter that never resets.
type QuotaRequest struct {
	OrgID       string
	Resource    models.Resource
	Amount      int64
	Limit       int64
	WindowStart time.Time
	ResetAt     time.Time
}
