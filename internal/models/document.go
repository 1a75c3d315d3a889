// Package models defines core data structures for documents, chunks, and search results.
package models

import "time"

// StructureType classifies the content of a chunk.
type StructureType string

const (
	StructureProse StructureType = "prose"
	StructureCode  StructureType = "code"
	StructureList  StructureType = "list"
	StructureTable StructureType = "table"
)

// BoundaryType records why a chunk ended where it did.
type BoundaryType string

const (
	BoundarySemanticBreak     BoundaryType = "semantic_break"
	BoundarySizeLimit         BoundaryType = "size_limit"
	BoundaryStructureBoundary BoundaryType = "structure_boundary"
	BoundaryTopicShift        BoundaryType = "topic_shift"
)

// Modality is the channel a chunk was extracted from.
type Modality string

const (
	ModalityAudio  Modality = "audio"
	ModalityVisual Modality = "visual"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	return m == ModalityAudio || m == ModalityVisual
}

// Document is a stored source (usually a transcribed recording) owned by one organization.
type Document struct {
	ID           string    `json:"id" db:"id"`
	OrgID        string    `json:"org_id" db:"org_id"`
	Title        string    `json:"title" db:"title"`
	RecordingID  string    `json:"recording_id,omitempty" db:"recording_id"`
	ContentType  string    `json:"content_type,omitempty" db:"content_type"`
	CollectionID string    `json:"collection_id,omitempty" db:"collection_id"`
	TagIDs       []string  `json:"tag_ids,omitempty" db:"-"`
	Favorite     bool      `json:"favorite" db:"is_favorite"`
	ContentBytes int64     `json:"content_bytes" db:"content_bytes"`
	ChunkCount   int       `json:"chunk_count" db:"-"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Chunk is a contiguous, immutable span of a document's text.
// StartOffset and EndOffset are byte offsets into the document content.
type Chunk struct {
	ID            string        `json:"id" db:"id"`
	DocumentID    string        `json:"document_id" db:"document_id"`
	OrgID         string        `json:"org_id,omitempty" db:"org_id"`
	Index         int           `json:"index" db:"chunk_index"`
	Text          string        `json:"text" db:"content"`
	StartOffset   int           `json:"start_offset" db:"start_offset"`
	EndOffset     int           `json:"end_offset" db:"end_offset"`
	StructureType StructureType `json:"structure_type" db:"structure_type"`
	SemanticScore float64       `json:"semantic_score" db:"semantic_score"`
	TokenCount    int           `json:"token_count" db:"token_count"`
	BoundaryType  BoundaryType  `json:"boundary_type" db:"boundary_type"`
	Modality      Modality      `json:"modality,omitempty" db:"modality"`
	Timestamp     *float64      `json:"timestamp,omitempty" db:"timestamp_seconds"`
	Embedding     []float32     `json:"-" db:"-"`
}

// Segment is a timed piece of a transcript. Segments are chunked independently
// so that chunks carry the segment's timestamp and modality.
type Segment struct {
	Text         string   `json:"text"`
	StartSeconds *float64 `json:"start_seconds,omitempty"`
	Modality     Modality `json:"modality,omitempty"`
}

// DocumentInput is the payload for ingesting a document.
type DocumentInput struct {
	ID           string    `json:"id,omitempty"`
	OrgID        string    `json:"org_id"`
	Title        string    `json:"title,omitempty"`
	RecordingID  string    `json:"recording_id,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	CollectionID string    `json:"collection_id,omitempty"`
	TagIDs       []string  `json:"tag_ids,omitempty"`
	Favorite     bool      `json:"favorite,omitempty"`
	Content      string    `json:"content,omitempty"`
	Segments     []Segment `json:"segments,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// ContentSize returns the number of bytes the input will occupy once joined.
func (in *DocumentInput) ContentSize() int64 {
	if len(in.Segments) == 0 {
		return int64(len(in.Content))
	}
	var n int64
	for i, s := range in.Segments {
		if i > 0 {
			n += int64(len(SegmentSeparator))
		}
		n += int64(len(s.Text))
	}
	return n
}

// SegmentSeparator joins segment texts into the stored document content.
const SegmentSeparator = "\n\n"
