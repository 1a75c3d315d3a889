package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/vector"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. ":memory:" opens a private in-memory database.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers (quota updates) and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		title TEXT,
		recording_id TEXT,
		content_type TEXT,
		collection_id TEXT,
		is_favorite INTEGER NOT NULL DEFAULT 0,
		content_bytes INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_org_created ON documents(org_id, created_at);

	CREATE TABLE IF NOT EXISTS document_tags (
		document_id TEXT NOT NULL,
		tag_id TEXT NOT NULL,
		PRIMARY KEY (document_id, tag_id)
	);

	CREATE INDEX IF NOT EXISTS idx_document_tags_tag ON document_tags(tag_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		structure_type TEXT NOT NULL,
		semantic_score REAL NOT NULL,
		token_count INTEGER NOT NULL,
		boundary_type TEXT NOT NULL,
		modality TEXT,
		timestamp_seconds REAL,
		embedding BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_org ON chunks(org_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, chunk_index);

	CREATE TABLE IF NOT EXISTS quota_counters (
		org_id TEXT NOT NULL,
		resource TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		quota_limit INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		reset_at INTEGER NOT NULL,
		PRIMARY KEY (org_id, resource)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateDocument inserts a document, its tags, and its chunks in one transaction.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if doc.OrgID == "" {
		return models.NewValidationError("org_id", "org_id is required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, org_id, title, recording_id, content_type, collection_id, is_favorite, content_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OrgID, doc.Title, doc.RecordingID, doc.ContentType, doc.CollectionID,
		boolToInt(doc.Favorite), doc.ContentBytes, doc.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	for _, tag := range doc.TagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO document_tags (document_id, tag_id) VALUES (?, ?)`, doc.ID, tag); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, document_id, org_id, chunk_index, content, start_offset, end_offset,
			structure_type, semantic_score, token_count, boundary_type, modality, timestamp_seconds, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var ts interface{}
		if c.Timestamp != nil {
			ts = *c.Timestamp
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, doc.ID, doc.OrgID, c.Index, c.Text, c.StartOffset, c.EndOffset,
			string(c.StructureType), c.SemanticScore, c.TokenCount, string(c.BoundaryType),
			string(c.Modality), ts, vector.Encode(c.Embedding),
		); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	doc.ChunkCount = len(chunks)
	return nil
}

const documentColumns = `d.id, d.org_id, d.title, d.recording_id, d.content_type, d.collection_id,
	d.is_favorite, d.content_bytes, d.created_at,
	(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id)`

func scanDocument(row interface{ Scan(...interface{}) error }) (*models.Document, error) {
	var (
		doc                                   models.Document
		title, recording, contentType, collID sql.NullString
		favorite                              int
		createdAt                             int64
	)
	if err := row.Scan(&doc.ID, &doc.OrgID, &title, &recording, &contentType, &collID,
		&favorite, &doc.ContentBytes, &createdAt, &doc.ChunkCount); err != nil {
		return nil, err
	}
	doc.Title = title.String
	doc.RecordingID = recording.String
	doc.ContentType = contentType.String
	doc.CollectionID = collID.String
	doc.Favorite = favorite != 0
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &doc, nil
}

// GetDocument returns a document by ID within orgID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, orgID, id string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents d WHERE d.id = ? AND d.org_id = ?`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	tags, err := s.documentTags(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.TagIDs = tags
	return doc, nil
}

func (s *SQLiteStorage) documentTags(ctx context.Context, docID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag_id FROM document_tags WHERE document_id = ? ORDER BY tag_id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ListDocuments returns an organization's documents, newest first.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, orgID string, offset, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents d WHERE d.org_id = ?
		 ORDER BY d.created_at DESC, d.id LIMIT ? OFFSET ?`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document, its tags, and its chunks. Documents of other
// organizations are reported as not found.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, orgID, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = ?`, id)
	if err != nil {
		return nil, err
	}
	var chunkIDs []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return nil, err
		}
		chunkIDs = append(chunkIDs, cid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_tags WHERE document_id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return chunkIDs, nil
}

// SearchCandidates returns chunks of filter.OrgID that pass every filter, newest documents first.
func (s *SQLiteStorage) SearchCandidates(ctx context.Context, f CandidateFilter) ([]Candidate, error) {
	f.Unordered = false
	var out []Candidate
	err := s.ScanCandidates(ctx, f, func(c Candidate) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanCandidates streams the chunks of filter.OrgID that pass every filter to fn.
func (s *SQLiteStorage) ScanCandidates(ctx context.Context, f CandidateFilter, fn func(Candidate) error) error {
	if f.OrgID == "" {
		return models.NewValidationError("org_id", "org_id is required")
	}

	var b strings.Builder
	args := []interface{}{f.OrgID, f.OrgID}
	b.WriteString(`SELECT c.id, c.document_id, c.org_id, c.chunk_index, c.content, c.start_offset, c.end_offset,
		c.structure_type, c.semantic_score, c.token_count, c.boundary_type, c.modality, c.timestamp_seconds,
		c.embedding, d.title, d.created_at
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.org_id = ? AND d.org_id = ?`)

	if len(f.RecordingIDs) > 0 {
		b.WriteString(` AND d.recording_id IN (` + placeholders(len(f.RecordingIDs)) + `)`)
		args = appendStrings(args, f.RecordingIDs)
	}
	if len(f.ContentTypes) > 0 {
		b.WriteString(` AND d.content_type IN (` + placeholders(len(f.ContentTypes)) + `)`)
		args = appendStrings(args, f.ContentTypes)
	}
	if len(f.TagIDs) > 0 {
		if f.TagMode == models.TagFilterAll {
			b.WriteString(` AND (SELECT COUNT(DISTINCT t.tag_id) FROM document_tags t
				WHERE t.document_id = d.id AND t.tag_id IN (` + placeholders(len(f.TagIDs)) + `)) = ?`)
			args = appendStrings(args, f.TagIDs)
			args = append(args, len(uniqueStrings(f.TagIDs)))
		} else {
			b.WriteString(` AND d.id IN (SELECT t.document_id FROM document_tags t
				WHERE t.tag_id IN (` + placeholders(len(f.TagIDs)) + `))`)
			args = appendStrings(args, f.TagIDs)
		}
	}
	if f.CollectionID != "" {
		b.WriteString(` AND d.collection_id = ?`)
		args = append(args, f.CollectionID)
	}
	if f.DateFrom != nil {
		b.WriteString(` AND d.created_at >= ?`)
		args = append(args, f.DateFrom.UnixMilli())
	}
	if f.DateTo != nil {
		b.WriteString(` AND d.created_at <= ?`)
		args = append(args, f.DateTo.UnixMilli())
	}
	if f.FavoritesOnly {
		b.WriteString(` AND d.is_favorite = 1`)
	}
	if f.Modality != "" {
		b.WriteString(` AND c.modality = ?`)
		args = append(args, string(f.Modality))
	}
	if len(f.ChunkIDs) > 0 {
		b.WriteString(` AND c.id IN (` + placeholders(len(f.ChunkIDs)) + `)`)
		args = appendStrings(args, f.ChunkIDs)
	}
	if !f.Unordered || f.Limit > 0 {
		b.WriteString(` ORDER BY d.created_at DESC, c.document_id, c.chunk_index`)
	}
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cand      Candidate
			c         = &cand.Chunk
			modality  sql.NullString
			ts        sql.NullFloat64
			blob      []byte
			title     sql.NullString
			createdAt int64
			structure string
			boundary  string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.OrgID, &c.Index, &c.Text, &c.StartOffset, &c.EndOffset,
			&structure, &c.SemanticScore, &c.TokenCount, &boundary, &modality, &ts,
			&blob, &title, &createdAt); err != nil {
			return err
		}
		c.StructureType = models.StructureType(structure)
		c.BoundaryType = models.BoundaryType(boundary)
		c.Modality = models.Modality(modality.String)
		if ts.Valid {
			v := ts.Float64
			c.Timestamp = &v
		}
		emb, err := vector.Decode(blob)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		c.Embedding = emb
		cand.DocumentTitle = title.String
		cand.DocumentCreatedAt = time.UnixMilli(createdAt).UTC()
		if err := fn(cand); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountDocuments returns the number of documents of orgID, or of all organizations when orgID is empty.
func (s *SQLiteStorage) CountDocuments(ctx context.Context, orgID string) (int64, error) {
	return s.count(ctx, "documents", orgID)
}

// CountChunks returns the number of chunks of orgID, or of all organizations when orgID is empty.
func (s *SQLiteStorage) CountChunks(ctx context.Context, orgID string) (int64, error) {
	return s.count(ctx, "chunks", orgID)
}

func (s *SQLiteStorage) count(ctx context.Context, table, orgID string) (int64, error) {
	var n int64
	var err error
	if orgID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE org_id = ?`, orgID).Scan(&n)
	}
	return n, err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendStrings(args []interface{}, values []string) []interface{} {
	for _, v := range values {
		args = append(args, v)
	}
	return args
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
