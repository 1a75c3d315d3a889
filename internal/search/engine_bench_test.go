package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/internal/vector"
)

func BenchmarkFuse(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Fuse(float64(i%100)/100, float64(100-i%100)/100, 0.7)
	}
}

func BenchmarkCosineSimilarity(b *testing.B) {
	x := make([]float32, 384)
	y := make([]float32, 384)
	for i := range x {
		x[i] = float32(i) / 384
		y[i] = float32(384-i) / 384
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = vector.CosineSimilarity(x, y)
	}
}

func BenchmarkMockEmbedder_Embed(b *testing.B) {
	e := embedding.NewMockEmbedder(384)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, "benchmark query text for embedding")
	}
}

func benchmarkEngine(b *testing.B, chunks int) *Engine {
	b.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = kw.Close() })
	emb := embedding.NewMockEmbedder(384)

	doc := &models.Document{ID: "bench", OrgID: "org", Title: "bench", CreatedAt: baseTime}
	batch := make([]models.Chunk, chunks)
	entries := make([]keyword.Entry, chunks)
	for i := range batch {
		text := fmt.Sprintf("meeting %d notes about topic %d and follow-up %d", i, i%37, i%11)
		vec, _ := emb.Embed(ctx, text)
		batch[i] = models.Chunk{
			ID: fmt.Sprintf("c%d", i), DocumentID: doc.ID, Index: i, Text: text, EndOffset: len(text),
			StructureType: models.StructureProse, BoundaryType: models.BoundarySizeLimit, Embedding: vec,
		}
		entries[i] = keyword.Entry{ChunkID: batch[i].ID, DocumentID: doc.ID, OrgID: doc.OrgID, Title: doc.Title, Text: text}
	}
	if err := store.CreateDocument(ctx, doc, batch); err != nil {
		b.Fatal(err)
	}
	if err := kw.IndexChunks(ctx, entries); err != nil {
		b.Fatal(err)
	}
	return NewEngine(store, emb, kw, DefaultConfig())
}

func BenchmarkEngine_Search(b *testing.B) {
	engine := benchmarkEngine(b, 1000)
	ctx := context.Background()
	for _, mode := range []models.SearchMode{models.ModeVector, models.ModeHybrid} {
		b.Run(string(mode), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := engine.Search(ctx, "topic 12 follow-up", Options{OrgID: "org", Mode: mode}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
