package keyword

import (
	"context"
	"path/filepath"
	"testing"
)

func newMemIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex("")
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func seedIndex(t *testing.T, idx *BleveIndex) {
	t.Helper()
	entries := []Entry{
		{ChunkID: "a1", DocumentID: "da", OrgID: "org-a", Title: "Weekly_sync", Text: "We discussed the Kubernetes migration and the Bayes model."},
		{ChunkID: "a2", DocumentID: "da", OrgID: "org-a", Title: "Weekly_sync", Text: "Budget review for the next quarter."},
		{ChunkID: "b1", DocumentID: "db", OrgID: "org-b", Title: "Secret plans", Text: "Kubernetes migration is confidential."},
	}
	if err := idx.IndexChunks(context.Background(), entries); err != nil {
		t.Fatalf("IndexChunks: %v", err)
	}
}

func TestBleveIndex_SearchIsTenantScoped(t *testing.T) {
	idx := newMemIndex(t)
	seedIndex(t, idx)
	ctx := context.Background()

	results, err := idx.Search(ctx, "org-a", "kubernetes migration", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a1" {
		t.Fatalf("org-a results = %+v, want only a1", results)
	}
	if results[0].Score <= 0 {
		t.Errorf("score = %v, want > 0", results[0].Score)
	}

	results, err = idx.Search(ctx, "org-b", "kubernetes", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "b1" {
		t.Fatalf("org-b results = %+v, want only b1", results)
	}

	results, err = idx.Search(ctx, "org-c", "kubernetes", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("unknown org got %d results", len(results))
	}
}

func TestBleveIndex_NoStemming(t *testing.T) {
	idx := newMemIndex(t)
	seedIndex(t, idx)
	results, err := idx.Search(context.Background(), "org-a", "bayes", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a1" {
		t.Errorf("results = %+v, want a1", results)
	}
}

func TestBleveIndex_TitleBoost(t *testing.T) {
	idx := newMemIndex(t)
	seedIndex(t, idx)
	ctx := context.Background()

	results, err := idx.Search(ctx, "org-a", "weekly", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("title should not match without boost, got %+v", results)
	}

	results, err = idx.Search(ctx, "org-a", "weekly", 10, &SearchOptions{TitleBoost: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected both org-a chunks via title, got %+v", results)
	}
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx := newMemIndex(t)
	seedIndex(t, idx)
	ctx := context.Background()

	results, err := idx.Search(ctx, "org-a", "budgte", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("exact search should miss a typo, got %+v", results)
	}
	results, err = idx.Search(ctx, "org-a", "budgte", 10, &SearchOptions{FuzzyEnabled: true, Fuzziness: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a2" {
		t.Errorf("fuzzy results = %+v, want a2", results)
	}
}

func TestBleveIndex_DeleteChunks(t *testing.T) {
	idx := newMemIndex(t)
	seedIndex(t, idx)
	ctx := context.Background()

	if err := idx.DeleteChunks(ctx, []string{"a1", "missing"}); err != nil {
		t.Fatalf("DeleteChunks: %v", err)
	}
	n, err := idx.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("DocCount = %d, want 2", n)
	}
	results, _ := idx.Search(ctx, "org-a", "kubernetes", 10, nil)
	if len(results) != 0 {
		t.Errorf("deleted chunk still found: %+v", results)
	}
}

func TestBleveIndex_EdgeCases(t *testing.T) {
	idx := newMemIndex(t)
	seedIndex(t, idx)
	ctx := context.Background()

	if _, err := idx.Search(ctx, "", "budget", 10, nil); err == nil {
		t.Error("expected error for empty org")
	}
	results, err := idx.Search(ctx, "org-a", "   ", 10, nil)
	if err != nil || len(results) != 0 {
		t.Errorf("blank query: results=%v err=%v", results, err)
	}
	results, err = idx.Search(ctx, "org-a", "budget", 0, nil)
	if err != nil || len(results) != 0 {
		t.Errorf("zero limit: results=%v err=%v", results, err)
	}
	if err := idx.IndexChunks(ctx, []Entry{{ChunkID: "x", Text: "no org"}}); err == nil {
		t.Error("expected error for entry without org")
	}
}

func TestBleveIndex_ReopenOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleve")
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	seedIndex(t, idx)
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	n, err := reopened.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("DocCount after reopen = %d, want 3", n)
	}
}
