package search

import (
	"container/heap"
	"time"

	"github.com/hyperjump/kensaku/internal/models"
)

// topK keeps the k best results seen so far, ordered as SortResults orders them.
// The root of the heap is the worst kept result.
type topK struct {
	k     int
	items resultHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make(resultHeap, 0, k)}
}

// accepts reports whether a result with these keys would be kept.
func (t *topK) accepts(score float64, createdAt time.Time, chunkID string) bool {
	if t.k <= 0 {
		return false
	}
	if len(t.items) < t.k {
		return true
	}
	worst := t.items[0]
	return ranksBefore(score, createdAt, chunkID, worst.Similarity, worst.CreatedAt, worst.ChunkID)
}

func (t *topK) push(r models.SearchResult) {
	if !t.accepts(r.Similarity, r.CreatedAt, r.ChunkID) {
		return
	}
	if len(t.items) < t.k {
		heap.Push(&t.items, r)
		return
	}
	t.items[0] = r
	heap.Fix(&t.items, 0)
}

// sorted returns the kept results best first.
func (t *topK) sorted() []models.SearchResult {
	out := make([]models.SearchResult, len(t.items))
	copy(out, t.items)
	SortResults(out)
	return out
}

// ranksBefore mirrors the SortResults order: higher score, then newer source, then chunk ID.
func ranksBefore(score float64, created time.Time, id string, otherScore float64, otherCreated time.Time, otherID string) bool {
	if score != otherScore {
		return score > otherScore
	}
	if !created.Equal(otherCreated) {
		return created.After(otherCreated)
	}
	return id < otherID
}

type resultHeap []models.SearchResult

func (h resultHeap) Len() int { return len(h) }

func (h resultHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	return ranksBefore(b.Similarity, b.CreatedAt, b.ChunkID, a.Similarity, a.CreatedAt, a.ChunkID)
}

func (h resultHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(models.SearchResult)) }

func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	*h = old[:n-1]
	return r
}
