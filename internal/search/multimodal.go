package search

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kensaku/internal/models"
)

const (
	// DefaultProximitySeconds is how close an audio and a visual hit of one source
	// must be to count as the same moment.
	DefaultProximitySeconds = 5.0

	weightTolerance = 0.001
)

// ValidateWeights rejects modality weights that do not sum to one.
func ValidateWeights(audioWeight, visualWeight float64) error {
	if audioWeight < 0 || visualWeight < 0 {
		return models.NewValidationError("audio_weight", "modality weights must not be negative")
	}
	if math.Abs(audioWeight+visualWeight-1) > weightTolerance {
		return models.NewValidationError("audio_weight",
			"audio_weight + visual_weight must equal 1.0 (got %.3f)", audioWeight+visualWeight)
	}
	return nil
}

// Merger fuses audio and visual hits into one ranked list.
type Merger struct {
	ProximitySeconds float64
}

// Merge pairs audio and visual hits of the same source that are within the proximity
// window (or are the same chunk) and scores them audioWeight·a + visualWeight·v.
// Unpaired hits score their similarity times their own weight. The output is
// deduplicated by chunk and by moment (same source and modality within the window),
// sorted best first, and capped at limit (0 means no cap).
func (m Merger) Merge(audio, visual []models.SearchResult, audioWeight, visualWeight float64, limit int) ([]models.SearchResult, error) {
	if err := ValidateWeights(audioWeight, visualWeight); err != nil {
		return nil, err
	}
	proximity := m.ProximitySeconds
	if proximity <= 0 {
		proximity = DefaultProximitySeconds
	}

	usedVisual := make([]bool, len(visual))
	merged := make(map[string]models.SearchResult, len(audio)+len(visual))
	add := func(r models.SearchResult) {
		if prev, ok := merged[r.ChunkID]; ok && prev.Similarity >= r.Similarity {
			return
		}
		merged[r.ChunkID] = r
	}

	for _, a := range audio {
		best := -1
		bestGap := math.Inf(1)
		for j, v := range visual {
			if usedVisual[j] {
				continue
			}
			gap, ok := pairGap(a, v, proximity)
			if !ok {
				continue
			}
			if gap < bestGap || (gap == bestGap && v.Similarity > visual[best].Similarity) {
				best, bestGap = j, gap
			}
		}

		r := a.Clone()
		r.SetMeta("audio_score", a.Similarity)
		if best < 0 {
			r.Similarity = audioWeight * a.Similarity
			r.SetMeta("visual_score", 0.0)
			add(r)
			continue
		}
		v := visual[best]
		usedVisual[best] = true
		r.Similarity = audioWeight*a.Similarity + visualWeight*v.Similarity
		r.SetMeta("visual_score", v.Similarity)
		if v.ChunkID != a.ChunkID {
			r.SetMeta("paired_chunk_id", v.ChunkID)
		}
		add(r)
	}

	for j, v := range visual {
		if usedVisual[j] {
			continue
		}
		r := v.Clone()
		r.Similarity = visualWeight * v.Similarity
		r.SetMeta("audio_score", 0.0)
		r.SetMeta("visual_score", v.Similarity)
		add(r)
	}

	out := make([]models.SearchResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	SortResults(out)
	out = collapseMoments(out, proximity)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// collapseMoments drops hits that repeat a better hit of the same source and modality
// within the proximity window. results must be sorted best first.
func collapseMoments(results []models.SearchResult, proximity float64) []models.SearchResult {
	kept := results[:0]
	for _, r := range results {
		duplicate := false
		for _, k := range kept {
			if sameMoment(k, r, proximity) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, r)
		}
	}
	return kept
}

func sameMoment(a, b models.SearchResult, proximity float64) bool {
	if a.SourceID != b.SourceID || a.Modality != b.Modality || a.Timestamp == nil || b.Timestamp == nil {
		return false
	}
	return math.Abs(*a.Timestamp-*b.Timestamp) <= proximity
}

// pairGap reports whether a and v describe the same moment and how far apart they are.
func pairGap(a, v models.SearchResult, proximity float64) (float64, bool) {
	if a.ChunkID == v.ChunkID {
		return 0, true
	}
	if a.SourceID != v.SourceID || a.Timestamp == nil || v.Timestamp == nil {
		return 0, false
	}
	gap := math.Abs(*a.Timestamp - *v.Timestamp)
	return gap, gap <= proximity
}

// MultimodalResult is the outcome of a multimodal search.
type MultimodalResult struct {
	Results []models.SearchResult
	Stats   models.MultimodalStats
}

// MultimodalSearch runs the audio and visual searches concurrently and merges them.
// Weights are validated before any provider call.
func (e *Engine) MultimodalSearch(ctx context.Context, query string, opts Options, audioWeight, visualWeight float64) (*MultimodalResult, error) {
	if err := ValidateWeights(audioWeight, visualWeight); err != nil {
		return nil, err
	}
	if err := e.validate(query, &opts); err != nil {
		return nil, err
	}

	var audio, visual []models.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o := opts
		o.Modality = models.ModalityAudio
		var err error
		audio, err = e.Search(gctx, query, o)
		return err
	})
	g.Go(func() error {
		o := opts
		o.Modality = models.ModalityVisual
		var err error
		visual, err = e.Search(gctx, query, o)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged, err := Merger{ProximitySeconds: e.config.ProximitySeconds}.Merge(audio, visual, audioWeight, visualWeight, opts.Limit)
	if err != nil {
		return nil, err
	}
	return &MultimodalResult{
		Results: merged,
		Stats: models.MultimodalStats{
			AudioWeight:  audioWeight,
			VisualWeight: visualWeight,
			AudioHits:    len(audio),
			VisualHits:   len(visual),
		},
	}, nil
}
