package search

import (
	"context"
	"math"
	"testing"

	"github.com/hyperjump/kensaku/internal/models"
)

func hit(chunk, source string, sim float64, ts *float64, modality models.Modality) models.SearchResult {
	return models.SearchResult{ChunkID: chunk, SourceID: source, Similarity: sim, Timestamp: ts, Modality: modality, CreatedAt: baseTime}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestValidateWeights(t *testing.T) {
	tests := []struct {
		a, v float64
		ok   bool
	}{
		{0.7, 0.3, true},
		{0.5, 0.5005, true},
		{0.5, 0.6, false},
		{1, 0.002, false},
		{-0.5, 1.5, false},
	}
	for _, tt := range tests {
		err := ValidateWeights(tt.a, tt.v)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateWeights(%v, %v) = %v", tt.a, tt.v, err)
		}
		if err != nil && models.KindOf(err) != models.KindValidation {
			t.Errorf("kind = %s", models.KindOf(err))
		}
	}
}

func TestMerger_Merge(t *testing.T) {
	audio := []models.SearchResult{
		hit("a1", "rec", 0.9, seconds(10), models.ModalityAudio),
		hit("a2", "rec", 0.6, seconds(100), models.ModalityAudio),
	}
	visual := []models.SearchResult{
		hit("v1", "rec", 0.8, seconds(13), models.ModalityVisual),
		hit("v2", "rec", 0.5, seconds(200), models.ModalityVisual),
		hit("v3", "other", 0.99, seconds(10), models.ModalityVisual),
	}
	out, err := Merger{}.Merge(audio, visual, 0.7, 0.3, 0)
	if err != nil {
		t.Fatal(err)
	}
	scores := map[string]float64{}
	for _, r := range out {
		scores[r.ChunkID] = r.Similarity
	}
	if len(out) != 4 {
		t.Fatalf("got %d results, want 4 (a1+v1 paired): %+v", len(out), out)
	}
	if !approx(scores["a1"], 0.7*0.9+0.3*0.8) {
		t.Errorf("paired score = %v", scores["a1"])
	}
	if _, ok := scores["v1"]; ok {
		t.Error("paired visual hit should not appear separately")
	}
	if !approx(scores["a2"], 0.7*0.6) || !approx(scores["v2"], 0.3*0.5) || !approx(scores["v3"], 0.3*0.99) {
		t.Errorf("unpaired scores = %v", scores)
	}
	if out[0].ChunkID != "a1" {
		t.Errorf("best = %s", out[0].ChunkID)
	}
	if out[0].Metadata["visual_score"] != 0.8 || out[0].Metadata["audio_score"] != 0.9 || out[0].Metadata["paired_chunk_id"] != "v1" {
		t.Errorf("metadata = %v", out[0].Metadata)
	}
	if audio[0].Similarity != 0.9 || audio[0].Metadata != nil {
		t.Error("inputs must not be modified")
	}
}

func TestMerger_SameChunkAndLimit(t *testing.T) {
	audio := []models.SearchResult{hit("c", "rec", 0.4, nil, "")}
	visual := []models.SearchResult{hit("c", "rec", 0.6, nil, ""), hit("d", "rec", 0.2, nil, "")}
	out, err := Merger{}.Merge(audio, visual, 0.5, 0.5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ChunkID != "c" || !approx(out[0].Similarity, 0.5) {
		t.Errorf("out = %+v", out)
	}
}

func TestMerger_CollapsesSameMoment(t *testing.T) {
	audio := []models.SearchResult{
		hit("a1", "rec", 0.7, seconds(20), models.ModalityAudio),
		hit("a2", "rec", 0.9, seconds(23), models.ModalityAudio),
		hit("a3", "rec", 0.8, seconds(60), models.ModalityAudio),
		hit("a4", "other", 0.6, seconds(21), models.ModalityAudio),
	}
	out, err := Merger{}.Merge(audio, nil, 1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range out {
		ids = append(ids, r.ChunkID)
	}
	want := []string{"a2", "a3", "a4"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestMerger_RejectsWeights(t *testing.T) {
	if _, err := (Merger{}).Merge(nil, nil, 0.9, 0.9, 10); models.KindOf(err) != models.KindValidation {
		t.Errorf("err = %v", err)
	}
}

func TestEngine_MultimodalSearch(t *testing.T) {
	engine, _ := newTestEngine(t,
		fixtureDoc{id: "rec", org: "o", created: baseTime, chunks: []fixtureChunk{
			{id: "speech", text: "roadmap for the mobile launch", modality: models.ModalityAudio, timestamp: seconds(30)},
			{id: "slide", text: "mobile launch roadmap slide", modality: models.ModalityVisual, timestamp: seconds(32)},
			{id: "late", text: "closing remarks", modality: models.ModalityAudio, timestamp: seconds(900)},
		}},
	)
	res, err := engine.MultimodalSearch(context.Background(), "mobile launch roadmap", Options{OrgID: "o", Threshold: 0.2}, 0.6, 0.4)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.AudioHits != 1 || res.Stats.VisualHits != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(res.Results) != 1 || res.Results[0].ChunkID != "speech" {
		t.Fatalf("results = %+v", res.Results)
	}
	if res.Results[0].Metadata["paired_chunk_id"] != "slide" {
		t.Errorf("metadata = %v", res.Results[0].Metadata)
	}

	if _, err := engine.MultimodalSearch(context.Background(), "q", Options{OrgID: "o"}, 0.6, 0.6); models.KindOf(err) != models.KindValidation {
		t.Errorf("bad weights: %v", err)
	}
}
