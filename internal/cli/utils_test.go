package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kensaku/internal/models"
)

func sampleResponse() *models.SearchResponse {
	ts := 12.5
	return &models.SearchResponse{
		Query: "budget review",
		Mode:  models.ModeHybrid,
		Count: 2,
		Results: []models.SearchResult{
			{
				ChunkID:     "c1",
				SourceID:    "doc-1",
				SourceTitle: "Q3 Planning",
				Text:        "The budget review is scheduled for Friday.",
				Similarity:  0.91,
				Modality:    models.ModalityAudio,
				Timestamp:   &ts,
			},
			{
				ChunkID:    "c2",
				SourceID:   "doc-2",
				Text:       "Finance wants the  review\n notes by Monday.",
				Similarity: 0.72,
			},
		},
		Timings: models.Timings{TotalMs: 42},
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputText, false},
		{"text", OutputText, false},
		{"compact", OutputCompact, false},
		{"json", OutputJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOutputFormat(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Query != response.Query || decoded.Count != 2 {
		t.Errorf("decoded query=%q count=%d", decoded.Query, decoded.Count)
	}
	if len(decoded.Results) != 2 || decoded.Results[0].ChunkID != "c1" {
		t.Errorf("decoded results: %+v", decoded.Results)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	response := sampleResponse()
	response.Cached = true
	response.CacheLayer = "memory"
	response.Agentic = &models.AgenticSummary{
		Intent:     "factual",
		Complexity: "simple",
		Confidence: 0.8,
		Iterations: []models.RetrievalIteration{{Number: 1, SubQuery: "budget review", ResultsFetched: 2}},
	}
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{
		"Found 2 results", "42ms", "mode: hybrid", "cached in memory",
		"Rank: 1", "audio @ 12.5s", "Chunk: c1 (source doc-1)", "Title: Q3 Planning",
		"intent=factual", `#1 "budget review" fetched=2`,
	} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
}

func TestWriteSearchResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d:\n%s", len(lines), buf.String())
	}
	if lines[1] != "2\t0.7200\tc2\tFinance wants the review notes by Monday." {
		t.Errorf("line 2 = %q", lines[1])
	}
}

func TestWriteSearchResults_unknownFormatTreatedAsText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, &models.SearchResponse{Mode: models.ModeVector}, OutputFormat("unknown")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Found 0 results") {
		t.Errorf("unknown format should fall back to text; got %q", buf.String())
	}
}

func TestWriteChunks(t *testing.T) {
	chunks := []models.Chunk{
		{Index: 0, Text: "| a | b |", StartOffset: 0, EndOffset: 9, StructureType: models.StructureTable, BoundaryType: models.BoundaryStructureBoundary},
	}
	var buf bytes.Buffer
	if err := WriteChunks(&buf, chunks, OutputText); err != nil {
		t.Fatal(err)
	}
	if out := buf.String(); !strings.Contains(out, "1 chunk(s)") || !strings.Contains(out, "table") {
		t.Errorf("unexpected chunk output:\n%s", out)
	}
	buf.Reset()
	if err := WriteChunks(&buf, chunks, OutputCompact); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "0\t0-9\ttable\tstructure_boundary\n" {
		t.Errorf("compact = %q", got)
	}
}

func TestWriteUsage(t *testing.T) {
	reset := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	_ = WriteUsage(&buf, &models.QuotaCounter{Resource: models.ResourceSearch, Used: 3, Limit: 100, ResetAt: reset}, OutputText)
	if got := buf.String(); got != "search: 3 of 100 used, resets at 2026-11-01T00:00:00Z\n" {
		t.Errorf("usage = %q", got)
	}
	buf.Reset()
	_ = WriteUsage(&buf, &models.QuotaCounter{Resource: models.ResourceStorage, Used: 10, Limit: -1}, OutputText)
	if got := buf.String(); got != "storage: 10 of unlimited used\n" {
		t.Errorf("usage = %q", got)
	}
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		name     string
		s        string
		maxWords int
		want     string
	}{
		{"empty", "", 3, ""},
		{"few words", "one two", 3, "one two"},
		{"exact", "one two three", 3, "one two three"},
		{"more", "one two three four", 3, "one two three..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateWords(tt.s, tt.maxWords); got != tt.want {
				t.Errorf("TruncateWords(%q, %d) = %q, want %q", tt.s, tt.maxWords, got, tt.want)
			}
		})
	}
}
