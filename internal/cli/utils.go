// Package cli provides output formatting and an API client for the kensaku command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per item.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
// Unknown formats are written as text.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for i, r := range response.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", i+1, r.Similarity, r.ChunkID,
				TruncateWords(utils.CollapseWhitespace(r.Text), 12))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms (mode: %s", response.Count, response.Timings.TotalMs, response.Mode)
	if response.Reranked {
		fmt.Fprint(w, ", reranked")
	}
	if response.Cached {
		fmt.Fprintf(w, ", cached in %s", response.CacheLayer)
	}
	fmt.Fprint(w, ")\n\n")
	for i, result := range response.Results {
		writeOneResult(w, i+1, result)
	}
	if a := response.Agentic; a != nil {
		fmt.Fprintf(w, "Agentic: intent=%s complexity=%s iterations=%d confidence=%.2f\n",
			a.Intent, a.Complexity, len(a.Iterations), a.Confidence)
		for _, it := range a.Iterations {
			fmt.Fprintf(w, "  #%d %q fetched=%d  %s\n", it.Number, it.SubQuery, it.ResultsFetched, it.Reasoning)
		}
	}
	if rr := response.Rerank; rr != nil && rr.FallbackReason != "" {
		fmt.Fprintf(w, "Rerank fell back: %s\n", rr.FallbackReason)
	}
}

func writeOneResult(w io.Writer, rank int, result models.SearchResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Similarity: %.4f", rank, result.Similarity)
	if result.Modality != "" {
		fmt.Fprintf(w, " | %s", result.Modality)
	}
	if result.Timestamp != nil {
		fmt.Fprintf(w, " @ %.1fs", *result.Timestamp)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Chunk: %s (source %s)\n", result.ChunkID, result.SourceID)
	if result.SourceTitle != "" {
		fmt.Fprintf(w, "Title: %s\n", result.SourceTitle)
	}
	fmt.Fprintf(w, "\n%s\n", utils.Truncate(result.Text, 200))
	fmt.Fprintln(w)
}

// WriteChunks writes a chunking preview.
func WriteChunks(w io.Writer, chunks []models.Chunk, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, chunks)
	case OutputCompact:
		for _, c := range chunks {
			fmt.Fprintf(w, "%d\t%d-%d\t%s\t%s\n", c.Index, c.StartOffset, c.EndOffset, c.StructureType, c.BoundaryType)
		}
		return nil
	}
	fmt.Fprintf(w, "%d chunk(s)\n\n", len(chunks))
	for _, c := range chunks {
		fmt.Fprintf(w, "[%d] bytes %d-%d  %s  boundary=%s  coherence=%.3f  tokens=%d\n",
			c.Index, c.StartOffset, c.EndOffset, c.StructureType, c.BoundaryType, c.SemanticScore, c.TokenCount)
		fmt.Fprintf(w, "%s\n\n", utils.Truncate(c.Text, 160))
	}
	return nil
}

// WriteUsage writes a quota counter.
func WriteUsage(w io.Writer, usage *models.QuotaCounter, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, usage)
	}
	limit := fmt.Sprintf("%d", usage.Limit)
	if usage.Limit < 0 {
		limit = "unlimited"
	}
	fmt.Fprintf(w, "%s: %d of %s used", usage.Resource, usage.Used, limit)
	if !usage.ResetAt.IsZero() {
		fmt.Fprintf(w, ", resets at %s", usage.ResetAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Fprintln(w)
	return nil
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
