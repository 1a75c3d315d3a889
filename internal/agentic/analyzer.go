package agentic

import (
	"regexp"
	"strings"
	"unicode"
)

// Intent is the coarse purpose of a query.
type Intent string

const (
	IntentFactual     Intent = "factual"
	IntentComparative Intent = "comparative"
	IntentProcedural  Intent = "procedural"
	IntentExploratory Intent = "exploratory"
)

// Complexity drives how many sub-queries a query is split into.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// AnalyzedQuery is the parsed form of an agentic query.
type AnalyzedQuery struct {
	Original string
	// Terms are normalized content words, stopwords removed.
	Terms []string
	// Phrases are quoted phrases, lowercased.
	Phrases    []string
	Intent     Intent
	Complexity Complexity
	// Parts are the clauses of a compound query, in order. A single-clause query has one part.
	Parts []string
}

var (
	phraseRegex = regexp.MustCompile(`"([^"]+)"`)
	// Clause separators for compound questions. Order matters: longer forms first.
	splitRegex = regexp.MustCompile(`(?i)\s*(?:;|\?\s+|\bcompared (?:to|with)\b|\bversus\b|\bvs\.?\s|\band also\b|\bas well as\b|\band\b)\s*`)
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "with": true, "at": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "it": true,
	"this": true, "that": true, "these": true, "those": true, "what": true, "which": true,
	"who": true, "whom": true, "when": true, "where": true, "why": true, "how": true,
	"do": true, "does": true, "did": true, "can": true, "could": true, "should": true,
	"would": true, "i": true, "we": true, "you": true, "they": true, "me": true, "my": true,
	"our": true, "your": true, "about": true, "between": true, "vs": true, "versus": true,
	"compare": true, "compared": true, "difference": true, "differences": true, "tell": true,
	"explain": true, "describe": true, "there": true, "any": true, "all": true, "also": true,
	"have": true, "has": true, "had": true,
}

var (
	comparativeCues = []string{"compare", "compared", "comparison", "versus", " vs", "difference", "differ", "better than", "worse than", "pros and cons"}
	proceduralCues  = []string{"how to", "how do", "how can", "how should", "steps", "step by step", "guide", "set up", "setup", "configure", "install"}
	factualCues     = []string{"what is", "what are", "what was", "who ", "when ", "where ", "which ", "how many", "how much", "define", "definition"}
)

// QueryAnalyzer classifies queries and extracts their terms.
type QueryAnalyzer struct{}

// NewQueryAnalyzer creates a QueryAnalyzer.
func NewQueryAnalyzer() *QueryAnalyzer {
	return &QueryAnalyzer{}
}

// Analyze parses query into terms, phrases, clauses, intent and complexity.
func (qa *QueryAnalyzer) Analyze(query string) *AnalyzedQuery {
	query = strings.TrimSpace(query)
	result := &AnalyzedQuery{Original: query}

	for _, m := range phraseRegex.FindAllStringSubmatch(query, -1) {
		if phrase := strings.ToLower(strings.TrimSpace(m[1])); phrase != "" {
			result.Phrases = append(result.Phrases, phrase)
		}
	}
	result.Terms = qa.Terms(query)
	result.Parts = qa.splitClauses(query)
	result.Intent = qa.classifyIntent(strings.ToLower(query))
	result.Complexity = qa.classifyComplexity(result)
	return result
}

// Terms returns the distinct normalized content words of text, in order of appearance.
func (qa *QueryAnalyzer) Terms(text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, word := range strings.Fields(text) {
		token := normalizeToken(word)
		if token == "" || stopwords[token] || seen[token] {
			continue
		}
		seen[token] = true
		terms = append(terms, token)
	}
	return terms
}

// normalizeToken lowercases a token and strips edge punctuation, keeping inner hyphens.
func normalizeToken(token string) string {
	token = strings.ToLower(token)
	return strings.TrimFunc(token, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// splitClauses splits a compound query on conjunctions and question breaks. Quoted
// phrases are never split, and clauses without content words are dropped.
func (qa *QueryAnalyzer) splitClauses(query string) []string {
	masked, phrases := maskPhrases(query)
	var parts []string
	for _, raw := range splitRegex.Split(masked, -1) {
		part := strings.TrimSpace(strings.Trim(unmaskPhrases(raw, phrases), " ,.?!"))
		if part == "" || len(qa.Terms(part)) == 0 {
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return []string{query}
	}
	return parts
}

func maskPhrases(query string) (string, []string) {
	var phrases []string
	masked := phraseRegex.ReplaceAllStringFunc(query, func(m string) string {
		phrases = append(phrases, m)
		return "\x00" + string(rune('A'+len(phrases)-1)) + "\x00"
	})
	return masked, phrases
}

func unmaskPhrases(s string, phrases []string) string {
	for i, p := range phrases {
		s = strings.ReplaceAll(s, "\x00"+string(rune('A'+i))+"\x00", p)
	}
	return s
}

func (qa *QueryAnalyzer) classifyIntent(lower string) Intent {
	padded := " " + lower + " "
	for _, cue := range comparativeCues {
		if strings.Contains(padded, cue) {
			return IntentComparative
		}
	}
	for _, cue := range proceduralCues {
		if strings.Contains(padded, cue) {
			return IntentProcedural
		}
	}
	for _, cue := range factualCues {
		if strings.HasPrefix(lower+" ", cue) {
			return IntentFactual
		}
	}
	if strings.HasSuffix(lower, "?") {
		return IntentFactual
	}
	return IntentExploratory
}

func (qa *QueryAnalyzer) classifyComplexity(q *AnalyzedQuery) Complexity {
	switch {
	case len(q.Parts) >= 3 || len(q.Terms) > 12:
		return ComplexityComplex
	case len(q.Parts) == 2 || q.Intent == IntentComparative || len(q.Terms) > 6:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}
