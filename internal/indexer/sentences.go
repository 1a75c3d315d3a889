package indexer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// span is a sentence-sized byte range of the source.
type span struct {
	start, end int
	paraBreak  bool // a blank line follows this span
}

const sentenceClosers = `"')]`

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f' || b == '\v'
}

// splitSentences segments text[rs:re] into trimmed sentence spans. A sentence ends at
// terminal punctuation followed by whitespace, or at a paragraph break.
func splitSentences(text string, rs, re int) []span {
	var out []span
	start := -1
	for i := rs; i < re; {
		r, size := utf8.DecodeRuneInString(text[i:re])
		if start < 0 {
			if unicode.IsSpace(r) {
				i += size
				continue
			}
			start = i
		}

		if r == '\n' {
			j := i + 1
			for j < re && (text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < re && text[j] == '\n' {
				out = append(out, trimRight(text, start, i))
				start = -1
				i = j + 1
				continue
			}
		}

		if r == '.' || r == '!' || r == '?' || r == '。' {
			j := i + size
			for j < re && strings.IndexByte(sentenceClosers, text[j]) >= 0 {
				j++
			}
			if j >= re || isSpaceByte(text[j]) {
				out = append(out, span{start: start, end: j})
				start = -1
				i = j
				continue
			}
		}
		i += size
	}
	if start >= 0 {
		out = append(out, trimRight(text, start, re))
	}

	for k := 0; k+1 < len(out); k++ {
		gap := text[out[k].end:out[k+1].start]
		out[k].paraBreak = strings.Count(gap, "\n") >= 2
	}
	return out
}

func trimRight(text string, start, end int) span {
	for end > start && isSpaceByte(text[end-1]) {
		end--
	}
	return span{start: start, end: end}
}

// splitLong breaks a span longer than max bytes on word boundaries. A single word
// longer than max is cut on rune boundaries. Only the last piece keeps paraBreak.
func splitLong(text string, s span, max int) []span {
	if s.end-s.start <= max {
		return []span{s}
	}
	var out []span
	pieceStart := s.start
	lastWordEnd := -1
	i := s.start
	for i < s.end {
		for i < s.end && isSpaceByte(text[i]) {
			i++
		}
		ws := i
		for i < s.end && !isSpaceByte(text[i]) {
			i++
		}
		we := i
		if ws == we {
			break
		}
		if we-pieceStart > max && lastWordEnd > pieceStart {
			out = append(out, span{start: pieceStart, end: lastWordEnd})
			pieceStart = ws
		}
		for we-pieceStart > max {
			cut := pieceStart + max
			for cut > pieceStart && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == pieceStart {
				break
			}
			out = append(out, span{start: pieceStart, end: cut})
			pieceStart = cut
		}
		lastWordEnd = we
	}
	if pieceStart < s.end {
		out = append(out, span{start: pieceStart, end: s.end})
	}
	out[len(out)-1].paraBreak = s.paraBreak
	return out
}
