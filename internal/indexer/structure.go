package indexer

import (
	"regexp"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
)

// block is a byte range of the source. Prose blocks have StructureProse.
type block struct {
	kind       models.StructureType
	start, end int
}

type line struct {
	start, end int // end excludes the newline
	text       string
}

var listItemRe = regexp.MustCompile(`^\s{0,3}(?:[-*+•]|\d{1,3}[.)])\s+\S`)

func splitLines(text string) []line {
	var lines []line
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			end := i
			if end > start && text[end-1] == '\r' {
				end--
			}
			lines = append(lines, line{start: start, end: end, text: text[start:end]})
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, line{start: start, end: len(text), text: text[start:]})
	}
	return lines
}

func isBlank(l line) bool {
	return strings.TrimSpace(l.text) == ""
}

// fenceOf returns the fence marker ("```" or "~~~" runs) opening a code block, or "".
func fenceOf(l line) string {
	t := strings.TrimLeft(l.text, " \t")
	for _, c := range []byte{'`', '~'} {
		n := 0
		for n < len(t) && t[n] == c {
			n++
		}
		if n >= 3 {
			return t[:n]
		}
	}
	return ""
}

func closesFence(l line, fence string) bool {
	t := strings.TrimSpace(l.text)
	return strings.HasPrefix(t, fence) && strings.Trim(t, fence[:1]) == ""
}

func isListItem(l line) bool {
	return listItemRe.MatchString(l.text)
}

func isListContinuation(l line) bool {
	return !isBlank(l) && (strings.HasPrefix(l.text, "  ") || strings.HasPrefix(l.text, "\t"))
}

func isTableRow(l line) bool {
	t := strings.TrimSpace(l.text)
	if t == "" {
		return false
	}
	return strings.HasPrefix(t, "|") || strings.Count(t, "|") >= 2
}

// detectBlocks partitions text into prose and structural blocks using a line scan.
// Fenced code runs to its closing fence or the end of input. Lists are consecutive
// items with indented continuations; a blank line ends the list unless another item
// follows. Tables need at least two consecutive pipe rows.
func detectBlocks(text string) []block {
	lines := splitLines(text)
	var blocks []block
	proseStart := -1

	flushProse := func(end int) {
		if proseStart >= 0 && strings.TrimSpace(text[proseStart:end]) != "" {
			blocks = append(blocks, block{kind: models.StructureProse, start: proseStart, end: end})
		}
		proseStart = -1
	}
	addStructure := func(kind models.StructureType, first, last int) {
		flushProse(lines[first].start)
		blocks = append(blocks, block{kind: kind, start: lines[first].start, end: lines[last].end})
	}

	for i := 0; i < len(lines); {
		l := lines[i]

		if fence := fenceOf(l); fence != "" {
			j := i + 1
			for j < len(lines) && !closesFence(lines[j], fence) {
				j++
			}
			if j == len(lines) {
				j--
			}
			addStructure(models.StructureCode, i, j)
			i = j + 1
			continue
		}

		if isTableRow(l) && i+1 < len(lines) && isTableRow(lines[i+1]) {
			j := i + 1
			for j+1 < len(lines) && isTableRow(lines[j+1]) {
				j++
			}
			addStructure(models.StructureTable, i, j)
			i = j + 1
			continue
		}

		if isListItem(l) {
			last := i
			j := i + 1
			for j < len(lines) {
				switch {
				case isListItem(lines[j]) || isListContinuation(lines[j]):
					last = j
					j++
					continue
				case isBlank(lines[j]):
					k := j
					for k < len(lines) && isBlank(lines[k]) {
						k++
					}
					if k < len(lines) && isListItem(lines[k]) {
						last = k
						j = k + 1
						continue
					}
				}
				break
			}
			addStructure(models.StructureList, i, last)
			i = last + 1
			continue
		}

		if proseStart < 0 {
			proseStart = l.start
		}
		i++
	}
	flushProse(len(text))
	return blocks
}
