// Package formatter splits long answers into chunks that fit the delivery
// channel's message size limit.
package formatter

import (
	"iter"
	"slices"
	"strings"
	"unicode"
)

// DefaultMaxLength is the hard chunk limit used when none is given.
const DefaultMaxLength = 4096

// boundary ranks, best first
const (
	rankNone = iota
	rankWord
	rankSentence
	rankLine
	rankParagraph
)

// Splitter cuts text at the best boundary inside a soft window and never
// produces a chunk longer than Hard runes.
type Splitter struct {
	Soft int
	Hard int
}

// New returns a splitter for the given hard limit. The soft target sits an
// eighth below it so that a protected span can finish before the limit.
func New(hard int) Splitter {
	if hard <= 0 {
		hard = DefaultMaxLength
	}
	soft := hard - hard/8
	if soft < 1 {
		soft = 1
	}
	return Splitter{Soft: soft, Hard: hard}
}

// Chunks lazily yields text in chunks of at most maxLength runes.
func Chunks(text string, maxLength int) iter.Seq[string] {
	return New(maxLength).Chunks(text)
}

// Split returns all chunks of text.
func Split(text string, maxLength int) []string {
	return slices.Collect(Chunks(text, maxLength))
}

// Chunks implements the package-level Chunks for this splitter. The
// sequence can be ranged over any number of times.
func (s Splitter) Chunks(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		runes := []rune(text)
		spans := protectedSpans(runes)

		start := 0
		for start < len(runes) {
			end := len(runes)
			cut := end-start > s.Hard
			if cut {
				end = s.cutPoint(runes, spans, start)
			}

			chunk := string(runes[start:end])
			if start > 0 {
				chunk = strings.TrimLeftFunc(chunk, unicode.IsSpace)
			}
			if cut {
				chunk = strings.TrimRightFunc(chunk, unicode.IsSpace)
			}
			if strings.TrimSpace(chunk) != "" {
				if !yield(chunk) {
					return
				}
			}

			start = end
			for start < len(runes) && unicode.IsSpace(runes[start]) {
				start++
			}
		}
	}
}

// cutPoint returns the end of the chunk starting at start. The result is in
// (start, start+Hard].
func (s Splitter) cutPoint(runes []rune, spans []span, start int) int {
	softEnd := start + s.Soft
	hardEnd := start + s.Hard

	if p := bestBoundary(runes, spans, start, softEnd, true); p > 0 {
		return p
	}
	// a protected span straddles the soft target: wait for it to close
	for p := softEnd + 1; p <= hardEnd; p++ {
		if rankAt(runes, p) > rankNone && safe(spans, p) {
			return p
		}
	}
	if p := bestBoundary(runes, spans, start, hardEnd, false); p > 0 {
		return p
	}
	return hardEnd
}

// bestBoundary returns the latest position of the highest rank in
// (start, end], or 0 when there is none.
func bestBoundary(runes []rune, spans []span, start, end int, safeOnly bool) int {
	best, bestRank := 0, rankNone
	for p := end; p > start; p-- {
		r := rankAt(runes, p)
		if r <= bestRank {
			continue
		}
		if safeOnly && !safe(spans, p) {
			continue
		}
		best, bestRank = p, r
		if r == rankParagraph {
			break
		}
	}
	return best
}

// rankAt classifies a cut between runes[p-1] and runes[p].
func rankAt(runes []rune, p int) int {
	if p <= 0 || p >= len(runes) {
		return rankNone
	}
	prev := runes[p-1]
	switch {
	case prev == '\n' && p >= 2 && runes[p-2] == '\n':
		return rankParagraph
	case prev == '\n':
		return rankLine
	case unicode.IsSpace(prev) && p >= 2 && isSentenceEnd(runes[p-2]):
		return rankSentence
	case unicode.IsSpace(prev):
		return rankWord
	}
	return rankNone
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// span is a protected region [start, end) of the rune slice.
type span struct {
	start, end int
}

func safe(spans []span, p int) bool {
	for _, sp := range spans {
		if p > sp.start && p < sp.end {
			return false
		}
		if sp.start >= p {
			break
		}
	}
	return true
}

// delimiters are tried in order, so "$$" wins over "$". Inline pairs must
// close on the same line.
var delimiters = []struct {
	open, close string
	inline      bool
}{
	{"```", "```", false},
	{"$$", "$$", false},
	{`\[`, `\]`, false},
	{`\(`, `\)`, false},
	{"$", "$", true},
}

// protectedSpans finds code fences, math blocks and inline math. An opener
// without a closer protects nothing.
func protectedSpans(runes []rune) []span {
	var spans []span
	for i := 0; i < len(runes); {
		matched := false
		for _, d := range delimiters {
			if !hasPrefixAt(runes, i, d.open) {
				continue
			}
			from := i + len([]rune(d.open))
			if j := indexFrom(runes, from, d.close, d.inline); j >= 0 {
				end := j + len([]rune(d.close))
				spans = append(spans, span{start: i, end: end})
				i = end
				matched = true
			}
			break
		}
		if !matched {
			i++
		}
	}
	return spans
}

func hasPrefixAt(runes []rune, i int, prefix string) bool {
	pr := []rune(prefix)
	if i+len(pr) > len(runes) {
		return false
	}
	for k, r := range pr {
		if runes[i+k] != r {
			return false
		}
	}
	return true
}

// indexFrom returns the next position of needle at or after from, or -1.
// With sameLine set the search stops at the first newline.
func indexFrom(runes []rune, from int, needle string, sameLine bool) int {
	for i := from; i < len(runes); i++ {
		if sameLine && runes[i] == '\n' {
			return -1
		}
		if hasPrefixAt(runes, i, needle) {
			return i
		}
	}
	return -1
}
