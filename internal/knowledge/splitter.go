package knowledge

import (
	"strings"
	"unicode/utf8"
)

// Splitter defaults.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// separators are tried in order; the empty separator splits into runes.
var separators = []string{"\n\n", "\n", " ", ""}

// Splitter cuts text into chunks of at most Size runes, preferring
// paragraph breaks, then line breaks, then spaces. Neighbouring chunks
// share up to Overlap runes of context.
type Splitter struct {
	Size    int
	Overlap int
}

// NewSplitter returns a splitter with sane bounds: a non-positive size
// falls back to DefaultChunkSize and the overlap is kept below the size.
func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 5
	}
	return Splitter{Size: size, Overlap: overlap}
}

// Split returns the chunks of text, whitespace-trimmed, with empty
// chunks dropped.
func (s Splitter) Split(text string) []string {
	if s.Size <= 0 {
		s = NewSplitter(s.Size, s.Overlap)
	}
	return s.split(text, separators)
}

func (s Splitter) split(text string, seps []string) []string {
	sep := ""
	var rest []string
	for i, c := range seps {
		if c == "" || strings.Contains(text, c) {
			sep = c
			rest = seps[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		pieces = make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
	} else {
		pieces = strings.Split(text, sep)
	}

	var chunks, pending []string
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if runeLen(p) < s.Size {
			pending = append(pending, p)
			continue
		}
		if len(pending) > 0 {
			chunks = append(chunks, s.merge(pending, sep)...)
			pending = nil
		}
		if len(rest) == 0 {
			chunks = append(chunks, p)
		} else {
			chunks = append(chunks, s.split(p, rest)...)
		}
	}
	if len(pending) > 0 {
		chunks = append(chunks, s.merge(pending, sep)...)
	}
	return chunks
}

// merge packs small pieces into chunks up to Size, carrying the tail of
// each chunk into the next while it fits within Overlap.
func (s Splitter) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var chunks, current []string
	total := 0

	joinedLen := func(next int) int {
		if len(current) > 0 {
			return total + next + sepLen
		}
		return total + next
	}

	for _, p := range pieces {
		n := runeLen(p)
		if joinedLen(n) > s.Size && len(current) > 0 {
			if chunk := strings.TrimSpace(strings.Join(current, sep)); chunk != "" {
				chunks = append(chunks, chunk)
			}
			for len(current) > 0 && (total > s.Overlap || (joinedLen(n) > s.Size && total > 0)) {
				total -= runeLen(current[0])
				if len(current) > 1 {
					total -= sepLen
				}
				current = current[1:]
			}
		}
		if len(current) > 0 {
			total += sepLen
		}
		current = append(current, p)
		total += n
	}
	if chunk := strings.TrimSpace(strings.Join(current, sep)); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
